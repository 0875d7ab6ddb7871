package domain

import (
	"context"
	"time"
)

// AccountRepository defines persistence for pooled accounts. Acquire
// must reserve a concurrency slot in the same atomic step as the
// selection so two callers can never take the last slot twice.
type AccountRepository interface {
	Insert(ctx context.Context, cookiesJSON string, accountKey *string) (int64, error)
	GetByKey(ctx context.Context, accountKey string) (*Account, error)
	GetCredentials(ctx context.Context, id int64) (*Account, error)
	ListMinimal(ctx context.Context) ([]Account, error)
	// Acquire resets stale daily counters for the given UTC day, then
	// atomically selects the best eligible account and increments its
	// active counter. Returns ErrNotFound when no account qualifies.
	Acquire(ctx context.Context, today string, now time.Time, limits AccountLimits) (*Account, error)
	Counts(ctx context.Context, limits AccountLimits) (PoolCounts, error)
	IncrementDaily(ctx context.Context, id int64, today string, now time.Time) error
	DecrementActive(ctx context.Context, id int64) error
	SetDailyGenerations(ctx context.Context, id int64, value int, today string, now time.Time) error
}

// JobRepository defines persistence for generation jobs.
type JobRepository interface {
	Enqueue(ctx context.Context, spec JobSpec) (int64, error)
	// ClaimNextQueued atomically moves the oldest queued job to running
	// and returns it, or ErrNotFound when the queue is empty.
	ClaimNextQueued(ctx context.Context) (*GenerationJob, error)
	GetByID(ctx context.Context, id int64) (*GenerationJob, error)
	ListByStatus(ctx context.Context, statuses ...JobStatus) ([]GenerationJob, error)
	Update(ctx context.Context, id int64, upd JobUpdate) error
}
