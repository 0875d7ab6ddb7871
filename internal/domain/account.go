package domain

import "time"

// Account is a pooled upstream credential with per-day and concurrency
// budgets. AccountKey, when non-nil, is unique across accounts and is
// the dedup identity derived during onboarding. Counters are
// best-effort mirrors of upstream truth.
type Account struct {
	ID                int64
	CookiesJSON       string
	AccountKey        *string
	ActiveGenerations int
	DailyGenerations  int
	LastUsedAt        *time.Time
	LastUsedDate      *string
	Disabled          bool
}

// AccountLimits bounds selection of an account from the pool.
type AccountLimits struct {
	Daily       int
	Concurrency int
}

// PoolCounts summarizes pool availability for pick classification.
type PoolCounts struct {
	Total      int
	UnderDaily int
	FreeSlots  int
}
