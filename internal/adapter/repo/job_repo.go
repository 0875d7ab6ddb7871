package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sorafarm/internal/domain"
)

const jobColumns = `id, user_id, chat_id, prompt, orientation, frames, size, image, status, progress,
result_url, error_message, notify_handle, task_id, account_id, poll_interval_ms, timeout_ms,
created_at, updated_at, last_event`

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Enqueue inserts a new job record in queued status.
func (r *JobRepositoryPG) Enqueue(ctx context.Context, spec domain.JobSpec) (int64, error) {
	query := `
INSERT INTO generation_jobs (
	user_id, chat_id, prompt, orientation, frames, size, image, status,
	notify_handle, poll_interval_ms, timeout_ms
)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8, $9, $10)
RETURNING id;
`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		spec.UserID,
		spec.ChatID,
		spec.Prompt,
		spec.Orientation,
		spec.Frames,
		spec.Size,
		nullableBytes(spec.Image),
		spec.NotifyHandle,
		spec.PollInterval.Milliseconds(),
		spec.Timeout.Milliseconds(),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimNextQueued atomically marks the oldest queued job running and
// returns it. FIFO by ascending id, no priorities.
func (r *JobRepositoryPG) ClaimNextQueued(ctx context.Context) (*domain.GenerationJob, error) {
	query := `
UPDATE generation_jobs
SET status = 'running', updated_at = now()
WHERE id = (
	SELECT id FROM generation_jobs
	WHERE status = 'queued'
	ORDER BY id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns + `;`
	return r.scanJob(r.pool.QueryRow(ctx, query))
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id int64) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1;`
	return r.scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
func (r *JobRepositoryPG) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.GenerationJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in := make([]string, len(statuses))
	for i, s := range statuses {
		in[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE status = ANY($1) ORDER BY id ASC;`
	rows, err := r.pool.Query(ctx, query, in)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GenerationJob
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Update applies a partial update. Only fields present in upd are
// touched; updated_at is always stamped.
func (r *JobRepositoryPG) Update(ctx context.Context, id int64, upd domain.JobUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.ClearProgress {
		sets = append(sets, "progress = NULL")
	}
	if upd.ResultURL != nil {
		add("result_url", *upd.ResultURL)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.TaskID != nil {
		add("task_id", *upd.TaskID)
	}
	if upd.ClearTaskID {
		sets = append(sets, "task_id = NULL")
	}
	if upd.AccountID != nil {
		add("account_id", *upd.AccountID)
	}
	if upd.ClearAccountID {
		sets = append(sets, "account_id = NULL")
	}
	if upd.LastEvent != nil {
		add("last_event", *upd.LastEvent)
	}
	if upd.ClearImage {
		sets = append(sets, "image = NULL")
	}
	if upd.ClearNotifyHandle {
		sets = append(sets, "notify_handle = NULL")
	}
	query := "UPDATE generation_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1;"
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

func (r *JobRepositoryPG) scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var job domain.GenerationJob
	var pollMS, timeoutMS int64
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.ChatID,
		&job.Prompt,
		&job.Orientation,
		&job.Frames,
		&job.Size,
		&job.Image,
		&job.Status,
		&job.Progress,
		&job.ResultURL,
		&job.ErrorMessage,
		&job.NotifyHandle,
		&job.TaskID,
		&job.AccountID,
		&pollMS,
		&timeoutMS,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastEvent,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.PollInterval = time.Duration(pollMS) * time.Millisecond
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
