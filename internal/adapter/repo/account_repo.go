package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sorafarm/internal/domain"
)

// AccountRepositoryPG implements domain.AccountRepository.
type AccountRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new account repository backed by PostgreSQL.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepositoryPG {
	return &AccountRepositoryPG{pool: pool}
}

// Insert stores a new account with zeroed counters.
func (r *AccountRepositoryPG) Insert(ctx context.Context, cookiesJSON string, accountKey *string) (int64, error) {
	query := `
INSERT INTO accounts (cookies_json, account_key, active_generations, daily_generations, disabled)
VALUES ($1, $2, 0, 0, FALSE)
RETURNING id;
`
	var id int64
	if err := r.pool.QueryRow(ctx, query, cookiesJSON, accountKey).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetByKey fetches an account by its derived key.
func (r *AccountRepositoryPG) GetByKey(ctx context.Context, accountKey string) (*domain.Account, error) {
	query := `
SELECT id, cookies_json, account_key, active_generations, daily_generations, last_used_at, last_used_date, disabled
FROM accounts
WHERE account_key = $1;
`
	return r.scanAccount(r.pool.QueryRow(ctx, query, accountKey))
}

// GetCredentials fetches an account by id for credential lookup.
func (r *AccountRepositoryPG) GetCredentials(ctx context.Context, id int64) (*domain.Account, error) {
	query := `
SELECT id, cookies_json, account_key, active_generations, daily_generations, last_used_at, last_used_date, disabled
FROM accounts
WHERE id = $1;
`
	return r.scanAccount(r.pool.QueryRow(ctx, query, id))
}

// ListMinimal returns id, credential blob and key for every account.
func (r *AccountRepositoryPG) ListMinimal(ctx context.Context) ([]domain.Account, error) {
	query := `
SELECT id, cookies_json, account_key
FROM accounts
ORDER BY id;
`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.CookiesJSON, &acc.AccountKey); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Acquire resets stale daily counters and reserves one ready account.
// The reset and the slot increment run in one transaction; the claim
// statement both selects and increments so concurrent callers cannot
// take the same last slot.
func (r *AccountRepositoryPG) Acquire(ctx context.Context, today string, now time.Time, limits domain.AccountLimits) (*domain.Account, error) {
	var acc *domain.Account
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		reset := `
UPDATE accounts
SET daily_generations = 0, last_used_date = $1
WHERE last_used_date IS NOT NULL AND last_used_date <> $1;
`
		if _, err := tx.Exec(ctx, reset, today); err != nil {
			return err
		}
		claim := `
UPDATE accounts
SET active_generations = active_generations + 1, last_used_at = $1, last_used_date = $2
WHERE id = (
	SELECT id FROM accounts
	WHERE NOT disabled AND daily_generations < $3 AND active_generations < $4
	ORDER BY active_generations ASC, daily_generations ASC, last_used_at ASC NULLS FIRST, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, cookies_json, account_key, active_generations, daily_generations, last_used_at, last_used_date, disabled;
`
		got, err := r.scanAccount(tx.QueryRow(ctx, claim, now, today, limits.Daily, limits.Concurrency))
		if err != nil {
			return err
		}
		acc = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Counts reports availability totals used to classify pick failures.
func (r *AccountRepositoryPG) Counts(ctx context.Context, limits domain.AccountLimits) (domain.PoolCounts, error) {
	query := `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE NOT disabled AND daily_generations < $1),
	COUNT(*) FILTER (WHERE NOT disabled AND daily_generations < $1 AND active_generations < $2)
FROM accounts;
`
	var c domain.PoolCounts
	if err := r.pool.QueryRow(ctx, query, limits.Daily, limits.Concurrency).Scan(&c.Total, &c.UnderDaily, &c.FreeSlots); err != nil {
		return domain.PoolCounts{}, err
	}
	return c, nil
}

// IncrementDaily charges one submission against the daily quota.
func (r *AccountRepositoryPG) IncrementDaily(ctx context.Context, id int64, today string, now time.Time) error {
	query := `
UPDATE accounts
SET daily_generations = daily_generations + 1, last_used_at = $2, last_used_date = $3
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, id, now, today)
	return err
}

// DecrementActive releases one concurrency slot, floored at zero.
func (r *AccountRepositoryPG) DecrementActive(ctx context.Context, id int64) error {
	query := `
UPDATE accounts
SET active_generations = GREATEST(active_generations - 1, 0)
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// SetDailyGenerations force-sets the daily counter, resynchronizing
// local accounting with an upstream quota verdict.
func (r *AccountRepositoryPG) SetDailyGenerations(ctx context.Context, id int64, value int, today string, now time.Time) error {
	query := `
UPDATE accounts
SET daily_generations = $2, last_used_at = $3, last_used_date = $4
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, id, value, now, today)
	return err
}

func (r *AccountRepositoryPG) scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	if err := row.Scan(
		&acc.ID,
		&acc.CookiesJSON,
		&acc.AccountKey,
		&acc.ActiveGenerations,
		&acc.DailyGenerations,
		&acc.LastUsedAt,
		&acc.LastUsedDate,
		&acc.Disabled,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

var _ domain.AccountRepository = (*AccountRepositoryPG)(nil)
