package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sorafarm/internal/domain"
)

// PickReason classifies why no account could be reserved.
type PickReason string

const (
	PickOK            PickReason = ""
	PickNoAccounts    PickReason = "no_accounts"
	PickDailyLimitAll PickReason = "daily_limit_all"
	PickNoActiveSlots PickReason = "no_active_slots"
)

// CredentialProber performs a lightweight upstream authentication probe
// for a credential blob and returns the access token it yields. The
// composition root injects the protocol client's probe here so this
// package never depends on it.
type CredentialProber func(ctx context.Context, cookiesJSON string) (string, error)

// Pool manages credential lifecycle and slot/quota accounting on top of
// the account repository.
type Pool struct {
	repo   domain.AccountRepository
	probe  CredentialProber
	limits domain.AccountLimits
	logger zerolog.Logger
	now    func() time.Time
}

// NewPool constructs an account pool. probe may be nil, in which case
// AddAccount skips upstream validation and key derivation falls back to
// the credential hash.
func NewPool(repo domain.AccountRepository, probe CredentialProber, limits domain.AccountLimits, logger zerolog.Logger) *Pool {
	return &Pool{
		repo:   repo,
		probe:  probe,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// Limits returns the configured per-account limits.
func (p *Pool) Limits() domain.AccountLimits { return p.limits }

// AddAccount validates and stores a new credential. It fails with
// domain.ErrInvalidCredential when the authentication probe rejects the
// blob and domain.ErrDuplicateAccount when the derived key or the
// canonicalized credential already exists.
func (p *Pool) AddAccount(ctx context.Context, cookiesJSON string) (int64, error) {
	canonical, err := CanonicalizeCookies(cookiesJSON)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}

	var accountKey string
	if p.probe != nil {
		token, err := p.probe(ctx, cookiesJSON)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
		}
		accountKey = deriveAccountKey(token)
	}
	if accountKey == "" {
		accountKey = cookieHashKey(canonical)
	}

	if _, err := p.repo.GetByKey(ctx, accountKey); err == nil {
		return 0, domain.ErrDuplicateAccount
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}

	// Key derivation can miss; a byte-level comparison of canonical
	// forms still catches reordered or re-cased exports of the same
	// account.
	existing, err := p.repo.ListMinimal(ctx)
	if err != nil {
		return 0, err
	}
	for _, acc := range existing {
		other, err := CanonicalizeCookies(acc.CookiesJSON)
		if err != nil {
			continue
		}
		if other == canonical {
			return 0, domain.ErrDuplicateAccount
		}
	}

	id, err := p.repo.Insert(ctx, cookiesJSON, &accountKey)
	if err != nil {
		return 0, err
	}
	p.logger.Info().Int64("account_id", id).Msg("accounts: credential added to pool")
	return id, nil
}

// Pick atomically selects and reserves one account. When no account is
// available the returned reason distinguishes an empty pool, exhausted
// daily quotas, and missing concurrency slots (including the race-loss
// case).
func (p *Pool) Pick(ctx context.Context) (*domain.Account, PickReason, error) {
	now := p.now().UTC()
	today := now.Format("2006-01-02")

	acc, err := p.repo.Acquire(ctx, today, now, p.limits)
	if err == nil {
		return acc, PickOK, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, PickOK, err
	}

	counts, err := p.repo.Counts(ctx, p.limits)
	if err != nil {
		return nil, PickOK, err
	}
	switch {
	case counts.Total == 0:
		return nil, PickNoAccounts, nil
	case counts.UnderDaily == 0:
		return nil, PickDailyLimitAll, nil
	default:
		return nil, PickNoActiveSlots, nil
	}
}

// MarkCreated charges the daily quota for an accepted submission. It is
// deliberately not called at selection time: a reservation that never
// reaches submission must not consume quota.
func (p *Pool) MarkCreated(ctx context.Context, id int64) error {
	now := p.now().UTC()
	return p.repo.IncrementDaily(ctx, id, now.Format("2006-01-02"), now)
}

// MarkFinished releases the concurrency slot taken by Pick. Callers
// must invoke it exactly once per successful Pick regardless of
// outcome.
func (p *Pool) MarkFinished(ctx context.Context, id int64) error {
	return p.repo.DecrementActive(ctx, id)
}

// MarkDailyExhausted force-sets the daily counter to the limit after
// upstream reported a quota violation the local counter did not
// predict.
func (p *Pool) MarkDailyExhausted(ctx context.Context, id int64) error {
	now := p.now().UTC()
	return p.repo.SetDailyGenerations(ctx, id, p.limits.Daily, now.Format("2006-01-02"), now)
}

// GetCredentials looks up the credential blob backing an account.
func (p *Pool) GetCredentials(ctx context.Context, id int64) (*domain.Account, error) {
	return p.repo.GetCredentials(ctx, id)
}
