package accounts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sorafarm/internal/domain"
)

// memAccountRepo is an in-memory domain.AccountRepository with the same
// atomicity guarantees the SQL implementation provides.
type memAccountRepo struct {
	mu       sync.Mutex
	nextID   int64
	accounts []*domain.Account
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{nextID: 1}
}

func (m *memAccountRepo) Insert(_ context.Context, cookiesJSON string, accountKey *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := &domain.Account{ID: m.nextID, CookiesJSON: cookiesJSON, AccountKey: accountKey}
	m.nextID++
	m.accounts = append(m.accounts, acc)
	return acc.ID, nil
}

func (m *memAccountRepo) GetByKey(_ context.Context, accountKey string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.AccountKey != nil && *acc.AccountKey == accountKey {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memAccountRepo) GetCredentials(_ context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == id {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memAccountRepo) ListMinimal(_ context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	return out, nil
}

func (m *memAccountRepo) Acquire(_ context.Context, today string, now time.Time, limits domain.AccountLimits) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.LastUsedDate != nil && *acc.LastUsedDate != today {
			acc.DailyGenerations = 0
			acc.LastUsedDate = &today
		}
	}
	var eligible []*domain.Account
	for _, acc := range m.accounts {
		if !acc.Disabled && acc.DailyGenerations < limits.Daily && acc.ActiveGenerations < limits.Concurrency {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ActiveGenerations != b.ActiveGenerations {
			return a.ActiveGenerations < b.ActiveGenerations
		}
		if a.DailyGenerations != b.DailyGenerations {
			return a.DailyGenerations < b.DailyGenerations
		}
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	chosen := eligible[0]
	chosen.ActiveGenerations++
	chosen.LastUsedAt = &now
	chosen.LastUsedDate = &today
	cp := *chosen
	return &cp, nil
}

func (m *memAccountRepo) Counts(_ context.Context, limits domain.AccountLimits) (domain.PoolCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c domain.PoolCounts
	c.Total = len(m.accounts)
	for _, acc := range m.accounts {
		if acc.Disabled {
			continue
		}
		if acc.DailyGenerations < limits.Daily {
			c.UnderDaily++
			if acc.ActiveGenerations < limits.Concurrency {
				c.FreeSlots++
			}
		}
	}
	return c, nil
}

func (m *memAccountRepo) IncrementDaily(_ context.Context, id int64, today string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == id {
			acc.DailyGenerations++
			acc.LastUsedAt = &now
			acc.LastUsedDate = &today
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memAccountRepo) DecrementActive(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == id {
			if acc.ActiveGenerations > 0 {
				acc.ActiveGenerations--
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memAccountRepo) SetDailyGenerations(_ context.Context, id int64, value int, today string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == id {
			acc.DailyGenerations = value
			acc.LastUsedAt = &now
			acc.LastUsedDate = &today
			return nil
		}
	}
	return domain.ErrNotFound
}

var _ domain.AccountRepository = (*memAccountRepo)(nil)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testCookies(name string) string {
	return fmt.Sprintf(`[{"name":"__Secure-next-auth.session-token","value":"%s","domain":".chatgpt.com","path":"/"}]`, name)
}

func jwtWith(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func staticProbe(token string) CredentialProber {
	return func(context.Context, string) (string, error) { return token, nil }
}

func TestPickAccountConcurrencyCap(t *testing.T) {
	repo := newMemAccountRepo()
	pool := NewPool(repo, nil, domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())
	if _, err := pool.AddAccount(context.Background(), testCookies("a")); err != nil {
		t.Fatalf("add account: %v", err)
	}

	const callers = 6
	type result struct {
		acc    *domain.Account
		reason PickReason
		err    error
	}
	results := make([]result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, reason, err := pool.Pick(context.Background())
			results[i] = result{acc, reason, err}
		}(i)
	}
	wg.Wait()

	var ok, slots int
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("pick: %v", r.err)
		}
		if r.acc != nil {
			ok++
		} else if r.reason == PickNoActiveSlots {
			slots++
		} else {
			t.Fatalf("unexpected reason %q", r.reason)
		}
	}
	if ok != 5 || slots != 1 {
		t.Fatalf("got %d reservations and %d slot rejections, want 5 and 1", ok, slots)
	}
}

func TestPickAccountDailyLimit(t *testing.T) {
	repo := newMemAccountRepo()
	limits := domain.AccountLimits{Daily: 100, Concurrency: 5}
	pool := NewPool(repo, nil, limits, testLogger())
	if _, err := pool.AddAccount(context.Background(), testCookies("a")); err != nil {
		t.Fatalf("add account: %v", err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	if err := repo.SetDailyGenerations(context.Background(), 1, limits.Daily, today, time.Now().UTC()); err != nil {
		t.Fatalf("set daily: %v", err)
	}

	acc, reason, err := pool.Pick(context.Background())
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if acc != nil {
		t.Fatalf("expected no account, got id %d", acc.ID)
	}
	if reason != PickDailyLimitAll {
		t.Fatalf("reason = %q, want %q", reason, PickDailyLimitAll)
	}
}

func TestPickEmptyPool(t *testing.T) {
	pool := NewPool(newMemAccountRepo(), nil, domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())
	acc, reason, err := pool.Pick(context.Background())
	if err != nil || acc != nil {
		t.Fatalf("pick = (%v, %v), want nil account", acc, err)
	}
	if reason != PickNoAccounts {
		t.Fatalf("reason = %q, want %q", reason, PickNoAccounts)
	}
}

func TestPickPrefersLeastLoadedAccount(t *testing.T) {
	repo := newMemAccountRepo()
	pool := NewPool(repo, nil, domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())
	for _, name := range []string{"a", "b"} {
		if _, err := pool.AddAccount(context.Background(), testCookies(name)); err != nil {
			t.Fatalf("add account: %v", err)
		}
	}
	// Load account 1 with two reservations; the next pick must land on 2.
	for i := 0; i < 2; i++ {
		if _, _, err := pool.Pick(context.Background()); err != nil {
			t.Fatalf("pick: %v", err)
		}
	}
	acc, _, err := pool.Pick(context.Background())
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if acc == nil || acc.ID != 2 {
		t.Fatalf("expected account 2, got %+v", acc)
	}
}

func TestDailyCountersResetOnNewUTCDay(t *testing.T) {
	repo := newMemAccountRepo()
	limits := domain.AccountLimits{Daily: 100, Concurrency: 5}
	pool := NewPool(repo, nil, limits, testLogger())
	if _, err := pool.AddAccount(context.Background(), testCookies("a")); err != nil {
		t.Fatalf("add account: %v", err)
	}
	if _, err := pool.AddAccount(context.Background(), testCookies("b")); err != nil {
		t.Fatalf("add account: %v", err)
	}

	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return day1 }
	if err := repo.SetDailyGenerations(context.Background(), 1, limits.Daily, "2026-03-01", day1); err != nil {
		t.Fatalf("set daily: %v", err)
	}

	// Same day: account 1 stays exhausted, account 2 serves.
	acc, _, err := pool.Pick(context.Background())
	if err != nil || acc == nil || acc.ID != 2 {
		t.Fatalf("pick same day = %+v, %v", acc, err)
	}

	// Next UTC day: the reset applies lazily on the next pick and
	// account 1 is eligible again.
	pool.now = func() time.Time { return day1.Add(24 * time.Hour) }
	acc, _, err = pool.Pick(context.Background())
	if err != nil || acc == nil {
		t.Fatalf("pick next day = %+v, %v", acc, err)
	}
	if acc.ID != 1 {
		t.Fatalf("expected reset account 1 to win tie-break, got %d", acc.ID)
	}
	if acc.DailyGenerations != 0 {
		t.Fatalf("daily counter = %d, want 0 after reset", acc.DailyGenerations)
	}
	got, err := repo.GetCredentials(context.Background(), 2)
	if err != nil {
		t.Fatalf("get account 2: %v", err)
	}
	if got.DailyGenerations != 0 {
		t.Fatalf("account 2 daily counter = %d, want untouched 0", got.DailyGenerations)
	}
}

func TestAddAccountDuplicateByKey(t *testing.T) {
	repo := newMemAccountRepo()
	token := jwtWith(t, map[string]any{"email": "User@Example.com"})
	pool := NewPool(repo, staticProbe(token), domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())

	id, err := pool.AddAccount(context.Background(), testCookies("a"))
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	// Different cookie bytes, same identity claim.
	if _, err := pool.AddAccount(context.Background(), testCookies("b")); !errors.Is(err, domain.ErrDuplicateAccount) {
		t.Fatalf("second add err = %v, want ErrDuplicateAccount", err)
	}
	list, _ := repo.ListMinimal(context.Background())
	if len(list) != 1 {
		t.Fatalf("stored accounts = %d, want 1", len(list))
	}
}

func TestAddAccountDuplicateByCanonicalCookies(t *testing.T) {
	repo := newMemAccountRepo()
	// Opaque token: no decodable claims, forcing the hash fallback.
	pool := NewPool(repo, staticProbe("opaque"), domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())

	credA := `[{"name":"sid","value":"1","domain":".ChatGPT.com","path":"/"},{"name":"oai-did","value":"d","domain":".chatgpt.com","path":"/"}]`
	// Same cookies, reordered and re-cased.
	credB := `[{"name":"oai-did","value":"d","domain":".chatgpt.com","path":"/"},{"name":"sid","value":"1","domain":".chatgpt.com","path":"/"}]`

	if _, err := pool.AddAccount(context.Background(), credA); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := pool.AddAccount(context.Background(), credB); !errors.Is(err, domain.ErrDuplicateAccount) {
		t.Fatalf("second add err = %v, want ErrDuplicateAccount", err)
	}
}

func TestAddAccountInvalidCredential(t *testing.T) {
	repo := newMemAccountRepo()
	probe := func(context.Context, string) (string, error) {
		return "", errors.New("auth_session_failed: status=403")
	}
	pool := NewPool(repo, probe, domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())

	if _, err := pool.AddAccount(context.Background(), testCookies("a")); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
	if _, err := pool.AddAccount(context.Background(), `{"not":"an array"}`); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential for malformed blob", err)
	}
}

func TestMarkFinishedFloorsAtZero(t *testing.T) {
	repo := newMemAccountRepo()
	pool := NewPool(repo, nil, domain.AccountLimits{Daily: 100, Concurrency: 5}, testLogger())
	id, err := pool.AddAccount(context.Background(), testCookies("a"))
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := pool.MarkFinished(context.Background(), id); err != nil {
			t.Fatalf("mark finished: %v", err)
		}
	}
	acc, err := repo.GetCredentials(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.ActiveGenerations != 0 {
		t.Fatalf("active = %d, want 0", acc.ActiveGenerations)
	}
}

func TestMarkDailyExhaustedForcesLimit(t *testing.T) {
	repo := newMemAccountRepo()
	limits := domain.AccountLimits{Daily: 100, Concurrency: 5}
	pool := NewPool(repo, nil, limits, testLogger())
	id, err := pool.AddAccount(context.Background(), testCookies("a"))
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := pool.MarkDailyExhausted(context.Background(), id); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}
	acc, _ := repo.GetCredentials(context.Background(), id)
	if acc.DailyGenerations != limits.Daily {
		t.Fatalf("daily = %d, want %d", acc.DailyGenerations, limits.Daily)
	}
	_, reason, err := pool.Pick(context.Background())
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if reason != PickDailyLimitAll {
		t.Fatalf("reason = %q, want %q", reason, PickDailyLimitAll)
	}
}
