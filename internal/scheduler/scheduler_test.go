// File: internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/unlock-cli/internal/account"
	"github.com/xkilldash9x/unlock-cli/internal/browser"
	"github.com/xkilldash9x/unlock-cli/internal/config"
	"github.com/xkilldash9x/unlock-cli/internal/store"
	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastClock makes retry backoffs free.
type fastClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fastClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fastClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func testConfig(concurrency, maxAttempts int) *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxConcurrentBrowsers: concurrency,
			MaxAttemptsPerAccount: maxAttempts,
			BackoffBaseSeconds:    1,
			BackoffCapSeconds:     4,
		},
	}
}

func testScheduler(t *testing.T, cfg *config.Config) *Scheduler {
	t.Helper()
	persister, err := store.NewPersister(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	s := New(cfg, nil, persister, nil, zap.NewNop())
	s.clock = &fastClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return s
}

func testAccounts(n int) []*account.Record {
	accounts := make([]*account.Record, n)
	for i := range accounts {
		accounts[i] = &account.Record{Username: fmt.Sprintf("user%02d", i), Password: "pw"}
	}
	return accounts
}

func successResult(acct *account.Record) *unlock.Result {
	return &unlock.Result{
		AccountID: acct.ID(),
		Outcome:   unlock.OutcomeSuccess,
		State:     unlock.StateSuccess,
		Cookies:   map[string]string{"auth_token": "x"},
	}
}

func failureResult(acct *account.Record, kind unlock.FailureKind) *unlock.Result {
	return &unlock.Result{
		AccountID: acct.ID(),
		Outcome:   unlock.OutcomeFailed,
		Failure:   kind,
		State:     unlock.StateFailed,
	}
}

// -- Concurrency Bound --

func TestRunNeverExceedsConcurrencyBound(t *testing.T) {
	const bound = 3
	s := testScheduler(t, testConfig(bound, 1))

	var mu sync.Mutex
	active, peak := 0, 0
	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return successResult(acct)
	}

	summary := s.Run(context.Background(), testAccounts(12))

	assert.Equal(t, 12, summary.Succeeded)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, bound, "more sessions in flight than the configured bound")
	assert.Greater(t, peak, 1, "expected actual overlap between workers")
}

// countingFactory hands out fake sessions and tracks how many are open at
// once.
type countingFactory struct {
	mu   sync.Mutex
	open int
	peak int
}

func (f *countingFactory) Open(ctx context.Context, opts browser.OpenOptions) (browser.SessionHandle, error) {
	f.mu.Lock()
	f.open++
	if f.open > f.peak {
		f.peak = f.open
	}
	f.mu.Unlock()
	return &countedSession{factory: f, id: opts.ProfileName}, nil
}

func (f *countingFactory) release() {
	f.mu.Lock()
	f.open--
	f.mu.Unlock()
}

// countedSession presents an already unlocked account so the flow succeeds
// quickly. The short Navigate sleep forces real overlap between workers.
type countedSession struct {
	factory *countingFactory
	id      string
	once    sync.Once
}

func (s *countedSession) ID() string { return s.id }

func (s *countedSession) Navigate(ctx context.Context, url string) error {
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (s *countedSession) CurrentURL(ctx context.Context) (string, error) { return "about:blank", nil }

func (s *countedSession) FindMarker(ctx context.Context, selector string) (bool, error) {
	return strings.Contains(selector, "primaryColumn"), nil
}

func (s *countedSession) Click(ctx context.Context, selector string) error      { return nil }
func (s *countedSession) Type(ctx context.Context, selector, text string) error { return nil }
func (s *countedSession) SetCookie(ctx context.Context, name, value, domain string) error {
	return nil
}

func (s *countedSession) ReadCookies(ctx context.Context) (map[string]string, error) {
	return map[string]string{"auth_token": "x"}, nil
}

func (s *countedSession) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

func (s *countedSession) Close(ctx context.Context) error {
	s.once.Do(s.factory.release)
	return nil
}

func TestSessionsBoundedAndClosedAcrossBatch(t *testing.T) {
	const bound = 2
	cfg := testConfig(bound, 1)

	persister, err := store.NewPersister(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	factory := &countingFactory{}
	s := New(cfg, factory, persister, nil, zap.NewNop())
	s.clock = &fastClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	summary := s.Run(context.Background(), testAccounts(8))

	assert.Equal(t, 8, summary.Succeeded)
	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.LessOrEqual(t, factory.peak, bound)
	assert.Equal(t, 0, factory.open, "every session must be closed when the batch ends")
}

// -- Retry Policy --

func TestRunRetriesRetryableFailures(t *testing.T) {
	s := testScheduler(t, testConfig(2, 3))

	var mu sync.Mutex
	attempts := map[string]int{}
	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		mu.Lock()
		attempts[acct.ID()]++
		mu.Unlock()
		return failureResult(acct, unlock.FailCaptchaTimeout)
	}

	summary := s.Run(context.Background(), testAccounts(2))

	assert.Equal(t, 2, summary.Failed)
	mu.Lock()
	defer mu.Unlock()
	for id, n := range attempts {
		assert.Equal(t, 3, n, "account %s should exhaust all attempts", id)
	}
	for _, res := range summary.Results {
		assert.Equal(t, 3, res.Attempts)
	}
}

func TestRunRecoversOnLaterAttempt(t *testing.T) {
	s := testScheduler(t, testConfig(1, 3))

	calls := 0
	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		calls++
		if attempt < 3 {
			return failureResult(acct, unlock.FailUnlockNotConfirmed)
		}
		return successResult(acct)
	}

	summary := s.Run(context.Background(), testAccounts(1))

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, summary.Results[0].Attempts)
}

func TestRunRiskBlockBypassesRetry(t *testing.T) {
	s := testScheduler(t, testConfig(2, 3))

	var mu sync.Mutex
	calls := 0
	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return failureResult(acct, unlock.FailRiskBlocked)
	}

	summary := s.Run(context.Background(), testAccounts(1))

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, calls, "a risk block must consume exactly one attempt")
	assert.Equal(t, unlock.FailRiskBlocked, summary.Results[0].Failure)
}

// -- Aggregation --

func TestRunPreservesInputOrder(t *testing.T) {
	s := testScheduler(t, testConfig(4, 1))

	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		// Stagger completions so later inputs can finish first.
		time.Sleep(time.Duration(len(acct.ID())%3) * time.Millisecond)
		return successResult(acct)
	}

	accounts := testAccounts(8)
	summary := s.Run(context.Background(), accounts)

	require.Len(t, summary.Results, len(accounts))
	for i, res := range summary.Results {
		assert.Equal(t, accounts[i].ID(), res.AccountID)
	}
}

func TestRunCancelledBatchStillReports(t *testing.T) {
	s := testScheduler(t, testConfig(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	s.runAttempt = func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
		cancel()
		return failureResult(acct, unlock.FailCancelled)
	}

	summary := s.Run(ctx, testAccounts(4))

	require.Len(t, summary.Results, 4)
	for _, res := range summary.Results {
		require.NotNil(t, res)
		assert.Equal(t, unlock.OutcomeFailed, res.Outcome)
		assert.Equal(t, unlock.FailCancelled, res.Failure)
	}
}

// -- Backoff --

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	ceiling := 60 * time.Second

	assert.Equal(t, 5*time.Second, backoffDelay(base, ceiling, 1))
	assert.Equal(t, 10*time.Second, backoffDelay(base, ceiling, 2))
	assert.Equal(t, 20*time.Second, backoffDelay(base, ceiling, 3))
	assert.Equal(t, 40*time.Second, backoffDelay(base, ceiling, 4))
	assert.Equal(t, 60*time.Second, backoffDelay(base, ceiling, 5), "delay clamps at the ceiling")
	assert.Equal(t, 60*time.Second, backoffDelay(base, ceiling, 63), "shift overflow clamps at the ceiling")
}
