// File: internal/scheduler/scheduler.go

// Package scheduler fans a parsed batch out to bounded concurrent unlock
// workers, applies the per-account retry policy, and aggregates results in
// input order.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/unlock-cli/internal/account"
	"github.com/xkilldash9x/unlock-cli/internal/browser"
	"github.com/xkilldash9x/unlock-cli/internal/config"
	"github.com/xkilldash9x/unlock-cli/internal/store"
	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

// Summary is the aggregate outcome of one batch. Results holds the final
// per-account result in the order the accounts appeared in the input file.
type Summary struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Results   []*unlock.Result
}

// attemptFunc runs one attempt for one account on a fresh session. Swapped
// out in tests.
type attemptFunc func(ctx context.Context, acct *account.Record, attempt int) *unlock.Result

// Scheduler owns the worker pool for a batch run.
type Scheduler struct {
	cfg       *config.Config
	factory   browser.Factory
	persister *store.Persister
	history   *store.History
	clock     unlock.Clock
	log       *zap.Logger

	runAttempt attemptFunc
}

// New wires a scheduler. history may be nil to disable run auditing.
func New(cfg *config.Config, factory browser.Factory, persister *store.Persister, history *store.History, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:       cfg,
		factory:   factory,
		persister: persister,
		history:   history,
		clock:     unlock.SystemClock,
		log:       logger,
	}
	s.runAttempt = s.sessionAttempt
	return s
}

// Run processes the whole batch and blocks until every account reached a
// terminal outcome or ctx was cancelled. Cancellation still yields a full
// Summary; unstarted accounts are marked cancelled.
func (s *Scheduler) Run(ctx context.Context, accounts []*account.Record) *Summary {
	started := time.Now()
	runID := uuid.NewString()
	log := s.log.With(zap.String("run_id", runID))
	log.Info("Starting batch",
		zap.Int("accounts", len(accounts)),
		zap.Int("max_concurrent", s.cfg.Engine.MaxConcurrentBrowsers),
		zap.Int("max_attempts", s.cfg.Engine.MaxAttemptsPerAccount))

	if s.history != nil {
		if err := s.history.BeginRun(ctx, runID, len(accounts)); err != nil {
			log.Warn("Run history unavailable", zap.Error(err))
		}
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Engine.MaxConcurrentBrowsers))
	limiter := launchLimiter(s.cfg.Engine.LaunchIntervalSeconds)

	results := make([]*unlock.Result, len(accounts))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, acct := range accounts {
		wg.Add(1)
		go func(slot int, acct *account.Record) {
			defer wg.Done()
			res := s.runAccount(ctx, runID, acct, sem, limiter)
			mu.Lock()
			results[slot] = res
			mu.Unlock()
		}(i, acct)
	}
	wg.Wait()

	summary := &Summary{
		RunID:   runID,
		Total:   len(accounts),
		Elapsed: time.Since(started),
		Results: results,
	}
	for _, res := range results {
		if res.Outcome == unlock.OutcomeSuccess {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	if err := s.persister.WriteBatchReport(results, summary.Elapsed); err != nil {
		log.Error("Writing batch report failed", zap.Error(err))
	}
	if s.history != nil {
		if err := s.history.FinishRun(context.WithoutCancel(ctx), runID, summary.Succeeded); err != nil {
			log.Warn("Recording run finish failed", zap.Error(err))
		}
	}

	log.Info("Batch finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed))
	return summary
}

// runAccount drives one account through up to MaxAttemptsPerAccount
// attempts, each on a fresh session, with exponential backoff in between.
func (s *Scheduler) runAccount(ctx context.Context, runID string, acct *account.Record, sem *semaphore.Weighted, limiter *rate.Limiter) *unlock.Result {
	log := s.log.With(zap.String("run_id", runID), zap.String("account", acct.ID()))

	var res *unlock.Result
	maxAttempts := s.cfg.Engine.MaxAttemptsPerAccount
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			res = cancelledResult(acct, attempt, err)
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			sem.Release(1)
			res = cancelledResult(acct, attempt, err)
			break
		}
		res = s.runAttempt(ctx, acct, attempt)
		sem.Release(1)

		res.Attempts = attempt
		if s.history != nil {
			if err := s.history.RecordAttempt(context.WithoutCancel(ctx), runID, res); err != nil {
				log.Warn("Recording attempt failed", zap.Error(err))
			}
		}
		if res.Outcome == unlock.OutcomeSuccess || !res.Retryable() || attempt == maxAttempts {
			break
		}

		delay := backoffDelay(s.cfg.BackoffBase(), s.cfg.BackoffCap(), attempt)
		log.Info("Retrying after backoff",
			zap.Int("attempt", attempt),
			zap.String("failure", string(res.Failure)),
			zap.Duration("delay", delay))
		if err := s.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}

	if err := s.persister.SaveResult(res); err != nil {
		// A persistence failure is reported but never rewrites the outcome.
		log.Error("Persisting result failed",
			zap.String("kind", string(unlock.FailPersistence)),
			zap.Error(err))
	}
	return res
}

// sessionAttempt is the production attemptFunc: open a fresh session, run
// the state machine on it, capture a failure screenshot, close the session.
func (s *Scheduler) sessionAttempt(ctx context.Context, acct *account.Record, attempt int) *unlock.Result {
	log := s.log.With(zap.String("account", acct.ID()), zap.Int("attempt", attempt))

	sess, err := s.factory.Open(ctx, browser.OpenOptions{
		ProfileName: acct.ID(),
		Proxy:       proxyParams(acct),
	})
	if err != nil {
		kind := unlock.FailProvisioning
		if ctx.Err() != nil {
			kind = unlock.FailCancelled
		}
		log.Warn("Session open failed", zap.Error(err))
		return &unlock.Result{
			AccountID: acct.ID(),
			Outcome:   unlock.OutcomeFailed,
			Failure:   kind,
			Reason:    err.Error(),
			State:     unlock.StateInit,
		}
	}
	// Teardown must proceed even when the run context is already cancelled.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Warn("Session close failed", zap.Error(err))
		}
	}()

	machine := unlock.NewMachine(acct, sess, unlock.MachineConfig{
		ChallengeBudget:            s.cfg.PluginMaxWait(),
		PollInterval:               s.cfg.PollInterval(),
		TokenFallbackCountsAttempt: s.cfg.Engine.TokenFallbackCountsAttempt,
	}, s.clock, s.log)
	res := machine.Run(ctx)

	if res.Outcome == unlock.OutcomeFailed && s.cfg.Browser.SaveScreenshots {
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		png, err := sess.Screenshot(shotCtx)
		cancel()
		if err != nil {
			log.Debug("Failure screenshot unavailable", zap.Error(err))
		} else if err := s.persister.SaveScreenshot(acct.ID(), string(res.State), png); err != nil {
			log.Warn("Saving screenshot failed", zap.Error(err))
		}
	}
	return res
}

func proxyParams(acct *account.Record) *browser.ProxyParams {
	if acct.Proxy == nil {
		return nil
	}
	return &browser.ProxyParams{
		Host:     acct.Proxy.Host,
		Port:     acct.Proxy.Port,
		Username: acct.Proxy.Username,
		Password: acct.Proxy.Password,
	}
}

func cancelledResult(acct *account.Record, attempt int, err error) *unlock.Result {
	return &unlock.Result{
		AccountID: acct.ID(),
		Outcome:   unlock.OutcomeFailed,
		Failure:   unlock.FailCancelled,
		Reason:    err.Error(),
		State:     unlock.StateInit,
		Attempts:  attempt,
	}
}

// backoffDelay doubles the base per completed attempt and clamps at ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func launchLimiter(intervalSeconds int) *rate.Limiter {
	if intervalSeconds <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(intervalSeconds)*time.Second), 1)
}
