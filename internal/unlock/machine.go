// File: internal/unlock/machine.go
package unlock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/unlock-cli/internal/account"
	"github.com/xkilldash9x/unlock-cli/internal/browser"
)

// State names the phase the machine is currently in. Terminal states are
// StateSuccess, StateFailed, and StateRiskBlocked; once reached the machine
// never leaves them.
type State string

const (
	StateInit              State = "INIT"
	StateLoggingIn         State = "LOGGING_IN"
	StateRiskBlocked       State = "RISK_BLOCKED"
	StateUnusualActivity   State = "UNUSUAL_ACTIVITY"
	StateEnteringPassword  State = "ENTERING_PASSWORD"
	StateVerifying2FA      State = "VERIFYING_2FA"
	StateWaitingCloudflare State = "WAITING_CLOUDFLARE"
	StateWaitingFunCaptcha State = "WAITING_FUNCAPTCHA"
	StateVerifying         State = "VERIFYING"
	StateSuccess           State = "SUCCESS"
	StateSaving            State = "SAVING"
	StateFailed            State = "FAILED"
)

// Outcome is the final disposition of a single unlock attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Result is what a single attempt produced. Cookies are only populated on
// success; Failure is only set on failure.
type Result struct {
	AccountID string
	Outcome   Outcome
	Failure   FailureKind
	Reason    string
	State     State
	Cookies   map[string]string
	Duration  time.Duration

	// Attempts is stamped by the scheduler with the ordinal of the attempt
	// that produced this result.
	Attempts int
}

// Retryable reports whether the scheduler may run another attempt for this
// account.
func (r *Result) Retryable() bool {
	return r.Outcome == OutcomeFailed && r.Failure.Retryable()
}

// MachineConfig carries the page endpoints and timing knobs for one attempt.
type MachineConfig struct {
	LoginURL  string
	UnlockURL string
	HomeURL   string

	// CookieDomain is where a pre-seeded auth token cookie is scoped.
	CookieDomain string

	// ChallengeBudget is the per-stage wall-clock ceiling for a captcha
	// plugin to finish. Each challenge stage gets a fresh budget.
	ChallengeBudget time.Duration
	PollInterval    time.Duration

	// StartClickWindow bounds how long one Start click is given to produce
	// an observable page change before it is reissued.
	StartClickWindow time.Duration

	// TokenFallbackCountsAttempt makes a rejected token terminate the
	// attempt instead of silently falling back to credential login.
	TokenFallbackCountsAttempt bool
}

func (c *MachineConfig) applyDefaults() {
	if c.LoginURL == "" {
		c.LoginURL = "https://x.com/i/flow/login"
	}
	if c.UnlockURL == "" {
		c.UnlockURL = "https://x.com/account/access"
	}
	if c.HomeURL == "" {
		c.HomeURL = "https://x.com/home"
	}
	if c.CookieDomain == "" {
		c.CookieDomain = ".x.com"
	}
	if c.ChallengeBudget <= 0 {
		c.ChallengeBudget = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StartClickWindow <= 0 {
		c.StartClickWindow = 3 * time.Second
	}
}

const startClickAttempts = 3

// Machine drives one account through the unlock flow on one session. It is
// single-use: Run may be called once, later calls return the cached result.
type Machine struct {
	acct    *account.Record
	session browser.SessionHandle
	cfg     MachineConfig
	clock   Clock
	gate    *Gate
	log     *zap.Logger

	state           State
	identityAnswers int
	result          *Result
}

func NewMachine(acct *account.Record, session browser.SessionHandle, cfg MachineConfig, clock Clock, logger *zap.Logger) *Machine {
	cfg.applyDefaults()
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		acct:    acct,
		session: session,
		cfg:     cfg,
		clock:   clock,
		gate:    NewGate(cfg.PollInterval, clock),
		log:     logger.With(zap.String("account", acct.ID())),
		state:   StateInit,
	}
}

// State exposes the machine's current phase.
func (m *Machine) State() State { return m.state }

func (m *Machine) setState(next State) {
	if m.state == StateSuccess || m.state == StateFailed || m.state == StateRiskBlocked {
		return
	}
	m.log.Debug("State transition", zap.String("from", string(m.state)), zap.String("to", string(next)))
	m.state = next
}

// Run executes the full unlock flow and returns its result. A second call
// returns the first call's result unchanged.
func (m *Machine) Run(ctx context.Context) *Result {
	if m.result != nil {
		return m.result
	}
	started := m.clock.Now()
	cookies, ferr := m.runFlow(ctx)
	res := &Result{
		AccountID: m.acct.ID(),
		Duration:  m.clock.Now().Sub(started),
	}
	if ferr != nil {
		if ctx.Err() != nil && ferr.Kind != FailRiskBlocked {
			ferr = flowErr(FailCancelled, ctx.Err())
		}
		m.setState(StateFailed)
		res.Outcome = OutcomeFailed
		res.Failure = ferr.Kind
		res.Reason = ferr.Error()
		m.log.Warn("Unlock attempt failed",
			zap.String("kind", string(ferr.Kind)),
			zap.Error(ferr.Err))
	} else {
		res.Outcome = OutcomeSuccess
		res.Cookies = cookies
		m.log.Info("Account unlocked", zap.Int("cookies", len(cookies)))
	}
	res.State = m.state
	m.result = res
	return res
}

func (m *Machine) runFlow(ctx context.Context) (map[string]string, *FlowError) {
	m.setState(StateLoggingIn)

	authenticated := false
	if m.acct.Token != "" {
		ok, ferr := m.loginWithToken(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if ok {
			authenticated = true
		} else {
			m.log.Info("Token rejected by login surface")
			if m.cfg.TokenFallbackCountsAttempt {
				return nil, flowErrf(FailTokenRejected, "session token not accepted")
			}
			if m.acct.Password == "" {
				return nil, flowErrf(FailNoFallbackCredential, "token rejected and no password on record")
			}
		}
	}
	if !authenticated {
		if ferr := m.loginWithCredentials(ctx); ferr != nil {
			return nil, ferr
		}
	}

	if ferr := m.resolveUnlockPage(ctx); ferr != nil {
		return nil, ferr
	}
	if ferr := m.verifyUnlocked(ctx); ferr != nil {
		return nil, ferr
	}

	cookies := m.saveCookies(ctx)
	m.setState(StateSuccess)
	return cookies, nil
}

// loginWithToken seeds the auth token cookie and checks whether the home
// surface accepts it. A false return with nil error means the page still
// demands an interactive login.
func (m *Machine) loginWithToken(ctx context.Context) (bool, *FlowError) {
	if err := m.session.SetCookie(ctx, "auth_token", m.acct.Token, m.cfg.CookieDomain); err != nil {
		return false, flowErr(FailProvisioning, err)
	}
	if err := m.session.Navigate(ctx, m.cfg.HomeURL); err != nil {
		return false, flowErr(FailProvisioning, err)
	}
	sig, err := inspect(ctx, m.session)
	if err != nil {
		return false, flowErr(FailProvisioning, err)
	}
	switch sig {
	case SignalRiskBlocked:
		m.setState(StateRiskBlocked)
		return false, flowErrf(FailRiskBlocked, "automation block after token login")
	case SignalUnlocked, SignalChallengeOutstanding:
		// A pending challenge still means the token itself was accepted;
		// the unlock phase will deal with the challenge.
		return true, nil
	default:
		return false, nil
	}
}

func (m *Machine) loginWithCredentials(ctx context.Context) *FlowError {
	m.setState(StateLoggingIn)
	if err := m.session.Navigate(ctx, m.cfg.LoginURL); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if ferr := m.resolveInterstitials(ctx); ferr != nil {
		return ferr
	}
	if err := m.session.Type(ctx, selUsernameInput, m.acct.Username); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if err := m.session.Click(ctx, selNextButton); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if ferr := m.resolveInterstitials(ctx); ferr != nil {
		return ferr
	}

	m.setState(StateEnteringPassword)
	if err := m.session.Type(ctx, selPasswordInput, m.acct.Password); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if err := m.session.Click(ctx, selLoginButton); err != nil {
		return flowErr(FailProvisioning, err)
	}

	m.setState(StateVerifying2FA)
	if ferr := m.passTwoFactor(ctx); ferr != nil {
		return ferr
	}
	return m.resolveInterstitials(ctx)
}

// resolveInterstitials handles the pages the login flow can interpose before
// the next expected form: a hard block, or the unusual-activity identity
// prompt. A rejected identity answer is re-supplied once; a second rejection
// is terminal.
func (m *Machine) resolveInterstitials(ctx context.Context) *FlowError {
	for {
		sig, err := inspect(ctx, m.session)
		if err != nil {
			return flowErr(FailProvisioning, err)
		}
		switch sig {
		case SignalRiskBlocked:
			m.setState(StateRiskBlocked)
			return flowErrf(FailRiskBlocked, "automation block during login")
		case SignalIdentityCheck:
			if m.identityAnswers >= 2 {
				return flowErrf(FailIdentityVerification, "identity prompt rejected after retry")
			}
			m.identityAnswers++
			if ferr := m.answerIdentityCheck(ctx); ferr != nil {
				return ferr
			}
		default:
			return nil
		}
	}
}

func (m *Machine) answerIdentityCheck(ctx context.Context) *FlowError {
	prev := m.state
	m.setState(StateUnusualActivity)
	m.log.Info("Answering unusual activity prompt")
	if err := m.session.Type(ctx, selIdentityInput, m.acct.VerificationValue()); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if err := m.session.Click(ctx, selIdentitySubmit); err != nil {
		return flowErr(FailProvisioning, err)
	}
	m.setState(prev)
	return nil
}

// passTwoFactor answers the 2FA prompt when the page raises one. A missing
// prompt is a pass-through; a prompt without a seed on record is terminal.
func (m *Machine) passTwoFactor(ctx context.Context) *FlowError {
	present, err := m.session.FindMarker(ctx, selTwoFAInput)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	if !present {
		return nil
	}
	if m.acct.TOTPSeed == "" {
		return flowErrf(FailTwoFactorRequired, "page requested 2fa code but record has no seed")
	}
	code, err := GenerateTOTP(m.acct.TOTPSeed, m.clock.Now())
	if err != nil {
		return flowErrf(FailTwoFactorRequired, "invalid totp seed: %v", err)
	}
	if err := m.session.Type(ctx, selTwoFAInput, code); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if err := m.session.Click(ctx, selTwoFANext); err != nil {
		return flowErr(FailProvisioning, err)
	}
	return nil
}

// resolveUnlockPage navigates to the unlock surface, presses Start until the
// page reacts, and sits out both challenge stages.
func (m *Machine) resolveUnlockPage(ctx context.Context) *FlowError {
	if err := m.session.Navigate(ctx, m.cfg.UnlockURL); err != nil {
		return flowErr(FailProvisioning, err)
	}
	if ferr := m.clickStart(ctx); ferr != nil {
		return ferr
	}
	if ferr := m.waitChallenge(ctx, StateWaitingCloudflare, selCloudflare, "cloudflare"); ferr != nil {
		return ferr
	}
	return m.waitChallenge(ctx, StateWaitingFunCaptcha, selFunCaptcha, "funcaptcha")
}

// clickStart presses the unlock Start control and watches for a reaction:
// a URL change, a challenge container appearing, or the control itself
// disappearing. Absent a reaction the click is reissued, bounded.
func (m *Machine) clickStart(ctx context.Context) *FlowError {
	present, err := m.session.FindMarker(ctx, selStartButton)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	if !present {
		return nil
	}
	before, err := m.session.CurrentURL(ctx)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	for attempt := 1; attempt <= startClickAttempts; attempt++ {
		m.log.Debug("Pressing unlock start", zap.Int("attempt", attempt))
		if err := m.session.Click(ctx, selStartButton); err != nil {
			return flowErr(FailProvisioning, err)
		}
		reacted, ferr := m.awaitStartReaction(ctx, before)
		if ferr != nil {
			return ferr
		}
		if reacted {
			return nil
		}
	}
	return flowErrf(FailUnlockStartUnresponsive, "no page reaction after %d start presses", startClickAttempts)
}

func (m *Machine) awaitStartReaction(ctx context.Context, beforeURL string) (bool, *FlowError) {
	deadline := m.clock.Now().Add(m.cfg.StartClickWindow)
	for {
		url, err := m.session.CurrentURL(ctx)
		if err != nil {
			return false, flowErr(FailProvisioning, err)
		}
		if url != beforeURL {
			return true, nil
		}
		for _, sel := range []string{selCloudflare, selFunCaptcha} {
			present, err := m.session.FindMarker(ctx, sel)
			if err != nil {
				return false, flowErr(FailProvisioning, err)
			}
			if present {
				return true, nil
			}
		}
		present, err := m.session.FindMarker(ctx, selStartButton)
		if err != nil {
			return false, flowErr(FailProvisioning, err)
		}
		if !present {
			return true, nil
		}
		if !m.clock.Now().Before(deadline) {
			return false, nil
		}
		if err := m.clock.Sleep(ctx, m.cfg.PollInterval); err != nil {
			return false, flowErr(FailCancelled, err)
		}
	}
}

func (m *Machine) waitChallenge(ctx context.Context, state State, sel, stage string) *FlowError {
	present, err := m.session.FindMarker(ctx, sel)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	if !present {
		return nil
	}
	m.setState(state)
	m.log.Info("Waiting for challenge to resolve",
		zap.String("stage", stage),
		zap.Duration("budget", m.cfg.ChallengeBudget))
	probe := func(ctx context.Context) (bool, error) {
		return m.session.FindMarker(ctx, sel)
	}
	outcome, err := m.gate.Wait(ctx, probe, m.cfg.ChallengeBudget)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return flowErr(FailCancelled, err)
		}
		return flowErr(FailProvisioning, err)
	}
	if outcome == GateTimedOut {
		return flowErrf(FailCaptchaTimeout, "%s challenge still present after %s", stage, m.cfg.ChallengeBudget)
	}
	return nil
}

// verifyUnlocked presses a residual Continue control if one remains and then
// confirms the account actually reached the unlocked surface.
func (m *Machine) verifyUnlocked(ctx context.Context) *FlowError {
	m.setState(StateVerifying)
	present, err := m.session.FindMarker(ctx, selContinueButton)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	if present {
		if err := m.session.Click(ctx, selContinueButton); err != nil {
			return flowErr(FailProvisioning, err)
		}
	}
	sig, err := inspect(ctx, m.session)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	if sig == SignalUnlocked {
		return nil
	}
	if sig == SignalRiskBlocked {
		m.setState(StateRiskBlocked)
		return flowErrf(FailRiskBlocked, "automation block after challenge")
	}
	// The unlock surface does not always redirect on its own; the home
	// surface is the authoritative check.
	if err := m.session.Navigate(ctx, m.cfg.HomeURL); err != nil {
		return flowErr(FailProvisioning, err)
	}
	sig, err = inspect(ctx, m.session)
	if err != nil {
		return flowErr(FailProvisioning, err)
	}
	switch sig {
	case SignalUnlocked:
		return nil
	case SignalRiskBlocked:
		m.setState(StateRiskBlocked)
		return flowErrf(FailRiskBlocked, "automation block after challenge")
	default:
		return flowErrf(FailUnlockNotConfirmed, "no unlocked marker after challenge, signal %s", sig)
	}
}

// saveCookies reads the session cookie jar. A read failure is logged and
// yields an empty jar; it never demotes a success.
func (m *Machine) saveCookies(ctx context.Context) map[string]string {
	m.setState(StateSaving)
	cookies, err := m.session.ReadCookies(ctx)
	if err != nil {
		m.log.Warn("Cookie read failed after unlock", zap.Error(err))
		return map[string]string{}
	}
	return cookies
}
