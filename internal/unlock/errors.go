// File: internal/unlock/errors.go
package unlock

import "fmt"

// FailureKind classifies a terminal task failure. The scheduler's retry
// policy keys off this classification.
type FailureKind string

const (
	// FailRiskBlocked is a hard anti-automation rejection. Never retried.
	FailRiskBlocked FailureKind = "risk_blocked"
	// FailNoFallbackCredential means a token login was rejected and the
	// record carries no password to fall back to.
	FailNoFallbackCredential FailureKind = "no_fallback_credential"
	// FailTokenRejected is emitted instead of a silent credential fallback
	// when the operator configured token fallbacks to consume an attempt.
	FailTokenRejected FailureKind = "token_rejected"
	// FailIdentityVerification means the unusual-activity step rejected the
	// supplied value twice.
	FailIdentityVerification FailureKind = "identity_verification_failed"
	// FailTwoFactorRequired means the page demanded a 2FA code but the
	// record has no TOTP seed.
	FailTwoFactorRequired FailureKind = "two_factor_required"
	// FailCaptchaTimeout means a challenge wait exceeded its deadline.
	FailCaptchaTimeout FailureKind = "captcha_timeout"
	// FailUnlockStartUnresponsive means the unlock Start control produced no
	// observable page change after the bounded re-click attempts.
	FailUnlockStartUnresponsive FailureKind = "unlock_start_unresponsive"
	// FailUnlockNotConfirmed means the final verification found no unlock
	// confirmation marker.
	FailUnlockNotConfirmed FailureKind = "unlock_not_confirmed"
	// FailProvisioning means the browser session could not be opened or the
	// remote page interaction broke down at the transport level.
	FailProvisioning FailureKind = "provisioning"
	// FailPersistence means the cookie write failed. Reported, but it never
	// overturns a Success outcome.
	FailPersistence FailureKind = "persistence"
	// FailCancelled means the global stop signal interrupted the task.
	FailCancelled FailureKind = "cancelled"
)

// Retryable reports whether a fresh session attempt may behave differently.
// RiskBlocked and Cancelled bypass retry entirely; identity verification has
// its single in-flight retry inside the state machine, so by the time it
// propagates it is terminal.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailProvisioning, FailCaptchaTimeout, FailUnlockNotConfirmed,
		FailUnlockStartUnresponsive, FailTokenRejected:
		return true
	default:
		return false
	}
}

// FlowError carries a failure kind through the state machine.
type FlowError struct {
	Kind FailureKind
	Err  error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *FlowError) Unwrap() error { return e.Err }

func flowErr(kind FailureKind, err error) *FlowError {
	return &FlowError{Kind: kind, Err: err}
}

func flowErrf(kind FailureKind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
