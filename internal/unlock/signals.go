// File: internal/unlock/signals.go
package unlock

import (
	"context"
	"strings"

	"github.com/xkilldash9x/unlock-cli/internal/browser"
)

// PageSignal is the closed classification of what the current page is
// asking for. The state machine branches only on this set.
type PageSignal string

const (
	SignalNormal               PageSignal = "normal"
	SignalRiskBlocked          PageSignal = "risk_blocked"
	SignalIdentityCheck        PageSignal = "identity_check"
	SignalChallengeOutstanding PageSignal = "challenge_outstanding"
	SignalUnlocked             PageSignal = "unlocked"
)

// Page element selectors. Challenge containers are iframes injected by the
// respective vendors; their absence is the resolution condition.
const (
	selUsernameInput  = `input[autocomplete="username"]`
	selNextButton     = `button[data-testid="LoginForm_Forward_Button"]`
	selPasswordInput  = `input[name="password"]`
	selLoginButton    = `button[data-testid="LoginForm_Login_Button"]`
	selTwoFAInput     = `input[data-testid="ocfEnterTextTextInput"]`
	selTwoFANext      = `button[data-testid="ocfEnterTextNextButton"]`
	selIdentityInput  = `input[name="challenge_response"]`
	selIdentitySubmit = `button[data-testid="ChallengeForm_Submit_Button"]`
	selRiskBlocked    = `div[data-testid="error-detail"]`
	selStartButton    = `input[type="submit"].Button--primary`
	selContinueButton = `button[data-testid="ocfVerifySuccessNextButton"]`
	selCloudflare     = `iframe[src*="challenges.cloudflare.com"]`
	selFunCaptcha     = `iframe[src*="arkoselabs.com"], iframe[id^="arkoseFrame"]`
	selUnlockedMarker = `div[data-testid="primaryColumn"]`
)

// inspect classifies the current page. Precedence matters: a hard block
// outranks an identity prompt, which outranks an outstanding challenge.
func inspect(ctx context.Context, s browser.SessionHandle) (PageSignal, error) {
	if blocked, err := s.FindMarker(ctx, selRiskBlocked); err != nil {
		return SignalNormal, err
	} else if blocked {
		return SignalRiskBlocked, nil
	}
	if url, err := s.CurrentURL(ctx); err != nil {
		return SignalNormal, err
	} else if strings.Contains(url, "/account/suspended") {
		return SignalRiskBlocked, nil
	}
	if identity, err := s.FindMarker(ctx, selIdentityInput); err != nil {
		return SignalNormal, err
	} else if identity {
		return SignalIdentityCheck, nil
	}
	for _, sel := range []string{selCloudflare, selFunCaptcha} {
		present, err := s.FindMarker(ctx, sel)
		if err != nil {
			return SignalNormal, err
		}
		if present {
			return SignalChallengeOutstanding, nil
		}
	}
	if home, err := s.FindMarker(ctx, selUnlockedMarker); err != nil {
		return SignalNormal, err
	} else if home {
		return SignalUnlocked, nil
	}
	return SignalNormal, nil
}
