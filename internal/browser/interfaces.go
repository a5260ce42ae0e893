// File: internal/browser/interfaces.go
package browser

import "context"

// SessionHandle is the capability surface the unlock flow drives. The core
// never assumes a specific transport behind it; tests substitute a fake.
type SessionHandle interface {
	// ID returns the session identifier assigned at open time.
	ID() string
	// Navigate loads the given URL and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// CurrentURL returns the page's current location.
	CurrentURL(ctx context.Context) (string, error)
	// FindMarker reports whether at least one element matches the selector.
	FindMarker(ctx context.Context, selector string) (bool, error)
	// Click clicks the first element matching the selector.
	Click(ctx context.Context, selector string) error
	// Type focuses the first match and types the text into it.
	Type(ctx context.Context, selector, text string) error
	// SetCookie installs a cookie on the session, used for token-first login.
	SetCookie(ctx context.Context, name, value, domain string) error
	// ReadCookies returns the session's cookies as a name to value mapping.
	ReadCookies(ctx context.Context) (map[string]string, error)
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears down the session and releases the remote profile.
	Close(ctx context.Context) error
}

// Factory acquires a fresh SessionHandle for one task attempt. A failed
// attempt's browser state is never trusted for reuse, so the scheduler asks
// for a new session per attempt.
type Factory interface {
	Open(ctx context.Context, opts OpenOptions) (SessionHandle, error)
}

// OpenOptions carries the per-session provisioning parameters.
type OpenOptions struct {
	// ProfileName labels the remote profile, typically unlock_<account id>.
	ProfileName string
	// Proxy is the upstream SOCKS5 tunnel, or nil for a direct connection.
	Proxy *ProxyParams
}

// ProxyParams mirrors account.ProxySpec at this package's boundary so that
// browser does not import the account model.
type ProxyParams struct {
	Host     string
	Port     int
	Username string
	Password string
}
