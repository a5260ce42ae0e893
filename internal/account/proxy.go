// File: internal/account/proxy.go
package account

import (
	"fmt"
	"strconv"
	"strings"
)

// ProxySpec is a SOCKS5 upstream tunnel for one account's browser profile.
type ProxySpec struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ProxyParseError describes a malformed proxy descriptor.
type ProxyParseError struct {
	Raw    string
	Reason string
}

func (e *ProxyParseError) Error() string {
	return fmt.Sprintf("invalid proxy %q: %s", e.Raw, e.Reason)
}

// URL returns the socks5://host:port form without credentials.
func (p *ProxySpec) URL() string {
	return fmt.Sprintf("socks5://%s:%d", p.Host, p.Port)
}

// String returns a redacted representation safe for logs.
func (p *ProxySpec) String() string {
	if p.Username != "" {
		return fmt.Sprintf("socks5://%s:***@%s:%d", p.Username, p.Host, p.Port)
	}
	return p.URL()
}

// ParseProxy parses host:port[:username[:password]] into a ProxySpec.
func ParseProxy(raw string) (*ProxySpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ProxyParseError{Raw: raw, Reason: "empty descriptor"}
	}

	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, &ProxyParseError{Raw: raw, Reason: fmt.Sprintf("expected host:port[:user[:pass]], got %d fields", len(parts))}
	}
	return parseProxyFields(parts)
}

// parseProxyFields builds a ProxySpec from already-split fields. The account
// parser calls this with the trailing fields of an input line.
func parseProxyFields(parts []string) (*ProxySpec, error) {
	raw := strings.Join(parts, ":")

	host := strings.TrimSpace(parts[0])
	if host == "" {
		return nil, &ProxyParseError{Raw: raw, Reason: "missing host"}
	}

	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return nil, &ProxyParseError{Raw: raw, Reason: fmt.Sprintf("invalid port %q", parts[1])}
	}

	spec := &ProxySpec{Host: host, Port: port}
	if len(parts) >= 3 {
		spec.Username = strings.TrimSpace(parts[2])
	}
	if len(parts) == 4 {
		spec.Password = strings.TrimSpace(parts[3])
	}
	return spec, nil
}
