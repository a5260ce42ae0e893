// File: internal/account/account.go
package account

import "strings"

// Record is the identity + credentials for one unlock attempt. It is built
// once by the parser and read-only afterwards; a task references it, never
// copies or mutates it.
type Record struct {
	Username string
	Password string
	// TOTPSeed is the base32 seed used to generate 2FA codes.
	TOTPSeed string
	// Token is a pre-existing session token enabling token-first login.
	Token string

	// Mailbox-assisted recovery path. Parsed and persisted; the unusual
	// activity step only consumes Email as the verification value.
	Email             string
	EmailPassword     string
	EmailClientID     string
	EmailRefreshToken string

	Proxy *ProxySpec
}

// ID returns a stable identifier safe for directory and file names.
func (r *Record) ID() string {
	if r.Username != "" {
		return strings.ReplaceAll(r.Username, "@", "_at_")
	}
	// Token-only records have no username; use a token prefix.
	if len(r.Token) > 12 {
		return "token_" + r.Token[:12]
	}
	return "token_" + r.Token
}

// HasCredentials reports whether the record can be scheduled at all: at
// least one of token or password must be present.
func (r *Record) HasCredentials() bool {
	return r.Token != "" || r.Password != ""
}

// VerificationValue is what gets supplied to an unusual-activity identity
// check: the mailbox address when known, else the username.
func (r *Record) VerificationValue() string {
	if r.Email != "" {
		return r.Email
	}
	return r.Username
}
