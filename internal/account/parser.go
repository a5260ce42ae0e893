// File: internal/account/parser.go
package account

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseError describes a single unparseable input line. One bad line never
// aborts the batch; the loader records the error and moves on.
type ParseError struct {
	Line   int
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s (%q)", e.Line, e.Reason, e.Raw)
	}
	return fmt.Sprintf("%s (%q)", e.Reason, e.Raw)
}

// schema names the recognized positional layouts, keyed by account field
// count. Any fields past the schema's count belong to a trailing proxy
// descriptor.
type schema func(parts []string, rec *Record)

// schemas is the dispatch table from field count to layout. 4-field lines
// need the additional isEmailField disambiguation applied inside their
// schema function.
var schemas = map[int]schema{
	1: func(p []string, r *Record) {
		r.Token = p[0]
	},
	2: func(p []string, r *Record) {
		r.Username, r.Password = p[0], p[1]
	},
	3: func(p []string, r *Record) {
		r.Username, r.Password, r.TOTPSeed = p[0], p[1], p[2]
	},
	4: func(p []string, r *Record) {
		r.Username, r.Password = p[0], p[1]
		switch {
		case isEmailField(p[2]):
			r.Email, r.TOTPSeed = p[2], p[3]
		case isEmailField(p[3]):
			r.TOTPSeed, r.Email = p[2], p[3]
		default:
			r.TOTPSeed, r.Token = p[2], p[3]
		}
	},
	8: func(p []string, r *Record) {
		r.Username, r.Password, r.TOTPSeed, r.Token = p[0], p[1], p[2], p[3]
		r.Email, r.EmailPassword, r.EmailClientID, r.EmailRefreshToken = p[4], p[5], p[6], p[7]
	},
}

// isEmailField is the single documented disambiguation predicate for 4-field
// lines: a value containing '@' is an email, not a 2FA seed.
func isEmailField(s string) bool { return strings.Contains(s, "@") }

// isBareToken reports whether a single colon-free field is a session token:
// 32 to 64 hexadecimal characters.
func isBareToken(s string) bool {
	if len(s) < 32 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseLine parses one non-empty account line into a Record.
//
// The field count selects the schema: 1 bare token, 2 user:pass,
// 3 user:pass:2fa, 4 user:pass plus email/2fa/token (see the dispatch
// table), 8 the full mailbox format. A trailing proxy descriptor
// (host:port[:user[:pass]]) may follow any multi-field schema; it is
// recognized by its port field and handed to the proxy parser.
func ParseLine(line string, lineNo int) (*Record, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, &ParseError{Line: lineNo, Raw: line, Reason: "empty line"}
	}

	parts := strings.Split(line, ":")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	rec := &Record{}

	if len(parts) == 1 {
		if !isBareToken(parts[0]) {
			return nil, &ParseError{Line: lineNo, Raw: line, Reason: "single field is not a 32-64 character hex token"}
		}
		schemas[1](parts, rec)
		return rec, nil
	}

	base, proxyFields, err := splitProxyTail(parts)
	if err != nil {
		return nil, &ParseError{Line: lineNo, Raw: line, Reason: err.Error()}
	}

	apply := schemas[len(base)]
	apply(base, rec)

	if rec.Username == "" {
		return nil, &ParseError{Line: lineNo, Raw: line, Reason: "missing username"}
	}
	if !rec.HasCredentials() {
		return nil, &ParseError{Line: lineNo, Raw: line, Reason: "neither password nor token present"}
	}

	if len(proxyFields) > 0 {
		spec, perr := parseProxyFields(proxyFields)
		if perr != nil {
			return nil, &ParseError{Line: lineNo, Raw: line, Reason: perr.Error()}
		}
		rec.Proxy = spec
	}
	return rec, nil
}

// splitProxyTail finds the boundary between the account schema and an
// appended proxy descriptor. Largest recognized schema first; a candidate is
// accepted when the remainder has a proxy-sized field count whose second
// field is a valid port. An exact schema match (no tail) always wins.
func splitProxyTail(parts []string) (base, proxyTail []string, err error) {
	n := len(parts)
	if _, ok := schemas[n]; ok {
		return parts, nil, nil
	}
	for _, b := range []int{8, 4, 3, 2} {
		tail := n - b
		if tail < 2 || tail > 4 {
			continue
		}
		if looksLikePort(parts[b+1]) {
			return parts[:b], parts[b:], nil
		}
	}
	return nil, nil, fmt.Errorf("unrecognized field count %d", n)
}

func looksLikePort(s string) bool {
	if s == "" {
		return false
	}
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		v = v*10 + int(c-'0')
		if v > 65535 {
			return false
		}
	}
	return v >= 1
}

// LoadResult holds the outcome of parsing one input file: the schedulable
// records plus the lines that failed, recorded but not fatal.
type LoadResult struct {
	Records []*Record
	Errors  []*ParseError
}

// LoadFile parses a line-oriented account file. Blank lines and '#' comments
// are skipped. Parse failures are collected per line; the batch continues.
func LoadFile(path string) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open account file: %w", err)
	}
	defer f.Close()

	res := &LoadResult{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, perr := ParseLine(line, lineNo)
		if perr != nil {
			res.Errors = append(res.Errors, perr.(*ParseError))
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read account file: %w", err)
	}
	return res, nil
}
