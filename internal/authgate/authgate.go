// Package authgate validates a Proxy-Authorization: Basic header against a
// credential set loaded once at startup (spec.md §4.3).
package authgate

import (
	"bufio"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Outcome is the result of Check.
type Outcome int

const (
	// Authorized means the header was present and valid.
	Authorized Outcome = iota
	// Challenge means the header was entirely absent on an active Gate —
	// the handler responds 407 with a Proxy-Authenticate challenge.
	Challenge
	// AuthFailed means a header was present but invalid (bad scheme,
	// undecodable payload, or unknown/incorrect credential).
	AuthFailed
)

// Credential is a (username, password) pair.
type Credential struct {
	Username string
	Password string
}

// Gate holds an immutable credential set for the process lifetime (reload
// is out of scope per spec.md §4.3).
type Gate struct {
	creds map[string]string // username -> password
}

// New builds a Gate from creds. A Gate with no credentials is inactive:
// Check always returns Authorized, since the handler only consults the
// AuthGate at all when a credential set is configured (spec.md §4.6 state
// 2: "If auth is configured, consult AuthGate").
func New(creds []Credential) *Gate {
	g := &Gate{creds: make(map[string]string, len(creds))}
	for _, c := range creds {
		g.creds[c.Username] = c.Password
	}
	return g
}

// Active reports whether any credentials are configured.
func (g *Gate) Active() bool {
	return len(g.creds) > 0
}

// Check validates the Proxy-Authorization header value (without the header
// name), e.g. "Basic dXNlcjpwYXNz". An empty value yields Challenge.
func (g *Gate) Check(headerValue string) Outcome {
	if !g.Active() {
		return Authorized
	}
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return Challenge
	}

	scheme, payload, ok := strings.Cut(headerValue, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return AuthFailed
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return AuthFailed
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return AuthFailed
	}

	want, exists := g.creds[user]
	if !exists {
		return AuthFailed
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return AuthFailed
	}
	return Authorized
}

// Load parses a credential file: one "user:password" per line (the
// password may itself contain ':', so the split is on the first occurrence
// only), blank lines and '#'-prefixed lines ignored.
func Load(r io.Reader) ([]Credential, error) {
	var creds []Credential
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("authgate: line %d: expected \"user:password\"", lineNo)
		}
		creds = append(creds, Credential{Username: user, Password: pass})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}
