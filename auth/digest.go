// Package auth implements RFC 2617/7616 digest authentication on the
// side that challenges and verifies requests, the mirror image of the
// teacher's client-side digestAuthApply/digestProxyAuthApply flow
// (which only ever builds an Authorization header in response to a
// challenge, never checks one).
package auth

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

// CredentialStore resolves a username+realm to its digest HA1
// (MD5(username:realm:password)), so a DigestAuthenticator never needs
// the plaintext password itself.
type CredentialStore interface {
	HA1(username, realm string) (ha1 string, ok bool)
}

// StaticStore is a CredentialStore over a fixed username->password map,
// for demos and tests. HA1 is computed on construction so Check never
// touches a plaintext password at request time.
type StaticStore struct {
	ha1 map[string]string
}

// NewStaticStore builds a StaticStore from plaintext username/password
// pairs, hashed against realm once up front.
func NewStaticStore(realm string, credentials map[string]string) *StaticStore {
	s := &StaticStore{ha1: make(map[string]string, len(credentials))}
	for user, pass := range credentials {
		s.ha1[user] = ha1Hex(user, realm, pass)
	}
	return s
}

func (s *StaticStore) HA1(username, _ string) (string, bool) {
	h, ok := s.ha1[username]
	return h, ok
}

// DigestAuthenticator challenges and verifies requests against a
// CredentialStore, implementing ports.Authenticator. One instance
// guards one realm; an embedding program wanting WWW- and
// Proxy-Authenticate on different realms builds two.
type DigestAuthenticator struct {
	Realm string
	Store CredentialStore
	Clock ports.Clock
	Proxy bool // challenge with 407/Proxy-Authenticate instead of 401/WWW-Authenticate

	// NonceTTL bounds how long an issued nonce is accepted before the
	// authenticator treats the credential as stale and re-challenges.
	NonceTTL time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time
}

const defaultNonceTTL = 2 * time.Minute

func (a *DigestAuthenticator) headerNames() (challenge, credential string, status int) {
	if a.Proxy {
		return "Proxy-Authenticate", "Proxy-Authorization", sip.StatusProxyAuthRequired
	}
	return "WWW-Authenticate", "Authorization", sip.StatusUnauthorized
}

// Check implements ports.Authenticator.
func (a *DigestAuthenticator) Check(_ context.Context, req *sip.Request) (*ports.Challenge, error) {
	_, credHeader, status := a.headerNames()
	h := req.GetHeader(credHeader)
	if h == nil {
		return a.challenge(status, false), nil
	}

	cred, err := parseDigestParams(h.Value())
	if err != nil {
		return a.challenge(status, false), nil
	}

	nonce := cred.GetOr("nonce", "")
	if !a.consumeNonce(nonce) {
		return a.challenge(status, true), nil
	}

	username, _ := cred.Get("username")
	ha1, ok := a.Store.HA1(username, a.Realm)
	if !ok {
		return a.challenge(status, false), nil
	}

	if !a.verify(req, ha1, cred) {
		return a.challenge(status, false), nil
	}
	return nil, nil
}

func (a *DigestAuthenticator) verify(req *sip.Request, ha1 string, cred sip.HeaderParams) bool {
	uri, _ := cred.Get("digest-uri")
	if uri == "" {
		uri, _ = cred.Get("uri")
	}
	qop, _ := cred.Get("qop")
	nc, _ := cred.Get("nc")
	cnonce, _ := cred.Get("cnonce")
	nonce, _ := cred.Get("nonce")
	response, _ := cred.Get("response")

	ha2 := md5Hex(fmt.Sprintf("%s:%s", string(req.Method), uri))

	var expected string
	if qop == "auth" || qop == "auth-int" {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
	} else {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// challenge issues a fresh nonce and builds the Challenge the caller
// sends back as a 401/407. stale marks a previously-issued-but-expired
// nonce, per RFC 2617 §3.2.1's stale=TRUE so a client can retry with the
// same credentials against the new nonce instead of re-prompting a user
// for a password.
func (a *DigestAuthenticator) challenge(status int, stale bool) *ports.Challenge {
	nonce := a.issueNonce()
	params := map[string]string{
		"realm":     a.Realm,
		"nonce":     nonce,
		"opaque":    sip.GenerateTagN(16),
		"algorithm": "MD5",
		"qop":       "auth",
	}
	if stale {
		params["stale"] = "TRUE"
	}
	return &ports.Challenge{StatusCode: status, Params: params}
}

func (a *DigestAuthenticator) issueNonce() string {
	nonce := sip.GenerateTagN(24)
	a.mu.Lock()
	if a.nonces == nil {
		a.nonces = make(map[string]time.Time)
	}
	a.nonces[nonce] = a.now().Add(a.ttl())
	a.mu.Unlock()
	return nonce
}

// consumeNonce reports whether nonce was issued by this authenticator
// and hasn't expired. A nonce is single-use: once consumed (whether the
// credential built from it checks out or not) it is removed, so a
// captured Authorization header can't be replayed against a later
// request.
func (a *DigestAuthenticator) consumeNonce(nonce string) bool {
	if nonce == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.nonces[nonce]
	delete(a.nonces, nonce)
	return ok && a.now().Before(expiry)
}

func (a *DigestAuthenticator) now() time.Time {
	if a.Clock != nil {
		return a.Clock.Now()
	}
	return time.Now()
}

func (a *DigestAuthenticator) ttl() time.Duration {
	if a.NonceTTL > 0 {
		return a.NonceTTL
	}
	return defaultNonceTTL
}

// parseDigestParams splits a `Digest k1="v1", k2=v2, ...` credential or
// challenge value into its parameters, reusing the package's own
// quoted-string-aware param grammar rather than hand-rolling a second
// comma-splitter for what is the same grammar the rest of this module
// already parses Via/Contact parameters with.
func parseDigestParams(value string) (sip.HeaderParams, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "Digest")
	value = strings.TrimSpace(value)

	params := sip.NewParams()
	if _, err := sip.UnmarshalParams(value, ',', 0, params); err != nil {
		return nil, err
	}
	for i, kv := range params {
		params[i] = sip.HeaderKV{K: strings.TrimSpace(kv.K), V: unquote(kv.V)}
	}
	return params, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func ha1Hex(username, realm, password string) string {
	return md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BuildChallengeHeader renders a Challenge's params into the literal
// WWW-Authenticate/Proxy-Authenticate header value. Router/CallProc call
// this once an Authenticator.Check has returned a non-nil Challenge,
// rather than an Authenticator building sip.Header values itself (it
// only ever returns plain data, per ports.Authenticator's contract).
func BuildChallengeHeader(c *ports.Challenge) string {
	var b strings.Builder
	b.WriteString("Digest ")
	first := true
	for _, k := range []string{"realm", "qop", "nonce", "opaque", "stale", "algorithm"} {
		v, ok := c.Params[k]
		if !ok {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		if k == "stale" || k == "algorithm" {
			fmt.Fprintf(&b, "%s=%s", k, v)
		} else {
			fmt.Fprintf(&b, "%s=%q", k, v)
		}
	}
	return b.String()
}
