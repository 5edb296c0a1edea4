package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

func testRequest(t testing.TB, method sip.RequestMethod, uri string) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	require.NoError(t, sip.ParseUri(uri, &recipient))
	return sip.NewRequest(method, recipient)
}

func withAuthorization(req *sip.Request, headerName, value string) *sip.Request {
	req.RemoveHeader(headerName)
	req.AppendHeader(sip.NewHeader(headerName, value))
	return req
}

func buildCredentialHeader(username, realm, password, method, uri, nonce, qop, nc, cnonce string) string {
	ha1 := ha1Hex(username, realm, password)
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	var response string
	if qop != "" {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	value := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response,
	)
	if qop != "" {
		value += fmt.Sprintf(`, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	return value
}

func TestDigestAuthenticatorChallengesMissingCredential(t *testing.T) {
	a := &DigestAuthenticator{
		Realm: "example.com",
		Store: NewStaticStore("example.com", map[string]string{"alice": "secret"}),
	}
	req := testRequest(t, sip.REGISTER, "sip:example.com")

	chal, err := a.Check(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, chal)
	require.Equal(t, sip.StatusUnauthorized, chal.StatusCode)
	require.Equal(t, "example.com", chal.Params["realm"])
	require.NotEmpty(t, chal.Params["nonce"])
}

func TestDigestAuthenticatorAcceptsValidCredential(t *testing.T) {
	a := &DigestAuthenticator{
		Realm: "example.com",
		Store: NewStaticStore("example.com", map[string]string{"alice": "secret"}),
	}
	req := testRequest(t, sip.REGISTER, "sip:example.com")

	chal, err := a.Check(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, chal)
	nonce := chal.Params["nonce"]

	authz := buildCredentialHeader("alice", "example.com", "secret", "REGISTER", "sip:example.com", nonce, "auth", "00000001", "cnonce123")
	req2 := withAuthorization(testRequest(t, sip.REGISTER, "sip:example.com"), "Authorization", authz)

	chal2, err := a.Check(context.Background(), req2)
	require.NoError(t, err)
	require.Nil(t, chal2, "valid credential must authenticate")
}

func TestDigestAuthenticatorRejectsWrongPassword(t *testing.T) {
	a := &DigestAuthenticator{
		Realm: "example.com",
		Store: NewStaticStore("example.com", map[string]string{"alice": "secret"}),
	}
	req := testRequest(t, sip.REGISTER, "sip:example.com")
	chal, err := a.Check(context.Background(), req)
	require.NoError(t, err)
	nonce := chal.Params["nonce"]

	authz := buildCredentialHeader("alice", "example.com", "wrong-password", "REGISTER", "sip:example.com", nonce, "auth", "00000001", "cnonce123")
	req2 := withAuthorization(testRequest(t, sip.REGISTER, "sip:example.com"), "Authorization", authz)

	chal2, err := a.Check(context.Background(), req2)
	require.NoError(t, err)
	require.NotNil(t, chal2, "wrong password must be rejected")
}

func TestDigestAuthenticatorNonceIsSingleUse(t *testing.T) {
	a := &DigestAuthenticator{
		Realm: "example.com",
		Store: NewStaticStore("example.com", map[string]string{"alice": "secret"}),
	}
	chal, err := a.Check(context.Background(), testRequest(t, sip.REGISTER, "sip:example.com"))
	require.NoError(t, err)
	nonce := chal.Params["nonce"]

	authz := buildCredentialHeader("alice", "example.com", "secret", "REGISTER", "sip:example.com", nonce, "auth", "00000001", "cnonce123")

	req1 := withAuthorization(testRequest(t, sip.REGISTER, "sip:example.com"), "Authorization", authz)
	chal1, err := a.Check(context.Background(), req1)
	require.NoError(t, err)
	require.Nil(t, chal1)

	req2 := withAuthorization(testRequest(t, sip.REGISTER, "sip:example.com"), "Authorization", authz)
	chal2, err := a.Check(context.Background(), req2)
	require.NoError(t, err)
	require.NotNil(t, chal2, "a consumed nonce must not authenticate a second request")
}

func TestDigestAuthenticatorExpiredNonceIsStale(t *testing.T) {
	clock := ports.NewFakeClock(time.Unix(0, 0))
	a := &DigestAuthenticator{
		Realm:    "example.com",
		Store:    NewStaticStore("example.com", map[string]string{"alice": "secret"}),
		Clock:    clock,
		NonceTTL: time.Second,
	}
	chal, err := a.Check(context.Background(), testRequest(t, sip.REGISTER, "sip:example.com"))
	require.NoError(t, err)
	nonce := chal.Params["nonce"]

	clock.Advance(2 * time.Second)

	authz := buildCredentialHeader("alice", "example.com", "secret", "REGISTER", "sip:example.com", nonce, "auth", "00000001", "cnonce123")
	req := withAuthorization(testRequest(t, sip.REGISTER, "sip:example.com"), "Authorization", authz)

	chal2, err := a.Check(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, chal2)
	require.Equal(t, "TRUE", chal2.Params["stale"])
}

func TestBuildChallengeHeaderRendersDigestParams(t *testing.T) {
	chal := &ports.Challenge{
		StatusCode: sip.StatusUnauthorized,
		Params: map[string]string{
			"realm":     "example.com",
			"nonce":     "abc123",
			"qop":       "auth",
			"algorithm": "MD5",
		},
	}
	header := BuildChallengeHeader(chal)
	require.Contains(t, header, `realm="example.com"`)
	require.Contains(t, header, `nonce="abc123"`)
	require.Contains(t, header, "algorithm=MD5")
}
