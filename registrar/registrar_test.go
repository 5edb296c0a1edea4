package registrar

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

func parseRegister(t testing.TB, lines ...string) *sip.Request {
	t.Helper()
	lines = append(lines, "", "")
	raw := bytes.Join(toBytes(lines), []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func toBytes(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}

func newRegistrar() (*Registrar, ports.Clock) {
	clock := ports.NewFakeClock(time.Unix(0, 0))
	return New(NewMemoryBackend(), clock), clock
}

func registerReq(callID string, cseq int, contactParams string) *sip.Request {
	lines := []string{
		"REGISTER sip:example.com SIP/2.0",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-reg-1",
		"From: <sip:alice@example.com>;tag=reg-tag",
		"To: <sip:alice@example.com>",
		"Call-ID: " + callID,
		"CSeq: " + itoa(cseq) + " REGISTER",
		"Contact: <sip:alice@uac.example.com:5060>" + contactParams,
		"Content-Length: 0",
	}
	raw := bytes.Join(toBytes(append(lines, "", "")), []byte("\r\n"))
	msg, _ := sip.ParseMessage(raw)
	return msg.(*sip.Request)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestRegisterCreatesBindingWithGRUU(t *testing.T) {
	r, _ := newRegistrar()
	req := registerReq("call-1", 1, `;+sip.instance="<urn:uuid:test-1>";reg-id=1`)

	res, err := r.Register(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)

	contacts := r.Find("alice@example.com")
	require.Len(t, contacts, 1)
	require.True(t, contacts[0].hasGRUU)
	require.Contains(t, contacts[0].PubGRUU.String(), ";gr=")
	require.NotEmpty(t, contacts[0].TempGRUU.User)

	found := r.FindByGRUU(contacts[0].PubGRUU)
	require.NotNil(t, found)
	require.Equal(t, contacts[0].URI.String(), found.URI.String())
}

func TestRegisterWithNoContactFetchesCurrentBindings(t *testing.T) {
	r, _ := newRegistrar()
	req := registerReq("call-1", 1, `;+sip.instance="<urn:uuid:test-1>";reg-id=1`)
	_, err := r.Register(context.Background(), req)
	require.NoError(t, err)

	query := parseRegister(t,
		"REGISTER sip:example.com SIP/2.0",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-reg-query",
		"From: <sip:alice@example.com>;tag=reg-tag",
		"To: <sip:alice@example.com>",
		"Call-ID: call-1",
		"CSeq: 2 REGISTER",
		"Content-Length: 0",
	)

	res, err := r.Register(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)

	contacts := res.GetHeaders("Contact")
	require.Len(t, contacts, 1, "a Contact-less REGISTER queries the AOR's live bindings instead of clearing them")
	ch := contacts[0].(*sip.ContactHeader)
	require.Equal(t, "alice@uac.example.com", ch.Address.User+"@"+ch.Address.Host)

	require.Len(t, r.Find("alice@example.com"), 1, "the binding itself must survive the query")
}

func TestRegisterReReRegisterSameCallIDRequiresHigherCSeq(t *testing.T) {
	r, _ := newRegistrar()
	inst := `;+sip.instance="<urn:uuid:test-2>";reg-id=1`

	_, err := r.Register(context.Background(), registerReq("call-2", 1, inst))
	require.NoError(t, err)

	res, err := r.Register(context.Background(), registerReq("call-2", 2, inst))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Len(t, r.Find("alice@example.com"), 1, "re-register replaces in place, not duplicates")

	stale, err := r.Register(context.Background(), registerReq("call-2", 2, inst))
	require.NoError(t, err)
	require.Equal(t, 400, stale.StatusCode, "replayed CSeq under the same Call-ID is stale")
}

func TestRegisterDifferentCallIDInvalidatesTempGRUUButKeepsPubGRUU(t *testing.T) {
	r, _ := newRegistrar()
	inst := `;+sip.instance="<urn:uuid:test-3>";reg-id=1`

	_, err := r.Register(context.Background(), registerReq("call-3a", 1, inst))
	require.NoError(t, err)
	first := r.Find("alice@example.com")[0]
	oldTemp := first.TempGRUU
	pub := first.PubGRUU

	_, err = r.Register(context.Background(), registerReq("call-3b", 1, inst))
	require.NoError(t, err)
	second := r.Find("alice@example.com")[0]

	require.Nil(t, r.FindByGRUU(oldTemp), "prior Call-ID's temp-gruu must be invalidated")
	require.NotNil(t, r.FindByGRUU(second.TempGRUU))
	require.Equal(t, pub.String(), second.PubGRUU.String(), "pub-gruu is stable across re-registration")
	require.NotNil(t, r.FindByGRUU(pub))
}

func TestRegisterRegIDWithoutInstanceIsRejected(t *testing.T) {
	r, _ := newRegistrar()
	req := registerReq("call-4", 1, ";reg-id=1")

	res, err := r.Register(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 439, res.StatusCode)
}

func TestRegisterContactEqualToGRUUIsRejected(t *testing.T) {
	r, _ := newRegistrar()
	req := parseRegister(t,
		"REGISTER sip:example.com SIP/2.0",
		"Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-reg-2",
		"From: <sip:alice@example.com>;tag=reg-tag",
		"To: <sip:alice@example.com>",
		"Call-ID: call-5",
		"CSeq: 1 REGISTER",
		"Contact: <sip:alice@example.com;gr=abcd1234>",
		"Content-Length: 0",
	)

	res, err := r.Register(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 403, res.StatusCode)
}

func TestRegisterExpiresZeroDeregisters(t *testing.T) {
	r, _ := newRegistrar()
	inst := `;+sip.instance="<urn:uuid:test-6>";reg-id=1`

	_, err := r.Register(context.Background(), registerReq("call-6", 1, inst))
	require.NoError(t, err)
	require.Len(t, r.Find("alice@example.com"), 1)

	res, err := r.Register(context.Background(), registerReq("call-6", 2, inst+";expires=0"))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Empty(t, r.Find("alice@example.com"))
}

func TestRegistrarSweepPrunesExpiredBindings(t *testing.T) {
	r, clock := newRegistrar()
	req := registerReq("call-7", 1, ";expires=5")
	_, err := r.Register(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, r.Find("alice@example.com"), 1)

	fc := clock.(*ports.FakeClock)
	r.Start(10 * time.Second)
	fc.Advance(10 * time.Second)

	require.Zero(t, r.Count(), "the sweep must drop the expired binding before any lookup does")
	require.Empty(t, r.Find("alice@example.com"))
}
