package router

import (
	"bytes"
	"context"
	"testing"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

type fakeApp struct {
	verdict ports.RouteVerdict
}

func (f *fakeApp) SipRoute(_, _, _ string, _ *sip.Request, _ *ports.Call) ports.RouteVerdict {
	return f.verdict
}
func (f *fakeApp) SipPublish(*sip.Request, *ports.Call) int { return 200 }
func (f *fakeApp) SipEventCompositorStore(string, string, []byte) error { return nil }

func testRequest(t testing.TB) *sip.Request {
	t.Helper()
	raw := bytes.Join([][]byte{
		[]byte("INVITE sip:bob@example.com SIP/2.0"),
		[]byte("Via: SIP/2.0/UDP uac.example.com:5060;branch=z9hG4bK-r1"),
		[]byte("From: <sip:alice@example.com>;tag=abc"),
		[]byte("To: <sip:bob@example.com>"),
		[]byte("Call-ID: router-test"),
		[]byte("CSeq: 1 INVITE"),
		[]byte("Content-Length: 0"),
		[]byte(""), []byte(""),
	}, []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func TestRouteProcessPassesThrough(t *testing.T) {
	app := &fakeApp{verdict: ports.RouteVerdict{Kind: ports.VerdictProcess}}
	rt := New(app)
	v, err := rt.Route(context.Background(), testRequest(t), &ports.Call{CallID: "router-test"})
	require.NoError(t, err)
	require.Equal(t, ports.VerdictProcess, v.Kind)
}

func TestRouteProxyToRequiresTargets(t *testing.T) {
	app := &fakeApp{verdict: ports.RouteVerdict{Kind: ports.VerdictProxyTo}}
	rt := New(app)
	_, err := rt.Route(context.Background(), testRequest(t), &ports.Call{})
	require.Error(t, err)
}

func TestRouteProxyToWithTargetsSucceeds(t *testing.T) {
	app := &fakeApp{verdict: ports.RouteVerdict{
		Kind:    ports.VerdictProxyTo,
		Targets: []sip.Uri{{Scheme: "sip", User: "bob", Host: "pbx.example.com"}},
	}}
	rt := New(app)
	v, err := rt.Route(context.Background(), testRequest(t), &ports.Call{})
	require.NoError(t, err)
	require.Len(t, v.Targets, 1)
}

func TestRouteReplyRequiresResponse(t *testing.T) {
	app := &fakeApp{verdict: ports.RouteVerdict{Kind: ports.VerdictReply}}
	rt := New(app)
	_, err := rt.Route(context.Background(), testRequest(t), &ports.Call{})
	require.Error(t, err)
}

func TestRouteReplyWithResponseSucceeds(t *testing.T) {
	req := testRequest(t)
	app := &fakeApp{verdict: ports.RouteVerdict{
		Kind:     ports.VerdictReplyStateless,
		Response: sip.NewResponseFromRequest(req, 404, "Not Found", nil),
	}}
	rt := New(app)
	v, err := rt.Route(context.Background(), req, &ports.Call{})
	require.NoError(t, err)
	require.Equal(t, 404, v.Response.StatusCode)
}
