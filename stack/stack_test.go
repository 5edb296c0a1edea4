package stack

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

type fakeApp struct {
	route func(scheme, user, domain string, req *sip.Request, call *ports.Call) ports.RouteVerdict
}

func (a *fakeApp) SipRoute(scheme, user, domain string, req *sip.Request, call *ports.Call) ports.RouteVerdict {
	if a.route != nil {
		return a.route(scheme, user, domain, req, call)
	}
	return ports.RouteVerdict{
		Kind:     ports.VerdictReply,
		Response: sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil),
	}
}

func (a *fakeApp) SipPublish(*sip.Request, *ports.Call) int { return sip.StatusOK }

func (a *fakeApp) SipEventCompositorStore(string, string, []byte) error { return nil }

func rawRequest(method, callID, branch string) []byte {
	return bytes.Join([][]byte{
		[]byte(method + " sip:bob@example.com SIP/2.0"),
		[]byte("Via: SIP/2.0/UDP uac.example.com:5060;branch=" + branch),
		[]byte("From: <sip:alice@example.com>;tag=abc"),
		[]byte("To: <sip:bob@example.com>"),
		[]byte("Call-ID: " + callID),
		[]byte("CSeq: 1 " + method),
		[]byte("Max-Forwards: 70"),
		[]byte("Contact: <sip:alice@uac.example.com:5060>;expires=3600"),
		[]byte("Content-Length: 0"),
		[]byte(""), []byte(""),
	}, []byte("\r\n"))
}

// udpProbe is a bare socket standing in for a UAC, used to drive a Stack
// end to end without building a second Stack just to send one request.
type udpProbe struct {
	conn *net.UDPConn
}

func newUDPProbe(t testing.TB) *udpProbe {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &udpProbe{conn: conn}
}

func (p *udpProbe) sendAndRecv(t testing.TB, to string, data []byte) sip.Message {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", to)
	require.NoError(t, err)
	_, err = p.conn.WriteToUDP(data, addr)
	require.NoError(t, err)

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65535)
	n, _, err := p.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := sip.ParseMessage(buf[:n])
	require.NoError(t, err)
	return msg
}

func TestNewRequiresAtLeastOneListener(t *testing.T) {
	_, err := New(&fakeApp{})
	require.Error(t, err)
}

func TestStackRegisterRoundTrip(t *testing.T) {
	s, err := New(&fakeApp{}, WithUDP("127.0.0.1:0"))
	require.NoError(t, err)
	defer s.Close()

	addr, err := s.Transport().LocalAddr(sip.TransportUDP)
	require.NoError(t, err)

	probe := newUDPProbe(t)
	msg := probe.sendAndRecv(t, addr, rawRequest("REGISTER", "reg-1", sip.GenerateBranch()))

	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	require.Equal(t, sip.StatusOK, res.StatusCode)
	require.NotNil(t, res.GetHeader("Contact"))
	require.Equal(t, 1, s.Registrar().Count())
}

func TestStackInviteGoesThroughApplication(t *testing.T) {
	routed := make(chan struct{}, 1)
	app := &fakeApp{
		route: func(scheme, user, domain string, req *sip.Request, call *ports.Call) ports.RouteVerdict {
			routed <- struct{}{}
			return ports.RouteVerdict{
				Kind:     ports.VerdictReply,
				Response: sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil),
			}
		},
	}
	s, err := New(app, WithUDP("127.0.0.1:0"))
	require.NoError(t, err)
	defer s.Close()

	addr, err := s.Transport().LocalAddr(sip.TransportUDP)
	require.NoError(t, err)

	probe := newUDPProbe(t)
	msg := probe.sendAndRecv(t, addr, rawRequest("INVITE", "invite-1", sip.GenerateBranch()))

	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	require.Equal(t, sip.StatusOK, res.StatusCode)

	select {
	case <-routed:
	default:
		t.Fatal("Application.SipRoute was never invoked")
	}
}

func TestStackRegisterChallengedWhenAuthenticatorConfigured(t *testing.T) {
	s, err := New(&fakeApp{}, WithUDP("127.0.0.1:0"), WithAuthenticator(denyAll{}))
	require.NoError(t, err)
	defer s.Close()

	addr, err := s.Transport().LocalAddr(sip.TransportUDP)
	require.NoError(t, err)

	probe := newUDPProbe(t)
	msg := probe.sendAndRecv(t, addr, rawRequest("REGISTER", "reg-deny", sip.GenerateBranch()))

	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	require.Equal(t, sip.StatusUnauthorized, res.StatusCode)
	require.Equal(t, 0, s.Registrar().Count())
}

type denyAll struct{}

func (denyAll) Check(context.Context, *sip.Request) (*ports.Challenge, error) {
	return &ports.Challenge{StatusCode: sip.StatusUnauthorized, Params: map[string]string{"realm": "test"}}, nil
}

func TestStackRegistersPrometheusCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	s, err := New(&fakeApp{}, WithUDP("127.0.0.1:0"), WithMetrics(reg))
	require.NoError(t, err)
	defer s.Close()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
