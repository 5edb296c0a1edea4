package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

func rawInvite(callID, branch string) []byte {
	return bytes.Join([][]byte{
		[]byte("INVITE sip:bob@example.com SIP/2.0"),
		[]byte("Via: SIP/2.0/UDP uac.example.com:5060;branch=" + branch),
		[]byte("From: <sip:alice@example.com>;tag=abc"),
		[]byte("To: <sip:bob@example.com>"),
		[]byte("Call-ID: " + callID),
		[]byte("CSeq: 1 INVITE"),
		[]byte("Max-Forwards: 70"),
		[]byte("Content-Length: 0"),
		[]byte(""), []byte(""),
	}, []byte("\r\n"))
}

func testInvite(t testing.TB, callID string) *sip.Request {
	t.Helper()
	msg, err := sip.ParseMessage(rawInvite(callID, sip.GenerateBranch()))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

// collectingHandler records every message delivered to it and lets a
// test block until one arrives.
type collectingHandler struct {
	mu  sync.Mutex
	got []sip.Message
	ch  chan sip.Message
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{ch: make(chan sip.Message, 8)}
}

func (h *collectingHandler) handle(msg sip.Message) {
	h.mu.Lock()
	h.got = append(h.got, msg)
	h.mu.Unlock()
	h.ch <- msg
}

func (h *collectingHandler) waitOne(t testing.TB) sip.Message {
	t.Helper()
	select {
	case msg := <-h.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivered message")
		return nil
	}
}

func TestManagerUDPRoundTrip(t *testing.T) {
	server := newCollectingHandler()
	serverMgr := NewManager(server.handle, nil)
	srvListener, err := ListenUDP(serverMgr, "127.0.0.1:0")
	require.NoError(t, err)
	defer serverMgr.Close()

	clientMgr := NewManager(func(sip.Message) {}, nil)
	_, err = ListenUDP(clientMgr, "127.0.0.1:0")
	require.NoError(t, err)
	defer clientMgr.Close()

	req := testInvite(t, "udp-roundtrip")
	err = clientMgr.Send(context.Background(), sip.TransportUDP, srvListener.localAddr(), req)
	require.NoError(t, err)

	msg := server.waitOne(t)
	got, ok := msg.(*sip.Request)
	require.True(t, ok)
	require.Equal(t, sip.INVITE, got.Method)
	require.Equal(t, sip.TransportUDP, got.Transport())
}

func TestManagerTCPRoundTrip(t *testing.T) {
	server := newCollectingHandler()
	serverMgr := NewManager(server.handle, nil)
	srvListener, err := ListenTCP(serverMgr, "127.0.0.1:0")
	require.NoError(t, err)
	defer serverMgr.Close()

	clientMgr := NewManager(func(sip.Message) {}, nil)
	defer clientMgr.Close()

	req := testInvite(t, "tcp-roundtrip")
	err = clientMgr.Send(context.Background(), sip.TransportTCP, srvListener.localAddr(), req)
	require.NoError(t, err)

	msg := server.waitOne(t)
	got, ok := msg.(*sip.Request)
	require.True(t, ok)
	require.Equal(t, sip.INVITE, got.Method)
	require.Equal(t, sip.TransportTCP, got.Transport())
}

func TestManagerTCPReusesConnection(t *testing.T) {
	server := newCollectingHandler()
	serverMgr := NewManager(server.handle, nil)
	srvListener, err := ListenTCP(serverMgr, "127.0.0.1:0")
	require.NoError(t, err)
	defer serverMgr.Close()

	clientMgr := NewManager(func(sip.Message) {}, nil)
	defer clientMgr.Close()

	require.NoError(t, clientMgr.Send(context.Background(), sip.TransportTCP, srvListener.localAddr(), testInvite(t, "reuse-1")))
	server.waitOne(t)
	require.NoError(t, clientMgr.Send(context.Background(), sip.TransportTCP, srvListener.localAddr(), testInvite(t, "reuse-2")))
	server.waitOne(t)

	l := clientMgr.listeners[sip.TransportTCP].(*tcpListener)
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.conns, 1, "a second send to the same peer must reuse the dialed connection")
}

func TestManagerSendUnknownNetworkErrors(t *testing.T) {
	m := NewManager(func(sip.Message) {}, nil)
	err := m.Send(context.Background(), "SCTP", "127.0.0.1:5060", testInvite(t, "no-listener"))
	require.Error(t, err)
}

func TestManagerLocalAddrReportsListenerAddress(t *testing.T) {
	m := NewManager(func(sip.Message) {}, nil)
	l, err := ListenUDP(m, "127.0.0.1:0")
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.LocalAddr(sip.TransportUDP)
	require.NoError(t, err)
	require.Equal(t, l.localAddr(), addr)

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	require.NotEmpty(t, port)
}

func TestIsKeepAlive(t *testing.T) {
	require.True(t, isKeepAlive([]byte("\r\n")))
	require.True(t, isKeepAlive([]byte("\r\n\r\n")))
	require.False(t, isKeepAlive([]byte("INVITE")))
}
