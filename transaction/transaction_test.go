package transaction

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/stretchr/testify/require"
)

// recordingTransport is a fake ports.Transport that appends every sent
// message and lets a test block until N messages have arrived.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sip.Message
}

func (rt *recordingTransport) Send(_ context.Context, _, _ string, msg sip.Message) error {
	rt.mu.Lock()
	rt.sent = append(rt.sent, msg)
	rt.mu.Unlock()
	return nil
}

func (rt *recordingTransport) LocalAddr(string) (string, error) { return "127.0.0.1:5060", nil }

func (rt *recordingTransport) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sent)
}

func (rt *recordingTransport) last() sip.Message {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.sent) == 0 {
		return nil
	}
	return rt.sent[len(rt.sent)-1]
}

func testInvite(t testing.TB) *sip.Request {
	t.Helper()
	branch := sip.GenerateBranch()
	raw := bytes.Join([][]byte{
		[]byte("INVITE sip:bob@127.0.0.2:5060 SIP/2.0"),
		[]byte("Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + branch),
		[]byte("From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=abc123"),
		[]byte("To: \"Bob\" <sip:bob@127.0.0.2:5060>"),
		[]byte("Call-ID: test-call-id-invite"),
		[]byte("CSeq: 1 INVITE"),
		[]byte("Content-Length: 0"),
		[]byte(""),
		[]byte(""),
	}, []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	req.SetTransport(sip.TransportUDP)
	req.SetDestination("127.0.0.2:5060")
	return req
}

func testOptions(t testing.TB) *sip.Request {
	t.Helper()
	branch := sip.GenerateBranch()
	raw := bytes.Join([][]byte{
		[]byte("OPTIONS sip:bob@127.0.0.2:5060 SIP/2.0"),
		[]byte("Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + branch),
		[]byte("From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=abc124"),
		[]byte("To: \"Bob\" <sip:bob@127.0.0.2:5060>"),
		[]byte("Call-ID: test-call-id-options"),
		[]byte("CSeq: 1 OPTIONS"),
		[]byte("Content-Length: 0"),
		[]byte(""),
		[]byte(""),
	}, []byte("\r\n"))
	msg, err := sip.ParseMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	req.SetTransport(sip.TransportUDP)
	req.SetDestination("127.0.0.2:5060")
	return req
}

func TestClientTxInviteTimerARetransmitsUntil2xx(t *testing.T) {
	req := testInvite(t)
	key, err := ClientKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewClientTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init(context.Background()))
	require.Equal(t, 1, rt.count(), "initial send")
	require.Equal(t, Calling, tx.State())

	clock.Advance(timers.T1)
	require.Equal(t, 2, rt.count(), "Timer A retransmit")

	clock.Advance(2 * timers.T1)
	require.Equal(t, 3, rt.count(), "Timer A retransmit doubles")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	passedUp := make(chan *sip.Response, 1)
	go func() { passedUp <- <-tx.Responses() }()
	tx.Receive(res)
	require.Equal(t, Accepted, tx.State())
	require.Equal(t, res, <-passedUp)

	clock.Advance(timers.timerM())
	<-tx.Done()
	require.Equal(t, Terminated, tx.State())
}

func TestClientTxInviteNon2xxSendsAckAndLingers(t *testing.T) {
	req := testInvite(t)
	key, err := ClientKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewClientTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init(context.Background()))

	res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res)
	require.Equal(t, Completed, tx.State())

	ack, ok := rt.last().(*sip.Request)
	require.True(t, ok)
	require.Equal(t, sip.ACK, ack.Method)

	clock.Advance(32 * time.Second)
	<-tx.Done()
	require.Equal(t, Terminated, tx.State())
}

func TestClientTxNonInviteCompletesWithoutLinger(t *testing.T) {
	req := testOptions(t)
	req.SetTransport(sip.TransportTCP)
	key, err := ClientKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewClientTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init(context.Background()))

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res)
	<-tx.Done()
	require.Equal(t, Terminated, tx.State())
}

func TestServerTxAutoTryingThenFinal(t *testing.T) {
	req := testInvite(t)
	key, err := ServerKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewServerTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init())

	clock.Advance(timers.timer1xx())
	require.Equal(t, 1, rt.count(), "auto 100 Trying")

	res := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	require.NoError(t, tx.Respond(res))
	require.Equal(t, Proceeding, tx.State())

	final := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(final))
	require.Equal(t, Accepted, tx.State())

	ack := sip.NewAckRequest(req, final, nil)
	tx.Receive(ack)

	select {
	case got := <-tx.Acks():
		require.Equal(t, ack, got)
	case <-time.After(time.Second):
		t.Fatal("expected ack to be delivered")
	}

	clock.Advance(timers.timerL())
	<-tx.Done()
	require.Equal(t, Terminated, tx.State())
}

func TestServerTxNonInviteRetransmitsFinalOnDuplicateRequest(t *testing.T) {
	req := testOptions(t)
	key, err := ServerKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewServerTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(res))
	require.Equal(t, Completed, tx.State())
	require.Equal(t, 1, rt.count())

	tx.Receive(req)
	require.Equal(t, 2, rt.count(), "duplicate request retransmits the final response")

	clock.Advance(timers.timerJ())
	<-tx.Done()
	require.Equal(t, Terminated, tx.State())
}

func TestClientTxCancelBeforeProvisionalWaitsForFirst1xx(t *testing.T) {
	req := testInvite(t)
	key, err := ClientKey(req)
	require.NoError(t, err)

	rt := &recordingTransport{}
	clock := ports.NewFakeClock(time.Unix(0, 0))
	timers := DefaultTimers()

	tx := NewClientTx(key, req, rt, clock, timers)
	require.NoError(t, tx.Init(context.Background()))
	require.Equal(t, 1, rt.count(), "initial INVITE only")

	tx.Cancel()
	require.Equal(t, 1, rt.count(), "CANCEL must not be sent before a provisional arrives")

	go func() { <-tx.Responses() }()
	tx.Receive(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	require.Eventually(t, func() bool { return rt.count() == 2 }, time.Second, time.Millisecond,
		"CANCEL sent once the transaction reaches Proceeding")

	cancel, ok := rt.last().(*sip.Request)
	require.True(t, ok)
	require.Equal(t, sip.CANCEL, cancel.Method)
}
