package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

type serverInput Input

const (
	serverInputNone serverInput = iota
	serverRequest
	serverAck
	serverCancel
	server1xx
	server2xx
	server300Plus
	serverTimerG
	serverTimerH
	serverTimerI
	serverTimerJ
	serverTimerL
	serverTransportErr
	serverDelete
)

type serverFsmFunc func(in serverInput) serverInput

// ServerTx is a UAS transaction: one inbound request, the sequence of
// responses the TU builds for it, and the retransmission/linger timers
// that keep a duplicate request or ACK matched to it instead of
// reaching the TU twice. Grounded on the teacher's ServerTx, adapted to
// a ports.Transport/ports.Clock pair.
type ServerTx struct {
	key    string
	origin *sip.Request
	role   Role

	transport ports.Transport
	clock     ports.Clock
	timers    Timers
	reliable  bool

	acks    chan *sip.Request
	cancels chan *sip.Request
	errs    chan error
	done    chan struct{}

	mu         sync.RWMutex
	state      State
	lastResp   *sip.Response
	lastAck    *sip.Request
	lastCancel *sip.Request
	lastErr    error
	timerGTime time.Duration

	fsmMu    sync.Mutex
	fsmState serverFsmFunc

	timer1xx ports.Timer
	timerG   ports.Timer
	timerH   ports.Timer
	timerI   ports.Timer
	timerJ   ports.Timer
	timerL   ports.Timer

	closeOnce   sync.Once
	onTerminate func(key string)
}

// NewServerTx creates a server transaction for an inbound origin request.
// Call Init to arm the auto-100-Trying timer for INVITE.
func NewServerTx(key string, origin *sip.Request, transport ports.Transport, clock ports.Clock, timers Timers) *ServerTx {
	role := RoleNonInviteServer
	if origin.IsInvite() {
		role = RoleInviteServer
	}
	return &ServerTx{
		key:       key,
		origin:    origin,
		role:      role,
		transport: transport,
		clock:     clock,
		timers:    timers,
		reliable:  sip.IsReliable(origin.Transport()),
		acks:      make(chan *sip.Request),
		cancels:   make(chan *sip.Request),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (tx *ServerTx) Key() string          { return tx.key }
func (tx *ServerTx) Origin() *sip.Request { return tx.origin }
func (tx *ServerTx) Role() Role           { return tx.role }
func (tx *ServerTx) Done() <-chan struct{} { return tx.done }
func (tx *ServerTx) Errors() <-chan error { return tx.errs }
func (tx *ServerTx) Acks() <-chan *sip.Request    { return tx.acks }
func (tx *ServerTx) Cancels() <-chan *sip.Request { return tx.cancels }
func (tx *ServerTx) OnTerminate(f func(key string)) { tx.onTerminate = f }

func (tx *ServerTx) State() State {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.state
}

func (tx *ServerTx) setState(s State) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

// Init arms the RFC 3261 §17.2.1 auto-100-Trying timer for an INVITE.
func (tx *ServerTx) Init() error {
	tx.initFSM()

	if !tx.origin.IsInvite() {
		return nil
	}
	tx.timer1xx = tx.clock.AfterFunc(tx.timers.timer1xx(), func() {
		trying := sip.NewResponseFromRequest(tx.origin, 100, "Trying", nil)
		_ = tx.Respond(trying)
	})
	return nil
}

// Receive delivers a retransmitted request, an ACK, or a CANCEL from the
// wire into the FSM.
func (tx *ServerTx) Receive(req *sip.Request) {
	tx.mu.Lock()
	if tx.timer1xx != nil {
		tx.timer1xx.Stop()
		tx.timer1xx = nil
	}
	var in serverInput
	switch {
	case req.Method == tx.origin.Method:
		in = serverRequest
	case req.IsAck():
		tx.lastAck = req
		in = serverAck
	case req.IsCancel():
		tx.lastCancel = req
		in = serverCancel
	}
	tx.mu.Unlock()
	tx.spin(in)
}

// Respond delivers a response the TU built for this transaction.
func (tx *ServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	tx.lastResp = res
	if tx.timer1xx != nil {
		tx.timer1xx.Stop()
		tx.timer1xx = nil
	}
	var in serverInput
	switch {
	case res.IsProvisional():
		in = server1xx
	case res.IsSuccess():
		in = server2xx
	default:
		in = server300Plus
	}
	tx.mu.Unlock()
	tx.spin(in)
	return tx.Err()
}

func (tx *ServerTx) Terminate() {
	select {
	case <-tx.done:
		return
	default:
	}
	tx.delete()
}

func (tx *ServerTx) Err() error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.lastErr
}

func (tx *ServerTx) passResp() error {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()
	if lastResp == nil {
		return fmt.Errorf("server transaction %s: no response to send", tx.key)
	}
	if err := tx.transport.Send(context.Background(), lastResp.Transport(), lastResp.Destination(), lastResp); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportErr(err)
		tx.mu.Unlock()
		return tx.lastErr
	}
	return nil
}

func (tx *ServerTx) passAck() {
	tx.mu.RLock()
	r := tx.lastAck
	tx.mu.RUnlock()
	if r == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.acks <- r:
	}
}

func (tx *ServerTx) passCancel() {
	tx.mu.RLock()
	r := tx.lastCancel
	tx.mu.RUnlock()
	if r == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.cancels <- r:
	}
}

func (tx *ServerTx) reportErr(err error) {
	select {
	case <-tx.done:
	case tx.errs <- err:
	default:
	}
}

func (tx *ServerTx) delete() {
	tx.closeOnce.Do(func() {
		close(tx.done)
		if tx.onTerminate != nil {
			tx.onTerminate(tx.key)
		}
	})
	stopTimers(tx.timer1xx, tx.timerG, tx.timerH, tx.timerI, tx.timerJ, tx.timerL)
}

func (tx *ServerTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.origin.IsInvite() {
		tx.setState(Proceeding)
		tx.fsmState = tx.inviteProceeding
	} else {
		tx.setState(Trying)
		tx.fsmState = tx.nonInviteTrying
	}
	tx.fsmMu.Unlock()
}

func (tx *ServerTx) spin(in serverInput) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	for i := in; i != serverInputNone; {
		i = tx.fsmState(i)
	}
}
