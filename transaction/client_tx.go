package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

type clientInput Input

const (
	clientInputNone clientInput = iota
	client1xx
	client2xx
	client300Plus
	clientCancel
	clientCanceled
	clientTimerA
	clientTimerB
	clientTimerD
	clientTimerM
	clientTransportErr
	clientDelete
)

type clientFsmFunc func(in clientInput) clientInput

// ClientTx is a UAC transaction: one INVITE or non-INVITE request sent
// once, retransmitted per the matching FSM, and matched to responses by
// ClientKey. Grounded on the teacher's ClientTx/commonTx split, adapted
// to send through a ports.Transport and schedule timers through a
// ports.Clock so tests can drive it with ports.FakeClock.
type ClientTx struct {
	key    string
	origin *sip.Request
	role   Role

	transport ports.Transport
	clock     ports.Clock
	timers    Timers

	responses chan *sip.Response
	errs      chan error
	done      chan struct{}

	mu            sync.RWMutex
	state         State
	lastResp      *sip.Response
	lastErr       error
	timerATime    time.Duration
	timerDTime    time.Duration
	cancelPending bool

	fsmMu    sync.Mutex
	fsmState clientFsmFunc

	timerA ports.Timer
	timerB ports.Timer
	timerD ports.Timer
	timerM ports.Timer

	closeOnce   sync.Once
	onTerminate func(key string)
}

// NewClientTx creates a client transaction for origin. Call Init to send
// the first copy of the request and arm the FSM's timers.
func NewClientTx(key string, origin *sip.Request, transport ports.Transport, clock ports.Clock, timers Timers) *ClientTx {
	role := RoleNonInviteClient
	if origin.IsInvite() {
		role = RoleInviteClient
	}
	return &ClientTx{
		key:       key,
		origin:    origin,
		role:      role,
		transport: transport,
		clock:     clock,
		timers:    timers,
		responses: make(chan *sip.Response),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (tx *ClientTx) Key() string                     { return tx.key }
func (tx *ClientTx) Origin() *sip.Request             { return tx.origin }
func (tx *ClientTx) Role() Role                       { return tx.role }
func (tx *ClientTx) Done() <-chan struct{}            { return tx.done }
func (tx *ClientTx) Errors() <-chan error             { return tx.errs }
func (tx *ClientTx) Responses() <-chan *sip.Response  { return tx.responses }
func (tx *ClientTx) OnTerminate(f func(key string))   { tx.onTerminate = f }

func (tx *ClientTx) State() State {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.state
}

func (tx *ClientTx) setState(s State) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

// Init sends origin for the first time and arms timers A/B (or just B,
// for a reliable transport where retransmission is the transport's job).
func (tx *ClientTx) Init(ctx context.Context) error {
	tx.initFSM()

	if err := tx.send(ctx, tx.origin); err != nil {
		return wrapTransportErr(err)
	}

	if sip.IsReliable(tx.origin.Transport()) {
		tx.mu.Lock()
		tx.timerDTime = 0
		tx.mu.Unlock()
	} else {
		tx.mu.Lock()
		tx.timerATime = tx.timers.timerA()
		tx.timerDTime = tx.timers.timerD()
		tx.mu.Unlock()
		tx.timerA = tx.clock.AfterFunc(tx.timerATime, func() { tx.spin(clientTimerA) })
	}

	tx.timerB = tx.clock.AfterFunc(tx.timers.timerB(), func() {
		tx.mu.Lock()
		tx.lastErr = fmt.Errorf("%w: timer B", ErrTransactionTimeout)
		tx.mu.Unlock()
		tx.spin(clientTimerB)
	})
	return nil
}

// Receive delivers a response from the wire into the FSM.
func (tx *ClientTx) Receive(res *sip.Response) {
	tx.mu.Lock()
	tx.lastResp = res
	tx.mu.Unlock()

	var in clientInput
	switch {
	case res.IsProvisional():
		in = client1xx
	case res.IsSuccess():
		in = client2xx
	default:
		in = client300Plus
	}
	tx.spin(in)
}

// Cancel sends CANCEL for an in-flight INVITE client transaction.
func (tx *ClientTx) Cancel() { tx.spin(clientCancel) }

func (tx *ClientTx) Terminate() {
	select {
	case <-tx.done:
		return
	default:
	}
	tx.delete()
}

func (tx *ClientTx) Err() error {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.lastErr
}

func (tx *ClientTx) send(ctx context.Context, msg sip.Message) error {
	return tx.transport.Send(ctx, msg.Transport(), msg.Destination(), msg)
}

func (tx *ClientTx) resend() {
	if err := tx.send(context.Background(), tx.origin); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportErr(err)
		tx.mu.Unlock()
		tx.spin(clientTransportErr)
	}
}

func (tx *ClientTx) cancelSend() {
	if !tx.origin.IsInvite() {
		return
	}
	cancel := sip.NewCancelRequest(tx.origin)
	if err := tx.send(context.Background(), cancel); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportErr(err)
		tx.mu.Unlock()
		tx.spin(clientTransportErr)
	}
}

func (tx *ClientTx) ackSend() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()
	ack := sip.NewAckRequest(tx.origin, lastResp, nil)
	if err := tx.send(context.Background(), ack); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportErr(err)
		tx.mu.Unlock()
		tx.spin(clientTransportErr)
	}
}

func (tx *ClientTx) passUp() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()
	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

func (tx *ClientTx) reportErr(err error) {
	select {
	case <-tx.done:
	case tx.errs <- err:
	default:
	}
}

func (tx *ClientTx) delete() {
	tx.closeOnce.Do(func() {
		close(tx.done)
		close(tx.responses)
		if tx.onTerminate != nil {
			tx.onTerminate(tx.key)
		}
	})
	stopTimers(tx.timerA, tx.timerB, tx.timerD, tx.timerM)
}

func (tx *ClientTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.origin.IsInvite() {
		tx.setState(Calling)
		tx.fsmState = tx.inviteCalling
	} else {
		tx.setState(Trying)
		tx.fsmState = tx.nonInviteTrying
	}
	tx.fsmMu.Unlock()
}

func (tx *ClientTx) spin(in clientInput) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	for i := in; i != clientInputNone; {
		i = tx.fsmState(i)
	}
}

func wrapTransportErr(err error) error {
	return fmt.Errorf("%w: %s", ErrTransactionTransport, err)
}

func stopTimers(timers ...ports.Timer) {
	for _, t := range timers {
		if t != nil {
			t.Stop()
		}
	}
}
