// Package callproc implements the per-Call-ID actor the cooperative
// scheduling model is built on: one goroutine owns every transaction,
// dialog and proxy fork sharing a Call-ID, draining an inbox in arrival
// order so none of that state is ever touched from two goroutines at
// once. Grounded on the teacher's per-transaction spin-under-fsmMu
// pattern (transaction/*_fsm.go), generalized one level up to span
// everything hung off a single Call-ID the way server.go's onRequest
// dispatch and the transaction layer's OnRequest callback today act as
// the one place inbound messages land.
package callproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nksip-go/core/dialog"
	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/proxy"
	"github.com/nksip-go/core/router"
	"github.com/nksip-go/core/sip"
	"github.com/nksip-go/core/transaction"
)

// DefaultLinger is how long an idle Proc waits with no live transactions,
// dialogs or forks before it exits (§5's "configurable linger").
const DefaultLinger = 5 * time.Second

// Registrar is the subset of registrar.Registrar a Proc needs. REGISTER
// requests never go through Router/Application: the binding store is
// shared by every Call-ID (a mutex-guarded sharded store, not an actor),
// so a Proc only ever hands a REGISTER across to it and relays back
// whatever it returns.
type Registrar interface {
	Register(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// Metrics receives lifecycle counts that span every Call-ID, so they
// can't live on the Proc itself. A nil Metrics in Config is replaced by
// a no-op.
type Metrics interface {
	CallProcSpawned()
	CallProcExpired()
}

type noopMetrics struct{}

func (noopMetrics) CallProcSpawned() {}
func (noopMetrics) CallProcExpired() {}

// Config carries the collaborators a Proc needs but doesn't own, since
// they're shared across every Call-ID's Proc.
type Config struct {
	Transport     ports.Transport
	Clock         ports.Clock
	Timers        transaction.Timers
	App           ports.Application
	Registrar     Registrar
	Authenticator ports.Authenticator // checked on REGISTER before Registrar; nil accepts every REGISTER
	Self          sip.Uri
	TransportName string
	Linger        time.Duration
	Metrics       Metrics
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Linger <= 0 {
		c.Linger = DefaultLinger
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type eventKind int

const (
	eventRequest eventKind = iota
	eventResponse
	eventForkDone
	eventRecheckIdle // a transaction/dialog/branch went away; re-evaluate linger
	eventLingerFired // the linger timer elapsed; exit if still idle
	eventShutdown
)

type event struct {
	kind      eventKind
	req       *sip.Request
	res       *sip.Response
	serverKey string
	forkErr   error
}

// Proc is the actor owning every transaction, dialog and proxy fork for
// one Call-ID.
type Proc struct {
	callID string
	cfg    Config
	log    *slog.Logger

	dialogs *dialog.Engine
	proxy   *proxy.Engine
	route   *router.Router

	mu        sync.Mutex
	clientTxs map[string]*transaction.ClientTx
	serverTxs map[string]*transaction.ServerTx

	inbox chan event
	done  chan struct{}

	lingerTimer ports.Timer
	closeOnce   sync.Once
	onTerminate func(callID string)
}

// New spawns a Proc for callID and starts its actor goroutine. Callers
// get inbound work to it through Post/PostResponse; both are
// non-blocking, matching §5's "the Transport posts inbound messages to
// CallProcs via non-blocking queues".
func New(callID string, cfg Config) *Proc {
	cfg = cfg.withDefaults()
	p := &Proc{
		callID:    callID,
		cfg:       cfg,
		log:       cfg.Logger.With("call_id", callID),
		dialogs:   dialog.NewEngine(),
		route:     router.New(cfg.App),
		clientTxs: make(map[string]*transaction.ClientTx),
		serverTxs: make(map[string]*transaction.ServerTx),
		inbox:     make(chan event, 64),
		done:      make(chan struct{}),
	}
	p.proxy = proxy.New(cfg.Transport, cfg.Clock, cfg.Timers, cfg.Self, cfg.TransportName)
	p.proxy.OnBranchGone(func() { p.post(event{kind: eventRecheckIdle}) })
	if pm, ok := interface{}(cfg.Metrics).(proxy.Metrics); ok {
		p.proxy.SetMetrics(pm)
	}
	cfg.Metrics.CallProcSpawned()
	go p.run()
	p.armLinger()
	return p
}

// CallID reports the Call-ID this actor owns.
func (p *Proc) CallID() string { return p.callID }

// Done is closed once the actor has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// OnTerminate registers a callback fired exactly once, after the actor
// has exited, so an owning registry can drop its reference.
func (p *Proc) OnTerminate(f func(callID string)) { p.onTerminate = f }

// Post hands an inbound request to the actor. It never blocks: a full
// inbox drops the request and logs, the same back-pressure posture the
// teacher's transport layer has for a misbehaving reader.
func (p *Proc) Post(req *sip.Request) bool {
	return p.post(event{kind: eventRequest, req: req})
}

// PostResponse hands an inbound response to the actor.
func (p *Proc) PostResponse(res *sip.Response) bool {
	return p.post(event{kind: eventResponse, res: res})
}

// Shutdown asks the actor to drain timers, send 487 to any still-
// Proceeding INVITE server transaction, and exit (§5).
func (p *Proc) Shutdown() {
	p.post(event{kind: eventShutdown})
}

// Respond lets the embedding program answer a request that Router
// returned a `process` verdict for, once its own UAS logic decides how
// (§4.6: Router only classifies a request on arrival, it can't block the
// actor loop waiting for that decision — see DESIGN.md's resolved Open
// Question for `process` verdicts).
func (p *Proc) Respond(serverKey string, res *sip.Response) error {
	p.mu.Lock()
	tx, ok := p.serverTxs[serverKey]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("callproc: no server transaction %s", serverKey)
	}
	return tx.Respond(res)
}

// SendRequest starts a client transaction for req, owned by this Proc
// rather than a proxy.Engine fork — for requests the CallProc itself
// originates within its Call-ID (an OPTIONS keepalive, a UAC re-INVITE)
// rather than ones it is forwarding on someone else's behalf.
func (p *Proc) SendRequest(ctx context.Context, req *sip.Request) (*transaction.ClientTx, error) {
	key, err := transaction.ClientKey(req)
	if err != nil {
		return nil, err
	}
	tx := transaction.NewClientTx(key, req, p.cfg.Transport, p.cfg.Clock, p.cfg.Timers)
	tx.OnTerminate(func(k string) {
		p.mu.Lock()
		delete(p.clientTxs, k)
		p.mu.Unlock()
		p.post(event{kind: eventRecheckIdle})
	})
	p.mu.Lock()
	p.clientTxs[key] = tx
	p.mu.Unlock()
	if err := tx.Init(ctx); err != nil {
		p.mu.Lock()
		delete(p.clientTxs, key)
		p.mu.Unlock()
		return nil, err
	}
	return tx, nil
}

func (p *Proc) post(e event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.inbox <- e:
		return true
	default:
		p.log.Warn("inbox full, dropping event", "kind", e.kind)
		return false
	}
}

func (p *Proc) run() {
	for e := range p.inbox {
		switch e.kind {
		case eventRequest:
			p.handleRequest(e.req)
		case eventResponse:
			p.handleResponse(e.res)
		case eventForkDone:
			p.handleForkDone(e.serverKey, e.res, e.forkErr)
		case eventLingerFired:
			if p.idle() {
				p.exit()
				return
			}
		case eventShutdown:
			p.shutdown()
			return
		case eventRecheckIdle:
			// no-op beyond the armLinger() call below: an external
			// transaction/branch termination may have just made the
			// Proc idle (or un-idle, for the dialog/branch case).
		}
		p.armLinger()
	}
}

func (p *Proc) idle() bool {
	p.mu.Lock()
	n := len(p.clientTxs) + len(p.serverTxs)
	p.mu.Unlock()
	return n == 0 && p.dialogs.Len() == 0 && p.proxy.ActiveBranches() == 0
}

// armLinger starts the linger countdown the first time the Proc goes
// idle, and cancels it the moment new work arrives. It deliberately
// does not restart an already-running countdown on every recheck: a
// flurry of unrelated transactions terminating while still genuinely
// idle shouldn't keep resetting the clock on how long the Proc lingers.
func (p *Proc) armLinger() {
	if !p.idle() {
		if p.lingerTimer != nil {
			p.lingerTimer.Stop()
			p.lingerTimer = nil
		}
		return
	}
	if p.lingerTimer != nil {
		return
	}
	p.lingerTimer = p.cfg.Clock.AfterFunc(p.cfg.Linger, func() {
		p.post(event{kind: eventLingerFired})
	})
}

func (p *Proc) exit() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.cfg.Metrics.CallProcExpired()
		if p.onTerminate != nil {
			p.onTerminate(p.callID)
		}
	})
}

// shutdown is the §5 "told to terminate" path: drain timers, send 487
// to any in-flight INVITE server transaction, cancel outstanding forks.
func (p *Proc) shutdown() {
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	p.proxy.CancelAll()

	p.mu.Lock()
	var inflight []*transaction.ServerTx
	for _, tx := range p.serverTxs {
		if tx.Role() == transaction.RoleInviteServer && tx.State() == transaction.Proceeding {
			inflight = append(inflight, tx)
		}
	}
	p.mu.Unlock()

	for _, tx := range inflight {
		res := sip.NewResponseFromRequest(tx.Origin(), sip.StatusRequestTerminated, "Request Terminated", nil)
		_ = tx.Respond(res)
	}

	p.exit()
}
