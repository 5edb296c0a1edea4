// Package proxy implements the forking behavior of RFC 3261 §16: turn a
// routing verdict into one or more branch requests, send each through
// its own client transaction, and reduce the branches' responses back
// into the single response a stateful proxy returns upstream.
//
// Grounded on the teacher's example/proxysip, generalized from its
// single-target "first answer wins" loop into true N-way forking with
// the §16.7 response-selection rules.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/nksip-go/core/transaction"
)

// ErrTooManyHops is returned by PrepareBranch when the request arrives
// with Max-Forwards already at zero; the caller replies 483.
var ErrTooManyHops = errors.New("proxy: max-forwards exceeded")

// ErrLoopDetected is returned by Fork when the request's Fingerprint has
// already been forwarded by this Engine; the caller replies 482.
var ErrLoopDetected = errors.New("proxy: loop detected")

// Engine forks a request to one or more targets and aggregates their
// responses. One Engine is owned by one CallProc, so its loop-detection
// set only needs to remember requests that actor has itself forwarded.
type Engine struct {
	transport ports.Transport
	clock     ports.Clock
	timers    transaction.Timers

	self       sip.Uri // host:port this proxy identifies itself by in Via/Record-Route
	transportN string  // network name ("UDP", "TCP", ...) used for the inserted Via

	mu           sync.Mutex
	seen         map[string]struct{}
	clients      map[string]*transaction.ClientTx
	onBranchGone func()
	metrics      Metrics
}

// Metrics is the narrow instrumentation hook an Engine reports forked
// branches to. Optional: a nil Metrics (the default) disables it.
type Metrics interface {
	ForkBranchStarted()
}

// OnBranchGone registers a callback fired every time a branch client
// transaction terminates, so an owning CallProc can re-check whether it
// has gone idle without polling ActiveBranches on a timer.
func (e *Engine) OnBranchGone(f func()) { e.onBranchGone = f }

// SetMetrics attaches m. Call before Fork; not safe to change concurrently
// with an in-flight fork.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// New builds an Engine that forks through transport, using clock for the
// underlying client transactions' retransmission timers. self is the
// URI this proxy advertises in its own Via and Record-Route headers.
func New(transport ports.Transport, clock ports.Clock, timers transaction.Timers, self sip.Uri, transportName string) *Engine {
	return &Engine{
		transport:  transport,
		clock:      clock,
		timers:     timers,
		self:       self,
		transportN: transportName,
		seen:       make(map[string]struct{}),
		clients:    make(map[string]*transaction.ClientTx),
	}
}

// ActiveBranches reports how many client transactions this Engine still
// has open, so an owning CallProc can tell whether a fork is in flight
// without reaching into Engine internals.
func (e *Engine) ActiveBranches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// CancelAll sends CANCEL to every branch this Engine still has an open
// client transaction for. Used when the CallProc owning this Engine is
// told to abandon the call (an inbound CANCEL or a shutdown) while a
// fork is still in flight; ClientTx.Cancel is itself a no-op until that
// branch has seen a provisional, per RFC 3261 §9.1.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	txs := make([]*transaction.ClientTx, 0, len(e.clients))
	for _, tx := range e.clients {
		txs = append(txs, tx)
	}
	e.mu.Unlock()
	for _, tx := range txs {
		tx.Cancel()
	}
}

// Receive routes an inbound response to the branch ClientTx it matches,
// per RFC 3261 §17.1.3 (topmost Via branch plus CSeq method). Whatever
// owns the Transport for this Engine's CallProc must call this for
// every response it reads off the wire while a Fork is in flight; it
// reports false when no branch claims the response (stray retransmit
// after a branch has already terminated, or a response for a request
// this Engine never sent).
func (e *Engine) Receive(res *sip.Response) bool {
	key, err := transaction.ClientKey(res)
	if err != nil {
		return false
	}
	e.mu.Lock()
	tx, ok := e.clients[key]
	e.mu.Unlock()
	if !ok {
		return false
	}
	tx.Receive(res)
	return true
}

// branch pairs a forked client transaction with the target it was sent
// to, so a losing branch can be identified and canceled by target.
type branch struct {
	target sip.Uri
	tx     *transaction.ClientTx
}

// PrepareBranch clones req into a request suitable for forwarding to
// target: Max-Forwards is decremented (or overridden), Route processing
// from opts is applied, and a fresh top Via (and optional Record-Route)
// for this proxy is inserted.
func (e *Engine) PrepareBranch(req *sip.Request, target sip.Uri, opts ports.ProxyOpts) (*sip.Request, error) {
	clone := req.Clone()
	clone.Recipient = *target.Clone()

	if err := applyMaxForwards(clone, opts); err != nil {
		return nil, err
	}

	if opts.RemoveRoutes {
		for clone.GetHeader("Route") != nil {
			clone.RemoveHeader("Route")
		}
	}
	for i := len(opts.Path) - 1; i >= 0; i-- {
		clone.PrependHeader(&sip.RouteHeader{Address: *opts.Path[i].Clone()})
	}
	for _, kv := range opts.InsertHeaders {
		clone.AppendHeader(sip.NewHeader(kv.Name, kv.Value))
	}
	if opts.AddContact {
		clone.AppendHeader(&sip.ContactHeader{Address: *e.self.Clone()})
	}

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       e.transportN,
		Host:            e.self.Host,
		Port:            e.self.Port,
		Params:          sip.HeaderParams{{K: "branch", V: sip.GenerateBranch()}},
	}
	clone.PrependHeader(via)
	clone.ReplaceHeader(via) // syncs the typed Via() accessor without moving it

	if opts.RecordRoute {
		addr := *e.self.Clone()
		addr.UriParams = addr.UriParams.Clone()
		addr.UriParams.Add("lr", "")
		rr := &sip.RecordRouteHeader{Address: addr}
		clone.PrependHeader(rr)
		clone.ReplaceHeader(rr)
	}

	clone.SetDestination(target.HostPort())
	return clone, nil
}

func applyMaxForwards(req *sip.Request, opts ports.ProxyOpts) error {
	current := uint32(70)
	if h := req.GetHeader("Max-Forwards"); h != nil {
		if mf, ok := h.(*sip.MaxForwardsHeader); ok {
			current = uint32(*mf)
		}
	}

	var next uint32
	if opts.MaxForwardsOverride > 0 {
		next = uint32(opts.MaxForwardsOverride)
	} else {
		if current == 0 {
			return ErrTooManyHops
		}
		next = current - 1
	}

	for req.GetHeader("Max-Forwards") != nil {
		req.RemoveHeader("Max-Forwards")
	}
	mf := sip.MaxForwardsHeader(next)
	req.AppendHeader(&mf)
	return nil
}

// Fork sends req to every target in parallel, each through its own
// client transaction, and blocks until a final response can be returned
// upstream: the first 2xx short-circuits (canceling every other live
// branch), otherwise the best final response per RFC 3261 §16.7 rule 6
// is returned once every branch has completed or timed out.
//
// Every provisional (1xx) response any branch receives while Fork is
// still waiting is handed to onProvisional as it arrives, so a caller
// can relay ringback upstream; onProvisional may be nil.
func (e *Engine) Fork(ctx context.Context, req *sip.Request, targets []sip.Uri, opts ports.ProxyOpts, onProvisional func(*sip.Response)) (*sip.Response, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("proxy: fork with no targets")
	}

	fp := Fingerprint(req)
	e.mu.Lock()
	if _, dup := e.seen[fp]; dup {
		e.mu.Unlock()
		return nil, ErrLoopDetected
	}
	e.seen[fp] = struct{}{}
	e.mu.Unlock()

	branches := make([]*branch, 0, len(targets))
	for _, target := range targets {
		out, err := e.PrepareBranch(req, target, opts)
		if err != nil {
			return nil, err
		}
		key, err := transaction.ClientKey(out)
		if err != nil {
			return nil, fmt.Errorf("proxy: building branch key: %w", err)
		}
		tx := transaction.NewClientTx(key, out, e.transport, e.clock, e.timers)
		tx.OnTerminate(func(k string) {
			e.mu.Lock()
			delete(e.clients, k)
			e.mu.Unlock()
			if e.onBranchGone != nil {
				e.onBranchGone()
			}
		})
		e.mu.Lock()
		e.clients[key] = tx
		e.mu.Unlock()

		if err := tx.Init(ctx); err != nil {
			return nil, fmt.Errorf("proxy: sending to %s: %w", target.String(), err)
		}
		if e.metrics != nil {
			e.metrics.ForkBranchStarted()
		}
		branches = append(branches, &branch{target: target, tx: tx})
	}

	return e.collect(branches, onProvisional)
}

type branchResult struct {
	idx int
	res *sip.Response
	err error
}

// collect implements RFC 3261 §16.7 rules 3-10 over a set of already
// dispatched branches: each branch's own goroutine is the sole reader of
// its tx.Responses(), forwarding every provisional response it sees to
// onProvisional (if non-nil) as it arrives, then reporting the branch's
// final response on results. The first final 2xx wins and is returned
// immediately, canceling the rest; the losing branches' own final
// responses (487 to the CANCEL, or whatever they were already about to
// return) are drained in the background so their goroutines don't leak.
// Otherwise collect blocks until every branch has reported a final
// response and returns the best one per rule 6.
func (e *Engine) collect(branches []*branch, onProvisional func(*sip.Response)) (*sip.Response, error) {
	results := make(chan branchResult, len(branches))
	for i, b := range branches {
		go func(i int, b *branch) {
			for {
				select {
				case res, ok := <-b.tx.Responses():
					if !ok {
						results <- branchResult{idx: i}
						return
					}
					if res.StatusCode < 200 {
						if onProvisional != nil {
							onProvisional(res)
						}
						continue
					}
					results <- branchResult{idx: i, res: res}
					return
				case err := <-b.tx.Errors():
					results <- branchResult{idx: i, err: err}
					return
				case <-b.tx.Done():
					results <- branchResult{idx: i}
					return
				}
			}
		}(i, b)
	}

	var best *sip.Response
	var proxyAuth, wwwAuth []string
	pending := len(branches)

	for pending > 0 {
		r := <-results
		pending--
		if r.err != nil || r.res == nil {
			continue
		}

		if r.res.StatusCode >= 200 && r.res.StatusCode < 300 {
			for j, b := range branches {
				if j != r.idx {
					b.tx.Cancel()
				}
			}
			go drainRemaining(results, pending)
			return r.res, nil
		}

		if h := r.res.GetHeader("Proxy-Authenticate"); h != nil {
			proxyAuth = append(proxyAuth, h.Value())
		}
		if h := r.res.GetHeader("WWW-Authenticate"); h != nil {
			wwwAuth = append(wwwAuth, h.Value())
		}
		best = pickBest(best, r.res)
	}

	if best == nil {
		return nil, fmt.Errorf("proxy: no branch produced a response")
	}

	final := remapFinal(best)
	for _, v := range proxyAuth {
		final.AppendHeader(sip.NewHeader("Proxy-Authenticate", v))
	}
	for _, v := range wwwAuth {
		final.AppendHeader(sip.NewHeader("WWW-Authenticate", v))
	}
	return final, nil
}

func drainRemaining(results <-chan branchResult, pending int) {
	for i := 0; i < pending; i++ {
		<-results
	}
}

// pickBest applies RFC 3261 §16.7 rule 6: a 6xx always wins outright
// (callers that see one should stop forking further branches, which
// Fork does not model since all branches are already in flight by the
// time responses arrive); otherwise the lowest status code wins, with
// 401/407 preferred over other 4xx so their challenge headers survive
// into the aggregated response.
func pickBest(cur, candidate *sip.Response) *sip.Response {
	if cur == nil {
		return candidate
	}
	if cur.StatusCode >= 600 {
		return cur
	}
	if candidate.StatusCode >= 600 {
		return candidate
	}
	sameClass := candidate.StatusCode/100 == cur.StatusCode/100
	if sameClass && isAuthChallenge(candidate) && !isAuthChallenge(cur) {
		return candidate
	}
	if sameClass && isAuthChallenge(cur) && !isAuthChallenge(candidate) {
		return cur
	}
	if candidate.StatusCode < cur.StatusCode {
		return candidate
	}
	return cur
}

func isAuthChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// remapFinal applies the §16.7 rule 6 503->500 substitution: a single
// branch's 503 says nothing about whether other routes would succeed,
// so it must not be forwarded upstream verbatim.
func remapFinal(res *sip.Response) *sip.Response {
	if res.StatusCode != 503 {
		return res
	}
	out := res.Clone()
	out.StatusCode = 500
	out.Reason = "Internal Server Error"
	return out
}
