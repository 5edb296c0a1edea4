package callproc

import (
	"context"
	"errors"

	"github.com/nksip-go/core/auth"
	"github.com/nksip-go/core/dialog"
	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/proxy"
	"github.com/nksip-go/core/sip"
	"github.com/nksip-go/core/transaction"
)

// handleRequest is the actor's entry point for an inbound request.
// Retransmissions and in-flight CANCELs are matched against the
// existing server-transaction table first; only a genuinely new request
// reaches Router.
func (p *Proc) handleRequest(req *sip.Request) {
	key, err := transaction.ServerKey(req)
	if err != nil {
		p.log.Warn("dropping request with unparseable transaction key", "err", err)
		return
	}

	p.mu.Lock()
	tx, exists := p.serverTxs[key]
	p.mu.Unlock()

	if req.IsCancel() {
		p.handleCancel(req, tx)
		return
	}

	if exists {
		tx.Receive(req)
		return
	}

	tx = transaction.NewServerTx(key, req, p.cfg.Transport, p.cfg.Clock, p.cfg.Timers)
	tx.OnTerminate(func(k string) {
		p.mu.Lock()
		delete(p.serverTxs, k)
		p.mu.Unlock()
		p.post(event{kind: eventRecheckIdle})
	})
	p.mu.Lock()
	p.serverTxs[key] = tx
	p.mu.Unlock()
	if err := tx.Init(); err != nil {
		p.log.Warn("server transaction init failed", "err", err)
		return
	}

	if req.Method == sip.REGISTER {
		p.handleRegister(tx, req)
		return
	}

	if d, err := p.dialogs.HandleInDialogRequest(req, dialog.RoleUAS); err == nil {
		p.handleInDialog(tx, req, d)
		return
	} else if !errors.Is(err, dialog.ErrNotFound) {
		p.log.Warn("in-dialog request rejected", "err", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	p.handleNewRequest(tx, req)
}

// handleCancel implements §5's cancellation contract on the UAS side: a
// CANCEL only does anything while the INVITE server transaction it
// names is still Proceeding. There is no separate formal transaction
// kept for the CANCEL itself (a deliberate simplification over RFC
// 3261's literal model, recorded in DESIGN.md): its 200 OK is written
// straight to the transport instead.
func (p *Proc) handleCancel(req *sip.Request, invite *transaction.ServerTx) {
	if invite == nil || invite.State() != transaction.Proceeding {
		p.sendDirect(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	p.sendDirect(req, sip.StatusOK, "OK")
	invite.Receive(req)
	p.proxy.CancelAll()
	final := sip.NewResponseFromRequest(invite.Origin(), sip.StatusRequestTerminated, "Request Terminated", nil)
	_ = invite.Respond(final)
}

// sendDirect writes a response straight to the transport, bypassing any
// ServerTx — used for the CANCEL's own 200/481, which RFC 3261 §9.2
// treats as outside any formal transaction.
func (p *Proc) sendDirect(req *sip.Request, statusCode int, reason string) {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	if err := p.cfg.Transport.Send(context.Background(), res.Transport(), res.Destination(), res); err != nil {
		p.log.Warn("failed to send direct response", "err", err)
	}
}

func (p *Proc) handleRegister(tx *transaction.ServerTx, req *sip.Request) {
	if p.cfg.Registrar == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "No Registrar Configured", nil))
		return
	}
	if p.cfg.Authenticator != nil {
		chal, err := p.cfg.Authenticator.Check(context.Background(), req)
		if err != nil {
			p.log.Warn("authenticator error", "err", err)
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Authenticator Error", nil))
			return
		}
		if chal != nil {
			_ = tx.Respond(challengeResponse(req, chal))
			return
		}
	}
	res, err := p.cfg.Registrar.Register(context.Background(), req)
	if err != nil {
		p.log.Warn("registrar returned an error", "err", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Registrar Error", nil))
		return
	}
	_ = tx.Respond(res)
}

// challengeResponse builds the 401/407 carrying the rendered
// WWW-Authenticate/Proxy-Authenticate header an Authenticator's
// Challenge describes.
func challengeResponse(req *sip.Request, chal *ports.Challenge) *sip.Response {
	res := sip.NewResponseFromRequest(req, chal.StatusCode, sip.StatusReason(chal.StatusCode), nil)
	headerName := "WWW-Authenticate"
	if chal.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	res.AppendHeader(sip.NewHeader(headerName, auth.BuildChallengeHeader(chal)))
	return res
}

func (p *Proc) handleInDialog(tx *transaction.ServerTx, req *sip.Request, d *dialog.Dialog) {
	if req.Method == sip.BYE {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		return
	}
	// Any other in-dialog method (re-INVITE, UPDATE, INFO, ...) is left
	// parked on its ServerTx: the embedding program answers it later via
	// Proc.Respond, the same as a fresh `process` verdict.
	_ = d
}

func (p *Proc) handleNewRequest(tx *transaction.ServerTx, req *sip.Request) {
	call := &ports.Call{CallID: p.callID}
	verdict, err := p.route.Route(context.Background(), req, call)
	if err != nil {
		p.log.Warn("router rejected verdict", "err", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Routing Error", nil))
		return
	}

	switch verdict.Kind {
	case ports.VerdictProcess:
		if verdict.Response != nil {
			_ = tx.Respond(verdict.Response)
		}
		// else: parked, answered later via Proc.Respond.
	case ports.VerdictReply, ports.VerdictReplyStateless:
		_ = tx.Respond(verdict.Response)
	case ports.VerdictProxyTo:
		p.startFork(tx, req, verdict.Targets, verdict.Opts)
	case ports.VerdictProxyRURI:
		p.startFork(tx, req, []sip.Uri{req.Recipient}, verdict.Opts)
	}
}

// startFork runs the fork on its own goroutine instead of inline so the
// actor loop keeps draining its inbox (in particular, a CANCEL for this
// same transaction) while branches are still ringing.
func (p *Proc) startFork(tx *transaction.ServerTx, req *sip.Request, targets []sip.Uri, opts ports.ProxyOpts) {
	key := tx.Key()
	onProvisional := func(res *sip.Response) {
		if err := tx.Respond(res); err != nil {
			p.log.Warn("failed to relay provisional response", "err", err)
		}
	}
	go func() {
		res, err := p.proxy.Fork(context.Background(), req, targets, opts, onProvisional)
		p.post(event{kind: eventForkDone, serverKey: key, res: res, forkErr: err})
	}()
}

func (p *Proc) handleForkDone(serverKey string, res *sip.Response, err error) {
	p.mu.Lock()
	tx, ok := p.serverTxs[serverKey]
	p.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		code, reason := forkErrorResponse(err)
		_ = tx.Respond(sip.NewResponseFromRequest(tx.Origin(), code, reason, nil))
		return
	}
	_ = tx.Respond(res)
}

func forkErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, proxy.ErrTooManyHops):
		return sip.StatusTooManyHops, "Too Many Hops"
	case errors.Is(err, proxy.ErrLoopDetected):
		return sip.StatusLoopDetected, "Loop Detected"
	default:
		return sip.StatusInternalServerError, "Proxy Error"
	}
}

// handleResponse routes an inbound response to whichever branch or
// client transaction it matches: fork branches first (Engine.Receive
// only recognizes keys it created), then this Proc's own client
// transactions for requests it sent directly (e.g. its own REGISTER or
// OPTIONS probes, not forked on anyone's behalf).
func (p *Proc) handleResponse(res *sip.Response) {
	if p.proxy.Receive(res) {
		return
	}
	key, err := transaction.ClientKey(res)
	if err != nil {
		p.log.Warn("dropping response with unparseable transaction key", "err", err)
		return
	}
	p.mu.Lock()
	tx, ok := p.clientTxs[key]
	p.mu.Unlock()
	if !ok {
		p.log.Debug("no matching client transaction for response", "key", key)
		return
	}
	tx.Receive(res)
}
