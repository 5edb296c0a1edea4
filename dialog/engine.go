package dialog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nksip-go/core/sip"
)

var (
	// ErrNotFound is returned when an in-dialog request or response
	// doesn't match any dialog this Engine is tracking.
	ErrNotFound = errors.New("dialog: no matching dialog")
	// ErrInvalidCSeq is returned when an in-dialog request's CSeq does
	// not exceed the last one accepted from that peer (RFC 3261 §12.2.2).
	ErrInvalidCSeq = errors.New("dialog: out-of-order CSeq")
)

// Engine is the dialog table for one CallProc: every dialog sharing that
// actor's Call-ID, keyed by (Call-ID, local tag, remote tag).
type Engine struct {
	mu      sync.Mutex
	dialogs map[string]*Dialog
}

// NewEngine returns an empty dialog table.
func NewEngine() *Engine {
	return &Engine{dialogs: make(map[string]*Dialog)}
}

// Get looks up a dialog by its ID.
func (e *Engine) Get(id string) (*Dialog, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.dialogs[id]
	return d, ok
}

// Len reports how many dialogs are currently tracked.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dialogs)
}

// OnUACResponse processes a response the UAC received to a dialog-creating
// request (INVITE or SUBSCRIBE). A provisional response with a To-tag
// creates or refreshes an Early dialog; a 2xx creates or confirms one.
// Non-dialog-creating responses (no To-tag, or a rejection) are ignored.
func (e *Engine) OnUACResponse(req *sip.Request, res *sip.Response) (*Dialog, error) {
	to := res.To()
	if to == nil {
		return nil, fmt.Errorf("dialog: response has no To header")
	}
	toTag, hasTag := to.Params.Get("tag")
	if !hasTag || toTag == "" {
		return nil, nil
	}
	if !res.IsProvisional() && !res.IsSuccess() {
		return nil, nil
	}

	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	d, exists := e.dialogs[id]
	if !exists {
		from := req.From()
		if from == nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("dialog: request has no From header")
		}
		fromTag, _ := from.Params.Get("tag")
		d = &Dialog{
			ID:        id,
			CallID:    string(*req.CallID()),
			Role:      RoleUAC,
			LocalURI:  from.Address,
			RemoteURI: to.Address,
			LocalTag:  fromTag,
			RemoteTag: toTag,
		}
		if c := req.Contact(); c != nil {
			d.LocalTarget = c.Address
		}
		d.localSeq.Store(req.CSeq().SeqNo)
		e.dialogs[id] = d
	}
	e.mu.Unlock()

	if c := res.Contact(); c != nil {
		d.RemoteTarget = c.Address
	}
	d.RouteSet = reverseRouteSet(res)

	if res.IsSuccess() {
		d.setState(Confirmed)
	} else {
		d.setState(Early)
	}
	return d, nil
}

// OnUASResponseSent mirrors OnUACResponse on the callee side: called once
// the UAS has attached a To-tag and is about to (or has just) sent a
// dialog-creating response.
func (e *Engine) OnUASResponseSent(req *sip.Request, res *sip.Response) (*Dialog, error) {
	to := res.To()
	if to == nil {
		return nil, fmt.Errorf("dialog: response has no To header")
	}
	toTag, hasTag := to.Params.Get("tag")
	if !hasTag || toTag == "" {
		return nil, nil
	}
	if !res.IsProvisional() && !res.IsSuccess() {
		return nil, nil
	}

	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	d, exists := e.dialogs[id]
	if !exists {
		from := req.From()
		if from == nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("dialog: request has no From header")
		}
		fromTag, _ := from.Params.Get("tag")
		d = &Dialog{
			ID:        id,
			CallID:    string(*req.CallID()),
			Role:      RoleUAS,
			LocalURI:  to.Address,
			RemoteURI: from.Address,
			LocalTag:  toTag,
			RemoteTag: fromTag,
		}
		if c := req.Contact(); c != nil {
			d.RemoteTarget = c.Address
		}
		d.remoteSeq.Store(req.CSeq().SeqNo)
		e.dialogs[id] = d
	}
	e.mu.Unlock()

	if c := res.Contact(); c != nil {
		d.LocalTarget = c.Address
	}
	d.RouteSet = routeSetInOrder(req)

	if res.IsSuccess() {
		d.setState(Confirmed)
	} else {
		d.setState(Early)
	}
	return d, nil
}

// HandleInDialogRequest matches an in-dialog request against the table,
// validates its CSeq, applies target refresh, and moves the dialog to
// Terminated on BYE. role is the Engine owner's own role in the dialog
// (RFC 3261 §12.2.2): the dialog ID the local tag/remote tag pair maps
// to depends on which side of the original exchange we were.
func (e *Engine) HandleInDialogRequest(req *sip.Request, role Role) (*Dialog, error) {
	var id string
	var err error
	if role == RoleUAC {
		id, err = sip.DialogIDFromRequestUAC(req)
	} else {
		id, err = sip.DialogIDFromRequestUAS(req)
	}
	if err != nil {
		return nil, err
	}

	d, ok := e.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	if req.IsAck() || req.IsCancel() {
		return d, nil
	}

	cseq := req.CSeq()
	if cseq == nil {
		return nil, fmt.Errorf("dialog: request has no CSeq header")
	}
	if last := d.remoteSeq.Load(); last != 0 && cseq.SeqNo <= last {
		return d, ErrInvalidCSeq
	}
	d.remoteSeq.Store(cseq.SeqNo)

	if c := req.Contact(); c != nil {
		d.RemoteTarget = c.Address
	}

	if req.Method == sip.BYE {
		d.setState(Terminated)
	}
	return d, nil
}

// Terminate moves a dialog to Terminated and drops it from the table.
func (e *Engine) Terminate(id string) {
	e.mu.Lock()
	d, ok := e.dialogs[id]
	delete(e.dialogs, id)
	e.mu.Unlock()
	if ok {
		d.setState(Terminated)
	}
}

// recordRouteURIs collects every Record-Route header on msg, in wire
// order, walking both repeated header lines and any single line's own
// Next chain.
func recordRouteURIs(msg sip.Message) []sip.Uri {
	var uris []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			uris = append(uris, hop.Address)
		}
	}
	return uris
}

// reverseRouteSet builds a UAC's route_set from msg's Record-Route
// headers in reverse order (RFC 3261 §12.1.2): the proxy closest to the
// UAS ends up first as recorded, but the UAC must route through it last.
func reverseRouteSet(msg sip.Message) []sip.Uri {
	uris := recordRouteURIs(msg)
	for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
		uris[i], uris[j] = uris[j], uris[i]
	}
	return uris
}

// routeSetInOrder builds a UAS's route_set from msg's Record-Route
// headers in the order they were recorded (RFC 3261 §12.1.1).
func routeSetInOrder(msg sip.Message) []sip.Uri {
	return recordRouteURIs(msg)
}
