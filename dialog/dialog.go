// Package dialog implements RFC 3261 §12 dialog tracking: identity by
// (Call-ID, local tag, remote tag), route-set recording, target refresh,
// and the Early/Confirmed/Terminated lifecycle. One Engine is owned by
// each CallProc (nksip-go/core/callproc), never shared across Call-IDs.
package dialog

import (
	"sync"
	"sync/atomic"

	"github.com/nksip-go/core/sip"
)

// State is a dialog's RFC 3261 §12 lifecycle state.
type State int

const (
	Early State = iota
	Confirmed
	Terminated
)

func (s State) String() string {
	switch s {
	case Early:
		return "Early"
	case Confirmed:
		return "Confirmed"
	case Terminated:
		return "Terminated"
	}
	return "Unknown"
}

// Role records which side of the INVITE exchange created a dialog, since
// the dialog-ID tag order for an in-dialog request differs by role (the
// sender's tag lands in From for whichever party currently speaks).
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

// Dialog is one RFC 3261 §12 dialog: the identity the core uses to route
// in-dialog requests, whichever of INVITE/SUBSCRIBE started it.
type Dialog struct {
	ID     string
	CallID string
	Role   Role

	LocalURI, RemoteURI       sip.Uri
	LocalTag, RemoteTag       string
	LocalTarget, RemoteTarget sip.Uri
	RouteSet                  []sip.Uri
	Secure                    bool

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	mu    sync.Mutex
	state State
	onState func(State)
}

// State reports the dialog's current lifecycle state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnState registers a callback fired (synchronously, under no lock) on
// every state transition, last-registered called first, matching the
// chaining teacher's Dialog.OnState does for its own subscribers.
func (d *Dialog) OnState(f func(State)) {
	d.mu.Lock()
	prev := d.onState
	if prev == nil {
		d.onState = f
	} else {
		d.onState = func(s State) {
			f(s)
			prev(s)
		}
	}
	d.mu.Unlock()
}

func (d *Dialog) setState(s State) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	// Terminated is absorbing: never let a late provisional response
	// reopen a dialog that already saw a BYE.
	if d.state == Terminated {
		d.mu.Unlock()
		return
	}
	d.state = s
	cb := d.onState
	d.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// NextLocalSeq returns the next CSeq sequence number to use for a request
// this side originates within the dialog, per RFC 3261 §12.2.1.1.
func (d *Dialog) NextLocalSeq() uint32 {
	return d.localSeq.Add(1)
}

// RemoteSeq is the CSeq of the last in-dialog request accepted from the
// peer, used to detect out-of-order or replayed requests.
func (d *Dialog) RemoteSeq() uint32 {
	return d.remoteSeq.Load()
}

// RouteSetHeaders builds a Route header chain from RouteSet, in list
// order, for use on an in-dialog request (RFC 3261 §12.2.1.1).
func (d *Dialog) RouteSetHeaders() *sip.RouteHeader {
	var head, tail *sip.RouteHeader
	for _, uri := range d.RouteSet {
		h := &sip.RouteHeader{Address: uri}
		if head == nil {
			head = h
		} else {
			tail.Next = h
		}
		tail = h
	}
	return head
}
