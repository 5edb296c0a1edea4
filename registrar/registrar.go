// Package registrar implements the RFC 3261 §10 location service: an
// AOR-to-contact binding store with expiry, reg-id/Outbound bookkeeping
// (RFC 5626) and GRUU minting/invalidation (RFC 5627). One Registrar
// instance is shared across CallProcs, sharded internally by AOR so a
// busy AOR never serializes lookups for another.
package registrar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

// DefaultExpires is used when neither the contact nor the request carries
// an Expires value.
const DefaultExpires = 3600 * time.Second

// DefaultSweepInterval is how often expired bindings are purged in the
// background, on top of the lazy removal Find and Register both do.
const DefaultSweepInterval = 30 * time.Second

// RegContact is one bound contact under an AOR.
type RegContact struct {
	URI         sip.Uri
	ExpiresAt   time.Time
	CallID      string
	CSeq        uint32
	InstanceKey string // hash of +sip.instance, empty if absent
	RegID       string // RFC 5626 reg-id, empty if absent
	PubGRUU     sip.Uri
	TempGRUU    sip.Uri
	hasGRUU     bool
}

func (c *RegContact) bindingKey() string { return c.InstanceKey + "|" + c.RegID }

func (c *RegContact) expired(now time.Time) bool { return !c.ExpiresAt.After(now) }

// Registrar is the binding store plus GRUU index.
type Registrar struct {
	backend Backend
	clock   ports.Clock

	mu          sync.Mutex
	gruuIndex   map[string]string // gruu URI string -> AOR
	sweepCancel ports.Timer
}

// New builds a Registrar over backend, using clock for expiry and the
// periodic sweep. Call Start to begin the sweep loop.
func New(backend Backend, clock ports.Clock) *Registrar {
	return &Registrar{
		backend:   backend,
		clock:     clock,
		gruuIndex: make(map[string]string),
	}
}

// Start schedules the periodic expired-binding sweep. Calling Start twice
// without a Stop in between leaks the first timer.
func (r *Registrar) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	var tick func()
	tick = func() {
		r.sweep()
		r.mu.Lock()
		r.sweepCancel = r.clock.AfterFunc(interval, tick)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.sweepCancel = r.clock.AfterFunc(interval, tick)
	r.mu.Unlock()
}

// Stop cancels the periodic sweep.
func (r *Registrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepCancel != nil {
		r.sweepCancel.Stop()
	}
}

func (r *Registrar) sweep() {
	if mb, ok := r.backend.(*MemoryBackend); ok {
		for _, aor := range mb.allAORs() {
			r.pruneExpired(aor)
		}
	}
}

func (r *Registrar) pruneExpired(aor string) []*RegContact {
	now := r.clock.Now()
	contacts, ok := r.backend.Get(aor)
	if !ok {
		return nil
	}
	live := contacts[:0:0]
	for _, c := range contacts {
		if c.expired(now) {
			r.dropGRUUs(c)
			continue
		}
		live = append(live, c)
	}
	r.backend.Put(aor, live)
	return live
}

func (r *Registrar) dropGRUUs(c *RegContact) {
	if !c.hasGRUU {
		return
	}
	r.mu.Lock()
	delete(r.gruuIndex, c.PubGRUU.String())
	delete(r.gruuIndex, c.TempGRUU.String())
	r.mu.Unlock()
}

// Find returns all live contacts for aor, most recently registered first,
// after lazily pruning anything expired.
func (r *Registrar) Find(aor string) []*RegContact {
	contacts := r.pruneExpired(aor)
	out := make([]*RegContact, len(contacts))
	for i, c := range contacts {
		out[len(contacts)-1-i] = c
	}
	return out
}

// Count returns the number of contacts currently bound across every AOR,
// for the registrations-live metric. It does not prune expired entries
// first, so it may briefly overcount until the next sweep or lookup.
func (r *Registrar) Count() int { return r.backend.Count() }

// FindByGRUU returns the single contact bound to gruu, or nil.
func (r *Registrar) FindByGRUU(gruu sip.Uri) *RegContact {
	r.mu.Lock()
	aor, ok := r.gruuIndex[gruu.String()]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	for _, c := range r.pruneExpired(aor) {
		if c.PubGRUU.String() == gruu.String() || c.TempGRUU.String() == gruu.String() {
			return c
		}
	}
	return nil
}

// Register processes a REGISTER request per RFC 3261 §10.3 plus the
// RFC 5626 Outbound and RFC 5627 GRUU extensions, and returns the
// response to send back (never nil; errors are reported as a response
// status, not a Go error, except for malformed-message failures).
func (r *Registrar) Register(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	to := req.To()
	if to == nil {
		return nil, fmt.Errorf("registrar: request has no To header")
	}
	callIDH := req.CallID()
	if callIDH == nil {
		return nil, fmt.Errorf("registrar: request has no Call-ID header")
	}
	cseqH := req.CSeq()
	if cseqH == nil {
		return nil, fmt.Errorf("registrar: request has no CSeq header")
	}
	aor := canonicalAOR(to.Address)
	callID := string(*callIDH)

	reqExpires := DefaultExpires
	if h := req.GetHeader("Expires"); h != nil {
		// The wire parser has no typed Expires header (it has no
		// registered HeaderParser entry) and hands it back as a
		// GenericHeader; an *ExpiresHeader only ever appears on
		// headers this package builds itself.
		switch hv := h.(type) {
		case *sip.ExpiresHeader:
			reqExpires = time.Duration(*hv) * time.Second
		case *sip.GenericHeader:
			if secs, err := strconv.Atoi(strings.TrimSpace(hv.Contents)); err == nil {
				reqExpires = time.Duration(secs) * time.Second
			}
		}
	}

	contactHeaders := req.GetHeaders("Contact")
	if len(contactHeaders) == 0 {
		// RFC 3261 §10.3 step 10: a REGISTER with no Contact header is a
		// query for the AOR's current bindings, not a request to clear them.
		return r.replyWithBindings(req, aor, r.pruneExpired(aor))
	}

	existing, _ := r.backend.Get(aor)
	byKey := make(map[string]*RegContact, len(existing))
	order := make([]string, 0, len(existing))
	for _, c := range existing {
		byKey[c.bindingKey()] = c
		order = append(order, c.bindingKey())
	}

	now := r.clock.Now()
	var removeAll bool

	for _, h := range contactHeaders {
		ch, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		for hop := ch; hop != nil; hop = hop.Next {
			if hop.Address.Wildcard {
				removeAll = true
				continue
			}
			if isGRUU(hop.Address) {
				return r.rejectResponse(req, 403, "Use of GRUU as Contact")
			}

			expires := reqExpires
			if v, ok := hop.Params.Get("expires"); ok {
				if secs, err := strconv.Atoi(v); err == nil {
					expires = time.Duration(secs) * time.Second
				}
			}

			instance := unquote(hop.Params.GetOr("+sip.instance", ""))
			regID, hasRegID := hop.Params.Get("reg-id")
			if hasRegID && instance == "" {
				return r.rejectResponse(req, 439, "First Hop Lacks Outbound Support")
			}

			instKey := instanceKey(instance)
			key := instKey + "|" + regID

			if expires <= 0 {
				delete(byKey, key)
				continue
			}

			if prev, found := byKey[key]; found {
				if prev.CallID == callID {
					if cseqH.SeqNo <= prev.CSeq {
						return r.rejectResponse(req, 400, "Stale CSeq")
					}
				} else {
					r.invalidateTempGRUU(prev)
				}
			}

			rc := &RegContact{
				URI:         hop.Address,
				ExpiresAt:   now.Add(expires),
				CallID:      callID,
				CSeq:        cseqH.SeqNo,
				InstanceKey: instKey,
				RegID:       regID,
			}
			r.attachGRUU(rc, aor)
			if _, had := byKey[key]; !had {
				order = append(order, key)
			}
			byKey[key] = rc
		}
	}

	if removeAll {
		for k := range byKey {
			delete(byKey, k)
		}
	}

	merged := make([]*RegContact, 0, len(byKey))
	for _, k := range order {
		if c, ok := byKey[k]; ok {
			merged = append(merged, c)
			delete(byKey, k)
		}
	}
	r.backend.Put(aor, merged)

	return r.replyWithBindings(req, aor, merged)
}

// attachGRUU mints (or leaves unset, for instance-less contacts) the
// pub-gruu/temp-gruu pair for rc and registers them in the lookup index.
func (r *Registrar) attachGRUU(rc *RegContact, aor string) {
	if rc.InstanceKey == "" {
		return
	}
	domain := aorDomain(aor)
	rc.PubGRUU = pubGRUU(aorUser(aor), domain, rc.InstanceKey)
	rc.TempGRUU = tempGRUU(domain)
	rc.hasGRUU = true

	r.mu.Lock()
	r.gruuIndex[rc.PubGRUU.String()] = aor
	r.gruuIndex[rc.TempGRUU.String()] = aor
	r.mu.Unlock()
}

// invalidateTempGRUU drops prev's temp GRUU from the lookup index, per
// the "different Call-ID invalidates all prior temporary GRUUs" rule; its
// pub-gruu is left resolvable since that value is stable by construction.
func (r *Registrar) invalidateTempGRUU(prev *RegContact) {
	if !prev.hasGRUU {
		return
	}
	r.mu.Lock()
	delete(r.gruuIndex, prev.TempGRUU.String())
	r.mu.Unlock()
}

func (r *Registrar) rejectResponse(req *sip.Request, code int, reason string) (*sip.Response, error) {
	return sip.NewResponseFromRequest(req, code, reason, nil), nil
}

func (r *Registrar) replyWithBindings(req *sip.Request, aor string, contacts []*RegContact) (*sip.Response, error) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	now := r.clock.Now()
	for _, c := range contacts {
		remaining := int(c.ExpiresAt.Sub(now).Round(time.Second) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		params := sip.HeaderParams{{K: "expires", V: strconv.Itoa(remaining)}}
		if c.hasGRUU {
			params = append(params,
				sip.HeaderKV{K: "pub-gruu", V: "\"" + c.PubGRUU.String() + "\""},
				sip.HeaderKV{K: "temp-gruu", V: "\"" + c.TempGRUU.String() + "\""},
			)
		}
		res.AppendHeader(&sip.ContactHeader{Address: c.URI, Params: params})
	}
	return res, nil
}

func canonicalAOR(uri sip.Uri) string {
	return strings.ToLower(uri.User) + "@" + strings.ToLower(uri.Host)
}

func aorUser(aor string) string {
	user, _, _ := strings.Cut(aor, "@")
	return user
}

func aorDomain(aor string) string {
	_, domain, _ := strings.Cut(aor, "@")
	return domain
}

func unquote(s string) string {
	return strings.Trim(s, "\"")
}
