package callproc

import (
	"fmt"
	"sync"

	"github.com/nksip-go/core/sip"
)

// Registry is the single dispatch point "bytes → Parser → dispatch to
// CallProc by Call-ID" names: it looks a Call-ID up, spawning a Proc on
// first sight of a request for it, and forwards everything else to
// whatever Proc already owns that Call-ID. Nothing else in this module
// constructs a Proc directly.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*Proc
}

// NewRegistry builds an empty registry sharing cfg across every Proc it
// spawns.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg.withDefaults(),
		procs: make(map[string]*Proc),
	}
}

// Len reports how many Call-IDs currently have a live Proc.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Lookup returns the Proc for callID, if one is currently live.
func (r *Registry) Lookup(callID string) (*Proc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[callID]
	return p, ok
}

// HandleRequest dispatches req to its Call-ID's Proc, spawning one if
// this is the first request seen for that Call-ID.
func (r *Registry) HandleRequest(req *sip.Request) error {
	callID := req.CallID()
	if callID == nil {
		return fmt.Errorf("callproc: request has no Call-ID")
	}
	r.procOrSpawn(string(*callID)).Post(req)
	return nil
}

// HandleResponse dispatches res to its Call-ID's Proc. Unlike a request,
// a response for a Call-ID with no live Proc is simply dropped: nothing
// this core sent is still waiting for it.
func (r *Registry) HandleResponse(res *sip.Response) {
	callID := res.CallID()
	if callID == nil {
		return
	}
	if p, ok := r.Lookup(string(*callID)); ok {
		p.PostResponse(res)
	}
}

func (r *Registry) procOrSpawn(callID string) *Proc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[callID]; ok {
		return p
	}
	p := New(callID, r.cfg)
	p.OnTerminate(func(id string) {
		r.mu.Lock()
		delete(r.procs, id)
		r.mu.Unlock()
	})
	r.procs[callID] = p
	return p
}

// Shutdown tells every live Proc to drain and exit (§5).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	procs := make([]*Proc, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		p.Shutdown()
	}
}
