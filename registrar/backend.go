package registrar

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Backend is the storage port behind the Registrar, the generalization of
// {get, put, del, del_all} onto a Go interface so a persistent store can
// stand in for MemoryBackend without touching the binding logic above it.
type Backend interface {
	Get(aor string) ([]*RegContact, bool)
	Put(aor string, contacts []*RegContact)
	Del(aor string)
	DelAll()
	Count() int
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	bindings map[string][]*RegContact
}

// MemoryBackend is a sharded in-memory Backend, generalizing the
// transaction package's single-mutex transactionStore into N shards keyed
// by an xxhash of the AOR so one busy AOR never blocks lookups for
// another, matching the actor-per-AOR-hash model.
type MemoryBackend struct {
	shards [shardCount]*shard
}

// NewMemoryBackend returns an empty sharded binding store.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i] = &shard{bindings: make(map[string][]*RegContact)}
	}
	return b
}

func (b *MemoryBackend) shardFor(aor string) *shard {
	h := xxhash.Sum64String(aor)
	return b.shards[h%shardCount]
}

func (b *MemoryBackend) Get(aor string) ([]*RegContact, bool) {
	s := b.shardFor(aor)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.bindings[aor]
	return cs, ok
}

func (b *MemoryBackend) Put(aor string, contacts []*RegContact) {
	s := b.shardFor(aor)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(contacts) == 0 {
		delete(s.bindings, aor)
		return
	}
	s.bindings[aor] = contacts
}

func (b *MemoryBackend) Del(aor string) {
	s := b.shardFor(aor)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, aor)
}

func (b *MemoryBackend) DelAll() {
	for _, s := range b.shards {
		s.mu.Lock()
		s.bindings = make(map[string][]*RegContact)
		s.mu.Unlock()
	}
}

// Count returns the number of contacts bound across every AOR, for the
// registrations-live gauge.
func (b *MemoryBackend) Count() int {
	n := 0
	for _, s := range b.shards {
		s.mu.RLock()
		for _, cs := range s.bindings {
			n += len(cs)
		}
		s.mu.RUnlock()
	}
	return n
}

// allAORs is a test/sweep helper: it snapshots every AOR currently bound,
// shard by shard, without holding more than one shard lock at a time.
func (b *MemoryBackend) allAORs() []string {
	var out []string
	for _, s := range b.shards {
		s.mu.RLock()
		for aor := range s.bindings {
			out = append(out, aor)
		}
		s.mu.RUnlock()
	}
	return out
}
