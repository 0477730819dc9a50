// Package memstore implements an in-memory, no-op-durability StorageBackend,
// used by tests and the §4.8 "three conforming backends" contract's
// simplest case. Nothing here survives process restart; round-trip tests
// (S5) instead reuse the same *Backend value for a second manager's Init,
// without disposing the first one: Close (which Manager.Dispose calls)
// marks the backend closed, after which Load and Append fail.
package memstore

import (
	"context"
	"sync"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/sememerr"
	"github.com/vthunder/bud2/internal/storage"
)

type record struct {
	item *interaction.Interaction
	tier storage.Tier
}

// Backend is an in-memory storage.Backend implementation.
type Backend struct {
	mu      sync.Mutex
	records map[string]record
	graph   conceptgraph.Snapshot
	closed  bool
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string]record)}
}

func (b *Backend) Load(ctx context.Context) (storage.PersistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.PersistedState{}, sememerr.New(sememerr.StorageError, "memstore: closed")
	}
	var st storage.PersistedState
	for _, r := range b.records {
		switch r.tier {
		case storage.ShortTerm:
			st.ShortTerm = append(st.ShortTerm, r.item)
		case storage.LongTerm:
			st.LongTerm = append(st.LongTerm, r.item)
		}
	}
	st.Graph = b.graph
	return st, nil
}

func (b *Backend) Append(ctx context.Context, it *interaction.Interaction, tier storage.Tier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sememerr.New(sememerr.StorageError, "memstore: closed")
	}
	b.records[it.ID] = record{item: it, tier: tier}
	return nil
}

func (b *Backend) Promote(ctx context.Context, id string, from, to storage.Tier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return sememerr.New(sememerr.StorageError, "memstore: promote: unknown id "+id)
	}
	r.tier = to
	b.records[id] = r
	return nil
}

func (b *Backend) UpdateAccess(ctx context.Context, id string, accessCount uint32, lastAccessMs int64, decayFactor float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return nil // best-effort per §4.8
	}
	r.item.AccessCount = accessCount
	r.item.LastAccessMs = lastAccessMs
	r.item.DecayFactor = decayFactor
	return nil
}

func (b *Backend) Purge(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

func (b *Backend) SaveGraph(ctx context.Context, snap conceptgraph.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.graph = snap
	return nil
}

func (b *Backend) Verify(ctx context.Context) error {
	return nil
}

func (b *Backend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]record)
	b.graph = conceptgraph.Snapshot{}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
