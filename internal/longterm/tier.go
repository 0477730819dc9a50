// Package longterm implements the unbounded, read-mostly long-term tier
// (C5): interactions promoted from short-term, keyed by id.
package longterm

import (
	"sync"

	"github.com/vthunder/bud2/internal/interaction"
)

// Tier is an unordered set of interactions keyed by id. Safe for
// concurrent reads; writes (Add) are expected to be serialized by the
// manager's single-writer rule but the internal lock is kept anyway since
// retrieval scans read concurrently with stats/inspection calls.
type Tier struct {
	mu    sync.RWMutex
	items map[string]*interaction.Interaction
}

// New returns an empty long-term tier.
func New() *Tier {
	return &Tier{items: make(map[string]*interaction.Interaction)}
}

// Add inserts it, keyed by its id. Overwrites silently if the id already
// exists (should not happen under the id-uniqueness invariant).
func (t *Tier) Add(it *interaction.Interaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[it.ID] = it
}

// Get returns the interaction with the given id, or nil if absent.
func (t *Tier) Get(id string) *interaction.Interaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items[id]
}

// Remove deletes the interaction with the given id, for the purge admin
// operation.
func (t *Tier) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

// Items returns a snapshot slice of all interactions currently held. Order
// is unspecified.
func (t *Tier) Items() []*interaction.Interaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*interaction.Interaction, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, it)
	}
	return out
}

// Len returns the number of interactions held.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Clear removes all interactions.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[string]*interaction.Interaction)
}
