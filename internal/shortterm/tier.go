// Package shortterm implements the bounded, ordered short-term tier (C4).
// It is deliberately a dumb container: insertion order, capacity, and
// lookup only. Promotion/eviction policy decisions live in internal/manager,
// which owns the tier and the concept graph both.
package shortterm

import "github.com/vthunder/bud2/internal/interaction"

// Tier is an insertion-ordered, capacity-bounded sequence of interactions.
// Not safe for concurrent use; callers serialize access (the manager's
// single-writer rule, §5).
type Tier struct {
	capacity int
	items    []*interaction.Interaction
	index    map[string]int // id -> position in items
}

// New returns an empty Tier with the given capacity.
func New(capacity int) *Tier {
	return &Tier{
		capacity: capacity,
		items:    make([]*interaction.Interaction, 0, capacity),
		index:    make(map[string]int, capacity),
	}
}

// IsFull reports whether the tier is at capacity.
func (t *Tier) IsFull() bool {
	return len(t.items) >= t.capacity
}

// Append adds it to the end of the tier. Callers must check IsFull first
// and run the overflow policy (promote-or-evict) if needed; Append itself
// does not enforce capacity.
func (t *Tier) Append(it *interaction.Interaction) {
	t.index[it.ID] = len(t.items)
	t.items = append(t.items, it)
}

// EvictOldest removes and returns the oldest (index 0) item, or nil if
// empty.
func (t *Tier) EvictOldest() *interaction.Interaction {
	if len(t.items) == 0 {
		return nil
	}
	return t.RemoveAt(0)
}

// RemoveAt removes and returns the item at position idx, shifting later
// items down and reindexing. Returns nil if idx is out of range.
func (t *Tier) RemoveAt(idx int) *interaction.Interaction {
	if idx < 0 || idx >= len(t.items) {
		return nil
	}
	it := t.items[idx]
	t.items = append(t.items[:idx], t.items[idx+1:]...)
	delete(t.index, it.ID)
	for i := idx; i < len(t.items); i++ {
		t.index[t.items[i].ID] = i
	}
	return it
}

// Items returns the tier's contents in insertion order. Callers must not
// mutate the returned slice's backing array.
func (t *Tier) Items() []*interaction.Interaction {
	return t.items
}

// Len returns the number of items currently held.
func (t *Tier) Len() int {
	return len(t.items)
}

// Get returns the interaction with the given id and its index, or
// (nil, -1) if absent.
func (t *Tier) Get(id string) (*interaction.Interaction, int) {
	idx, ok := t.index[id]
	if !ok {
		return nil, -1
	}
	return t.items[idx], idx
}

// IndexOf returns the position of id in insertion order, or -1 if absent.
func (t *Tier) IndexOf(id string) int {
	idx, ok := t.index[id]
	if !ok {
		return -1
	}
	return idx
}

// Capacity returns the tier's configured capacity.
func (t *Tier) Capacity() int {
	return t.capacity
}
