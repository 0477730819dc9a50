// Package storage defines the pluggable durability contract (C8) that the
// memory manager depends on, plus the PersistedState shape every backend
// must round-trip without semantic loss. Concrete backends live in
// subpackages: memstore (in-memory, for tests), sqlitefile (cgo
// mattn/go-sqlite3), and sqlitepure (modernc.org/sqlite).
package storage

import (
	"context"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
)

// Tier names a backend uses to keep interactions associated with the tier
// they currently live in.
type Tier string

const (
	ShortTerm Tier = "short_term"
	LongTerm  Tier = "long_term"
)

// PersistedState is the serializable union of both tiers and the concept
// graph (§3). load() returns this; every mutating call updates it
// durably.
type PersistedState struct {
	ShortTerm []*interaction.Interaction
	LongTerm  []*interaction.Interaction
	Graph     conceptgraph.Snapshot
}

// Backend is the storage contract a manager depends on (§4.8). All
// methods must be atomic at interaction granularity; a failed mutating
// call must leave durable state exactly as it was before the call.
type Backend interface {
	// Load returns all interactions from both tiers and the persisted
	// concept graph. Called once during Initializing.
	Load(ctx context.Context) (PersistedState, error)

	// Append durably records a new interaction in the named tier.
	Append(ctx context.Context, it *interaction.Interaction, tier Tier) error

	// Promote moves an interaction between tiers. On failure the
	// caller must roll back the in-memory tier change.
	Promote(ctx context.Context, id string, from, to Tier) error

	// UpdateAccess records a touch()'s access_count/last_access_ms.
	// May be lossy under crash (best-effort) but must eventually
	// converge after a clean Dispose.
	UpdateAccess(ctx context.Context, id string, accessCount uint32, lastAccessMs int64, decayFactor float32) error

	// Purge removes the interaction from durable storage.
	Purge(ctx context.Context, id string) error

	// SaveGraph durably records the current concept graph snapshot.
	SaveGraph(ctx context.Context, snap conceptgraph.Snapshot) error

	// Verify is a cheap reachability check, invoked during Initializing.
	Verify(ctx context.Context) error

	// Clear purges all durable state. Admin operation, outside the hot
	// path.
	Clear(ctx context.Context) error

	// Close releases any resources (file handles, connections) held by
	// the backend. Idempotent.
	Close() error
}
