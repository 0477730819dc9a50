// Package interaction defines the Interaction record (C2): an
// immutable-on-create value carrying a prompt/output pair, its embedding,
// its extracted concepts, and the access bookkeeping the ranker and tier
// machinery mutate over its lifetime.
package interaction

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// DefaultLambdaPerSecond is decay_lambda_per_second's default, ≈ 1/(7 days).
const DefaultLambdaPerSecond = 1.0 / (7 * 24 * 60 * 60)

// Interaction is a single stored (prompt, output) pair plus its embedding,
// concepts, and access history.
type Interaction struct {
	ID           string
	ShortID      string
	Prompt       string
	Output       string
	Embedding    []float32
	Concepts     map[string]struct{}
	TimestampMs  int64
	AccessCount  uint32
	LastAccessMs int64
	DecayFactor  float32
}

// New constructs an Interaction with a fresh UUID v4 id, access_count=1,
// and decay_factor=1.0, per §4.2. concepts is normalized (lower-cased,
// trimmed, deduplicated) before storage.
func New(prompt, output string, embedding []float32, concepts []string, nowMs int64) *Interaction {
	id := uuid.New().String()
	return &Interaction{
		ID:           id,
		ShortID:      shortID(id),
		Prompt:       prompt,
		Output:       output,
		Embedding:    embedding,
		Concepts:     normalizeConcepts(concepts),
		TimestampMs:  nowMs,
		AccessCount:  1,
		LastAccessMs: nowMs,
		DecayFactor:  1.0,
	}
}

// Touch records an access at nowMs: increments AccessCount, updates
// LastAccessMs, and recomputes DecayFactor = exp(-lambda * age_seconds).
func (it *Interaction) Touch(nowMs int64, lambdaPerSecond float64) {
	it.AccessCount++
	it.LastAccessMs = nowMs
	it.DecayFactor = DecayFactor(it.TimestampMs, nowMs, lambdaPerSecond)
}

// DecayFactor computes exp(-lambda * age_seconds), clamped to (0, 1].
// Exported so callers that refresh decay across a whole tier without
// recording an access (§4.4's refresh_decay pass) can reuse it directly.
func DecayFactor(timestampMs, nowMs int64, lambdaPerSecond float64) float32 {
	ageSeconds := float64(nowMs-timestampMs) / 1000.0
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	df := float32(math.Exp(-lambdaPerSecond * ageSeconds))
	if df <= 0 {
		df = math.SmallestNonzeroFloat32
	}
	if df > 1 {
		df = 1
	}
	return df
}

// ConceptSet returns the interaction's concepts as a sorted slice, handy
// for deterministic logging and tests.
func (it *Interaction) ConceptSet() []string {
	out := make([]string, 0, len(it.Concepts))
	for c := range it.Concepts {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func normalizeConcepts(concepts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(concepts))
	for _, c := range concepts {
		n := strings.ToLower(strings.TrimSpace(c))
		if n == "" {
			continue
		}
		out[n] = struct{}{}
	}
	return out
}

// shortID derives a short, human-referenceable id from the full UUID,
// grounded on the teacher's habit of pairing a full id with a short one
// for logs and CLI output.
func shortID(id string) string {
	sum := blake3.Sum256([]byte(id))
	return fmt.Sprintf("%x", sum[:4])
}
