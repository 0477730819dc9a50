// Package rank implements the hybrid retrieval ranker (C6): it combines
// cosine similarity, concept overlap, temporal decay, and reinforcement
// into a single final score, applies a threshold, and sorts with the
// documented tie-breaks.
package rank

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/sememerr"
	"github.com/vthunder/bud2/internal/vector"
)

// Weights are the four ranking coefficients, which must sum to 1 (within
// epsilon).
type Weights struct {
	Similarity    float64
	ConceptOverlap float64
	Decay         float64
	Reinforcement float64
}

const weightSumEpsilon = 1e-6

// DefaultWeights returns the spec's default ranking weights.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.55, ConceptOverlap: 0.25, Decay: 0.15, Reinforcement: 0.05}
}

// Validate checks that the weights sum to 1 within epsilon.
func (w Weights) Validate() error {
	sum := w.Similarity + w.ConceptOverlap + w.Decay + w.Reinforcement
	if sum < 1-weightSumEpsilon || sum > 1+weightSumEpsilon {
		return sememerr.Invalid("ranking_weights must sum to 1")
	}
	return nil
}

func (w Weights) slice() []float64 {
	return []float64{w.Similarity, w.ConceptOverlap, w.Decay, w.Reinforcement}
}

// Candidate is one interaction eligible for ranking, along with which tier
// it currently lives in (reinforcement only applies to short-term items).
type Candidate struct {
	Item      *interaction.Interaction
	ShortTerm bool
}

// Ranked is one scored, ordered retrieval result.
type Ranked struct {
	Item       *interaction.Interaction
	Similarity float32 // [0, 100]
	Concept    float32 // [0, 100]
	Decay      float32 // [0, 100]
	Reinforce  float32 // [0, 100]
	Final      float64 // [0, 100]
}

// Rank scores every candidate against queryEmbedding/queryConcepts,
// dropping anything below thresholdPct, then sorts descending by final
// score with ties broken by newer timestamp then lexicographic id.
// promotionAccessThreshold is T_access from §4.4, used for the
// reinforcement term.
func Rank(
	candidates []Candidate,
	queryEmbedding []float32,
	queryConcepts map[string]struct{},
	graph *conceptgraph.Graph,
	weights Weights,
	thresholdPct float64,
	promotionAccessThreshold int,
) ([]Ranked, error) {
	out := make([]Ranked, 0, len(candidates))
	w := weights.slice()

	for _, c := range candidates {
		sim, err := vector.Cosine(queryEmbedding, c.Item.Embedding)
		if err != nil {
			return nil, err
		}
		simPct := (sim + 1) * 50

		conceptScore := graph.OverlapScore(queryConcepts, c.Item.Concepts) * 100

		decayPct := c.Item.DecayFactor * 100

		var reinforcePct float32
		if c.ShortTerm && promotionAccessThreshold > 0 {
			ratio := float32(c.Item.AccessCount) / float32(promotionAccessThreshold)
			if ratio > 1 {
				ratio = 1
			}
			reinforcePct = ratio * 100
		}

		scores := []float64{float64(simPct), float64(conceptScore), float64(decayPct), float64(reinforcePct)}
		final := floats.Dot(w, scores)

		if final < thresholdPct {
			continue
		}

		out = append(out, Ranked{
			Item:       c.Item,
			Similarity: simPct,
			Concept:    conceptScore,
			Decay:      decayPct,
			Reinforce:  reinforcePct,
			Final:      final,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Final != out[j].Final {
			return out[i].Final > out[j].Final
		}
		if out[i].Item.TimestampMs != out[j].Item.TimestampMs {
			return out[i].Item.TimestampMs > out[j].Item.TimestampMs
		}
		return out[i].Item.ID < out[j].Item.ID
	})

	return out, nil
}
