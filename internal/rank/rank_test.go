package rank

import (
	"testing"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
)

func TestRankS1ExactMatchRanksHighest(t *testing.T) {
	g := conceptgraph.New()
	g.Ingest(map[string]struct{}{"a": {}})
	g.Ingest(map[string]struct{}{"b": {}})
	g.Ingest(map[string]struct{}{"c": {}})

	p1 := interaction.New("P1", "", []float32{1, 0, 0, 0}, []string{"a"}, 1000)
	p2 := interaction.New("P2", "", []float32{0, 1, 0, 0}, []string{"b"}, 2000)
	p3 := interaction.New("P3", "", []float32{0, 0, 1, 0}, []string{"c"}, 3000)

	candidates := []Candidate{
		{Item: p1, ShortTerm: true},
		{Item: p2, ShortTerm: true},
		{Item: p3, ShortTerm: true},
	}

	queryEmb := []float32{1, 0, 0, 0}
	queryConcepts := map[string]struct{}{"a": {}}

	ranked, err := Rank(candidates, queryEmb, queryConcepts, g, DefaultWeights(), 0, 3)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 results, got %d", len(ranked))
	}
	if ranked[0].Item.Prompt != "P1" {
		t.Fatalf("expected P1 ranked first, got %s", ranked[0].Item.Prompt)
	}
	if ranked[0].Final < 95 {
		t.Fatalf("expected P1 final score >= 95, got %v", ranked[0].Final)
	}
	if ranked[0].Similarity != 100 {
		t.Fatalf("expected sim=100, got %v", ranked[0].Similarity)
	}
}

func TestRankThresholdDropsLowScores(t *testing.T) {
	g := conceptgraph.New()
	a := interaction.New("A", "", []float32{1, 0}, nil, 1000)
	b := interaction.New("B", "", []float32{-1, 0}, nil, 1000)

	candidates := []Candidate{{Item: a, ShortTerm: false}, {Item: b, ShortTerm: false}}
	ranked, err := Rank(candidates, []float32{1, 0}, nil, g, DefaultWeights(), 50, 3)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for _, r := range ranked {
		if r.Final < 50 {
			t.Fatalf("found result below threshold: %v", r.Final)
		}
	}
	found := false
	for _, r := range ranked {
		if r.Item.ID == b.ID {
			found = true
		}
	}
	if found {
		t.Fatal("expected opposite-direction vector to be dropped by threshold")
	}
}

func TestRankTieBreaksByTimestampThenID(t *testing.T) {
	g := conceptgraph.New()
	older := interaction.New("X", "", []float32{1, 0}, nil, 1000)
	newer := interaction.New("X", "", []float32{1, 0}, nil, 2000)

	candidates := []Candidate{{Item: older, ShortTerm: false}, {Item: newer, ShortTerm: false}}
	ranked, err := Rank(candidates, []float32{1, 0}, nil, g, DefaultWeights(), 0, 3)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if ranked[0].Item.TimestampMs != 2000 {
		t.Fatalf("expected newer timestamp first on tie, got %d", ranked[0].Item.TimestampMs)
	}
}

func TestRankReinforcementOnlyAppliesToShortTerm(t *testing.T) {
	g := conceptgraph.New()
	it := interaction.New("R", "", []float32{1}, nil, 1000)
	it.AccessCount = 10

	longCandidate := Candidate{Item: it, ShortTerm: false}
	ranked, err := Rank([]Candidate{longCandidate}, []float32{1}, nil, g, DefaultWeights(), 0, 3)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if ranked[0].Reinforce != 0 {
		t.Fatalf("expected reinforce=0 for long-term candidate, got %v", ranked[0].Reinforce)
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights should validate: %v", err)
	}
	bad := Weights{Similarity: 0.5, ConceptOverlap: 0.5, Decay: 0.5, Reinforcement: 0.5}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for weights not summing to 1")
	}
}
