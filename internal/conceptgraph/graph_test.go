package conceptgraph

import "testing"

func set(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

func TestIngestFrequenciesAndEdges(t *testing.T) {
	g := New()
	g.Ingest(set("x", "y"))
	g.Ingest(set("y", "z"))

	if got := g.freq["x"]; got != 1 {
		t.Fatalf("freq(x) = %d, want 1", got)
	}
	if got := g.freq["y"]; got != 2 {
		t.Fatalf("freq(y) = %d, want 2", got)
	}
	if got := g.freq["z"]; got != 1 {
		t.Fatalf("freq(z) = %d, want 1", got)
	}
	if got := g.edges[newEdgeKey("x", "y")]; got != 1 {
		t.Fatalf("edge(x,y) = %d, want 1", got)
	}
	if got := g.edges[newEdgeKey("y", "z")]; got != 1 {
		t.Fatalf("edge(y,z) = %d, want 1", got)
	}
	if _, ok := g.edges[newEdgeKey("x", "z")]; ok {
		t.Fatal("edge(x,z) should not exist")
	}
}

func TestRelatedRanksHighestWeightFirst(t *testing.T) {
	g := New()
	g.Ingest(set("x", "y"))
	g.Ingest(set("y", "z"))

	related := g.Related("x", 1)
	if len(related) != 1 || related[0].Concept != "y" {
		t.Fatalf("expected [y], got %v", related)
	}
}

func TestEdgeWeightNeverExceedsMinFreq(t *testing.T) {
	g := New()
	for i := 0; i < 5; i++ {
		g.Ingest(set("a", "b"))
	}
	g.Ingest(set("a", "c"))

	freqA, freqB := g.freq["a"], g.freq["b"]
	min := freqA
	if freqB < min {
		min = freqB
	}
	if w := g.edges[newEdgeKey("a", "b")]; w > min {
		t.Fatalf("edge_weight(a,b)=%d exceeds min(freq(a),freq(b))=%d", w, min)
	}
}

func TestOverlapScoreEmptySetsAreZero(t *testing.T) {
	g := New()
	g.Ingest(set("a", "b"))
	if s := g.OverlapScore(set(), set("a")); s != 0 {
		t.Fatalf("expected 0 for empty query set, got %v", s)
	}
	if s := g.OverlapScore(set("a"), set()); s != 0 {
		t.Fatalf("expected 0 for empty target set, got %v", s)
	}
}

func TestOverlapScoreDirectMatch(t *testing.T) {
	g := New()
	g.Ingest(set("a", "b"))
	s := g.OverlapScore(set("a"), set("a"))
	if s != 1 {
		t.Fatalf("expected 1 for identical single-concept sets, got %v", s)
	}
}

func TestOverlapScoreClippedToOne(t *testing.T) {
	g := New()
	g.Ingest(set("a", "b", "c"))
	s := g.OverlapScore(set("a", "b", "c"), set("a", "b", "c"))
	if s > 1 {
		t.Fatalf("expected score clipped to <=1, got %v", s)
	}
}

func TestHighFrequencyConceptsEmptyForSmallGraph(t *testing.T) {
	g := New()
	g.Ingest(set("a", "b"))
	g.Ingest(set("b", "c"))
	if hf := g.HighFrequencyConcepts(); len(hf) != 0 {
		t.Fatalf("expected no high-frequency concepts for a 3-node graph, got %v", hf)
	}
}

func TestHighFrequencyConceptsTopOfLargeGraph(t *testing.T) {
	g := New()
	// 40 distinct concepts, each co-occurring with "hub" so "hub" ends up
	// with the highest frequency by far.
	for i := 0; i < 40; i++ {
		g.Ingest(set("hub", string(rune('a'+i%26))+string(rune('A'+i/26))))
	}
	hf := g.HighFrequencyConcepts()
	if len(hf) == 0 {
		t.Fatal("expected a non-empty high-frequency set for a 41-node graph")
	}
	if _, ok := hf["hub"]; !ok {
		t.Fatalf("expected hub to be the top high-frequency concept, got %v", hf)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := New()
	g.Ingest(set("a", "b"))
	g.Ingest(set("b", "c"))
	snap := g.Snapshot()

	g2 := New()
	g2.LoadSnapshot(snap)

	if g2.freq["b"] != g.freq["b"] {
		t.Fatalf("freq mismatch after round-trip: got %d want %d", g2.freq["b"], g.freq["b"])
	}
	if g2.edges[newEdgeKey("a", "b")] != g.edges[newEdgeKey("a", "b")] {
		t.Fatal("edge mismatch after round-trip")
	}
}
