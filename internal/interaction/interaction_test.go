package interaction

import "testing"

func TestNewAssignsInvariants(t *testing.T) {
	it := New("hello", "world", []float32{1, 0}, []string{"Foo", " bar ", "foo"}, 1000)
	if it.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if it.AccessCount != 1 {
		t.Fatalf("expected access_count=1, got %d", it.AccessCount)
	}
	if it.DecayFactor != 1.0 {
		t.Fatalf("expected decay_factor=1.0, got %v", it.DecayFactor)
	}
	if len(it.Concepts) != 2 {
		t.Fatalf("expected deduped/normalized concepts {foo,bar}, got %v", it.ConceptSet())
	}
}

func TestTouchIncrementsAndRecomputesDecay(t *testing.T) {
	it := New("p", "o", []float32{1}, nil, 0)
	it.Touch(1000, DefaultLambdaPerSecond)
	if it.AccessCount != 2 {
		t.Fatalf("expected access_count=2, got %d", it.AccessCount)
	}
	if it.LastAccessMs != 1000 {
		t.Fatalf("expected last_access_ms=1000, got %d", it.LastAccessMs)
	}
	if it.DecayFactor <= 0 || it.DecayFactor > 1 {
		t.Fatalf("expected decay_factor in (0,1], got %v", it.DecayFactor)
	}
}

func TestDecayFactorMonotonicWithAge(t *testing.T) {
	near := DecayFactor(0, 1000, DefaultLambdaPerSecond)
	far := DecayFactor(0, 1000*1000, DefaultLambdaPerSecond)
	if far >= near {
		t.Fatalf("expected decay to shrink with age: near=%v far=%v", near, far)
	}
}

func TestIdenticalInputsGetDistinctUUIDs(t *testing.T) {
	a := New("p", "o", nil, nil, 0)
	b := New("p", "o", nil, nil, 0)
	if a.ID == b.ID {
		t.Fatal("expected distinct UUIDs for distinct interactions")
	}
}
