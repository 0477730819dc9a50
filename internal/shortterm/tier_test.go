package shortterm

import (
	"testing"

	"github.com/vthunder/bud2/internal/interaction"
)

func TestAppendAndIsFull(t *testing.T) {
	tier := New(2)
	tier.Append(interaction.New("p1", "", nil, nil, 1))
	if tier.IsFull() {
		t.Fatal("expected not full after 1 of 2")
	}
	tier.Append(interaction.New("p2", "", nil, nil, 2))
	if !tier.IsFull() {
		t.Fatal("expected full after 2 of 2")
	}
}

func TestEvictOldestPreservesOrder(t *testing.T) {
	tier := New(3)
	a := interaction.New("a", "", nil, nil, 1)
	b := interaction.New("b", "", nil, nil, 2)
	tier.Append(a)
	tier.Append(b)

	evicted := tier.EvictOldest()
	if evicted.ID != a.ID {
		t.Fatalf("expected oldest (a) evicted, got %s", evicted.Prompt)
	}
	if tier.Len() != 1 || tier.Items()[0].ID != b.ID {
		t.Fatalf("expected only b remaining")
	}
}

func TestRemoveAtReindexes(t *testing.T) {
	tier := New(3)
	a := interaction.New("a", "", nil, nil, 1)
	b := interaction.New("b", "", nil, nil, 2)
	c := interaction.New("c", "", nil, nil, 3)
	tier.Append(a)
	tier.Append(b)
	tier.Append(c)

	tier.RemoveAt(1) // remove b
	if idx := tier.IndexOf(c.ID); idx != 1 {
		t.Fatalf("expected c reindexed to 1, got %d", idx)
	}
	if _, idx := tier.Get(b.ID); idx != -1 {
		t.Fatal("expected b no longer findable")
	}
}

func TestGetUnknownID(t *testing.T) {
	tier := New(1)
	if it, idx := tier.Get("missing"); it != nil || idx != -1 {
		t.Fatal("expected nil/-1 for unknown id")
	}
}
