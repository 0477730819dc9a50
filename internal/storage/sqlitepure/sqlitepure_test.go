package sqlitepure

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/obslog"
	"github.com/vthunder/bud2/internal/storage"
)

func setupTestDB(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	b, err := Open(path, obslog.Noop{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	b1, err := Open(path, obslog.Noop{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	b1.Close()

	b2, err := Open(path, obslog.Noop{})
	if err != nil {
		t.Fatalf("reopen existing file: %v", err)
	}
	defer b2.Close()
}

func TestAppendThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	it := interaction.New("hello", "world", []float32{1, 2, 3, 4}, []string{"a", "b"}, 1000)
	if err := b.Append(ctx, it, storage.ShortTerm); err != nil {
		t.Fatalf("append: %v", err)
	}

	st, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.ShortTerm) != 1 {
		t.Fatalf("expected 1 short-term row, got %d", len(st.ShortTerm))
	}
	got := st.ShortTerm[0]
	if got.ID != it.ID || got.Prompt != "hello" || got.Output != "world" {
		t.Fatalf("round-tripped interaction mismatch: %+v", got)
	}
	if len(got.Embedding) != 4 || got.Embedding[2] != 3 {
		t.Fatalf("expected embedding to round-trip exactly, got %v", got.Embedding)
	}
	if len(st.LongTerm) != 0 {
		t.Fatalf("expected no long-term rows, got %d", len(st.LongTerm))
	}
}

func TestPromoteMovesTier(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	it := interaction.New("p", "o", []float32{1}, nil, 1000)
	if err := b.Append(ctx, it, storage.ShortTerm); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Promote(ctx, it.ID, storage.ShortTerm, storage.LongTerm); err != nil {
		t.Fatalf("promote: %v", err)
	}

	st, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.ShortTerm) != 0 || len(st.LongTerm) != 1 {
		t.Fatalf("expected interaction moved to long-term, got short=%d long=%d", len(st.ShortTerm), len(st.LongTerm))
	}
}

func TestPromoteUnknownIDFails(t *testing.T) {
	b := setupTestDB(t)
	if err := b.Promote(context.Background(), "missing", storage.ShortTerm, storage.LongTerm); err == nil {
		t.Fatal("expected error promoting an id that was never appended")
	}
}

func TestPurgeRemoves(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	it := interaction.New("p", "o", []float32{1}, nil, 1000)
	b.Append(ctx, it, storage.ShortTerm)
	if err := b.Purge(ctx, it.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	st, _ := b.Load(ctx)
	if len(st.ShortTerm) != 0 {
		t.Fatalf("expected no rows after purge, got %d", len(st.ShortTerm))
	}
}

func TestSaveGraphRoundTrips(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	g := conceptgraph.New()
	g.Ingest(map[string]struct{}{"x": {}, "y": {}})
	if err := b.SaveGraph(ctx, g.Snapshot()); err != nil {
		t.Fatalf("savegraph: %v", err)
	}

	st, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Graph.Freq["x"] != 1 || st.Graph.Freq["y"] != 1 {
		t.Fatalf("expected freq round-trip, got %+v", st.Graph.Freq)
	}
	if st.Graph.Edges["x\x00y"] != 1 {
		t.Fatalf("expected edge round-trip, got %+v", st.Graph.Edges)
	}
}

func TestSaveGraphReplacesPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	g1 := conceptgraph.New()
	g1.Ingest(map[string]struct{}{"stale": {}})
	if err := b.SaveGraph(ctx, g1.Snapshot()); err != nil {
		t.Fatalf("first savegraph: %v", err)
	}

	g2 := conceptgraph.New()
	g2.Ingest(map[string]struct{}{"fresh": {}})
	if err := b.SaveGraph(ctx, g2.Snapshot()); err != nil {
		t.Fatalf("second savegraph: %v", err)
	}

	st, _ := b.Load(ctx)
	if _, ok := st.Graph.Freq["stale"]; ok {
		t.Fatal("expected stale concept to be gone after second SaveGraph")
	}
	if st.Graph.Freq["fresh"] != 1 {
		t.Fatalf("expected fresh concept present, got %+v", st.Graph.Freq)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	b := setupTestDB(t)

	b.Append(ctx, interaction.New("p", "o", []float32{1}, nil, 1000), storage.ShortTerm)
	g := conceptgraph.New()
	g.Ingest(map[string]struct{}{"a": {}})
	b.SaveGraph(ctx, g.Snapshot())

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if len(st.ShortTerm) != 0 || len(st.LongTerm) != 0 || len(st.Graph.Freq) != 0 {
		t.Fatalf("expected empty state after clear, got %+v", st)
	}
}

func TestVerifySucceedsOnOpenBackend(t *testing.T) {
	b := setupTestDB(t)
	if err := b.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyFailsAfterClose(t *testing.T) {
	b := setupTestDB(t)
	b.Close()
	if err := b.Verify(context.Background()); err == nil {
		t.Fatal("expected verify to fail on a closed backend")
	}
}

func TestEncodeDecodeEmbeddingRoundTrips(t *testing.T) {
	in := []float32{-1.5, 0, 3.25, 1e6}
	out, err := decodeEmbedding(encodeEmbedding(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("value mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}
