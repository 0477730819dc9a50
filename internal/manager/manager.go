// Package manager implements the memory manager (C7): it orchestrates
// ingest, promotion, and retrieval, and owns the short-term and long-term
// tiers, the concept graph, and the external collaborator handles.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/vthunder/bud2/internal/conceptgraph"
	assembler "github.com/vthunder/bud2/internal/context"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/longterm"
	"github.com/vthunder/bud2/internal/obslog"
	"github.com/vthunder/bud2/internal/rank"
	"github.com/vthunder/bud2/internal/sememerr"
	"github.com/vthunder/bud2/internal/shortterm"
	"github.com/vthunder/bud2/internal/storage"
	"github.com/vthunder/bud2/internal/vector"
)

// EmbedFn computes an embedding for a text. Implementations should return
// a vector of any length; the manager standardizes it to its configured
// dimension before storage.
type EmbedFn func(ctx context.Context, text string) ([]float32, error)

// ConceptExtractFn extracts normalized concept terms from text. It may
// return an empty slice; the manager treats extraction failure as a
// degrade-to-empty condition, not a hard error.
type ConceptExtractFn func(ctx context.Context, text string) ([]string, error)

// LLMGenerateFn delegates text generation to an external LLM collaborator
// given an assembled context payload.
type LLMGenerateFn func(ctx context.Context, payload assembler.Payload, query string) (string, error)

// state is the manager's lifecycle state machine (§4.7).
type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateDisposing
	stateDisposed
)

// Config holds the manager's tunables, all with the spec's defaults.
type Config struct {
	Dimension                  int
	ShortTermCapacity          int
	PromotionAccessThreshold   int
	DecayLambdaPerSecond       float64
	RankingWeights             rank.Weights
	SimilarityThresholdDefault float64
	ContextMaxTokens           int
	HistoryWeight              float64
	ExternalCallTimeout        time.Duration
}

// DefaultConfig returns the spec's §6 configuration defaults.
func DefaultConfig() Config {
	return Config{
		Dimension:                  1536,
		ShortTermCapacity:          1000,
		PromotionAccessThreshold:   3,
		DecayLambdaPerSecond:       interaction.DefaultLambdaPerSecond,
		RankingWeights:             rank.DefaultWeights(),
		SimilarityThresholdDefault: 40,
		ContextMaxTokens:           8192,
		HistoryWeight:              0.3,
		ExternalCallTimeout:        60 * time.Second,
	}
}

// Validate checks the documented constraints on Config fields.
func (c Config) Validate() error {
	if c.Dimension < 1 {
		return sememerr.Invalid("dimension must be >= 1")
	}
	if c.ShortTermCapacity < 1 {
		return sememerr.Invalid("short_term_capacity must be >= 1")
	}
	if c.PromotionAccessThreshold < 1 {
		return sememerr.Invalid("promotion_access_threshold must be >= 1")
	}
	if c.SimilarityThresholdDefault < 0 || c.SimilarityThresholdDefault > 100 {
		return sememerr.Invalid("similarity_threshold_default must be in [0, 100]")
	}
	if c.HistoryWeight < 0 || c.HistoryWeight > 1 {
		return sememerr.Invalid("history_weight must be in [0, 1]")
	}
	if c.ContextMaxTokens < 1 {
		return sememerr.Invalid("context_max_tokens must be >= 1")
	}
	return c.RankingWeights.Validate()
}

// Stats is the admin/inspection snapshot returned by Manager.Stats,
// grounded on the teacher's graph.DB.Stats().
type Stats struct {
	ShortTermCount int
	LongTermCount  int
	ConceptNodes   int
	ConceptEdges   int
	Evictions      uint64
	Promotions     uint64
}

// Manager is the memory core's orchestrator. All mutating methods must be
// called from a single goroutine at a time (§5's single-writer rule); the
// internal mutex enforces this rather than merely documenting it, since
// callers in practice do call concurrently from request handlers.
type Manager struct {
	cfg Config

	embedFn   EmbedFn
	extractFn ConceptExtractFn
	llmFn     LLMGenerateFn
	backend   storage.Backend
	log       obslog.Logger

	mu        sync.Mutex
	st        state
	short     *shortterm.Tier
	long      *longterm.Tier
	graph     *conceptgraph.Graph
	lastNowMs int64

	evictions  uint64
	promotions uint64
}

// New constructs a Manager in the Uninitialized state. llmFn and extractFn
// may be nil if the caller never invokes GenerateResponse / relies on
// caller-supplied concepts; embedFn and backend are required.
func New(cfg Config, embedFn EmbedFn, extractFn ConceptExtractFn, llmFn LLMGenerateFn, backend storage.Backend, log obslog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedFn == nil {
		return nil, sememerr.Invalid("embedFn is required")
	}
	if backend == nil {
		return nil, sememerr.Invalid("backend is required")
	}
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Manager{
		cfg:       cfg,
		embedFn:   embedFn,
		extractFn: extractFn,
		llmFn:     llmFn,
		backend:   backend,
		log:       log,
		st:        stateUninitialized,
		short:     shortterm.New(cfg.ShortTermCapacity),
		long:      longterm.New(),
		graph:     conceptgraph.New(),
	}, nil
}

// Init loads persisted state from the backend and transitions
// Uninitialized -> Initializing -> Ready. On failure the manager remains
// Uninitialized.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != stateUninitialized {
		return sememerr.New(sememerr.InvalidArgument, "manager: Init called outside Uninitialized state")
	}
	m.st = stateInitializing

	if err := m.backend.Verify(ctx); err != nil {
		m.st = stateUninitialized
		return sememerr.Wrap(sememerr.StorageError, "manager: backend verify failed", err)
	}

	persisted, err := m.backend.Load(ctx)
	if err != nil {
		m.st = stateUninitialized
		return sememerr.Wrap(sememerr.StorageError, "manager: backend load failed", err)
	}

	short := shortterm.New(m.cfg.ShortTermCapacity)
	for _, it := range persisted.ShortTerm {
		short.Append(it)
	}
	long := longterm.New()
	for _, it := range persisted.LongTerm {
		long.Add(it)
	}
	graph := conceptgraph.New()
	if len(persisted.Graph.Freq) > 0 || len(persisted.Graph.Edges) > 0 {
		graph.LoadSnapshot(persisted.Graph)
	} else {
		// Reconstruct from loaded interactions when the backend has no
		// separately persisted snapshot (e.g. a fresh memstore restored
		// only from interaction rows).
		for _, it := range persisted.ShortTerm {
			graph.Ingest(it.Concepts)
		}
		for _, it := range persisted.LongTerm {
			graph.Ingest(it.Concepts)
		}
	}

	m.short = short
	m.long = long
	m.graph = graph
	m.st = stateReady
	m.log.Infof("manager", "initialized: short=%d long=%d concepts=%d", short.Len(), long.Len(), len(persisted.Graph.Freq))
	return nil
}

func (m *Manager) requireReady() error {
	if m.st == stateDisposed || m.st == stateDisposing {
		return sememerr.New(sememerr.Disposed, "manager: operation invoked after dispose")
	}
	if m.st != stateReady {
		return sememerr.New(sememerr.InvalidArgument, "manager: not ready")
	}
	return nil
}

// nowMs returns the current time in epoch milliseconds, clamped so that
// it is strictly greater than the previous call's result even if the
// system clock regresses (§5 ordering guarantee). Must be called with m.mu
// held.
func (m *Manager) nowMs() int64 {
	n := time.Now().UnixMilli()
	if n <= m.lastNowMs {
		n = m.lastNowMs + 1
	}
	m.lastNowMs = n
	return n
}

// callWithTimeout runs fn in a goroutine bounded by cfg.ExternalCallTimeout
// (or ctx's own deadline if sooner). If the timeout elapses first, it
// returns a Timeout error and fn's eventual result (if any) is discarded;
// per §5 this is equivalent to the call never having happened from the
// manager's state perspective, since no mutation is applied until fn
// returns successfully on the caller's side of this helper.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, which sememerr.Which, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan struct {
		val T
		err error
	}, 1)
	go func() {
		val, err := fn(cctx)
		resultCh <- struct {
			val T
			err error
		}{val, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			if cctx.Err() == context.DeadlineExceeded {
				return zero, sememerr.ExternalTimeout(which, "external call timed out")
			}
			return zero, sememerr.External(which, "external call failed", r.err)
		}
		return r.val, nil
	case <-cctx.Done():
		return zero, sememerr.ExternalTimeout(which, "external call timed out")
	}
}

// AddInteraction ingests a new (prompt, output) pair: computes or accepts
// an embedding and concepts, standardizes the embedding, appends to
// ShortTerm (running the overflow policy if needed), ingests concepts
// into the graph, and persists via the backend. All-or-nothing: on
// failure neither in-memory nor durable state changes.
func (m *Manager) AddInteraction(ctx context.Context, prompt, output string, embeddingOpt []float32, conceptsOpt []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return "", err
	}

	embedding := embeddingOpt
	if embedding == nil {
		emb, err := callWithTimeout(ctx, m.cfg.ExternalCallTimeout, sememerr.Embed, func(cctx context.Context) ([]float32, error) {
			return m.embedFn(cctx, prompt+" "+output)
		})
		if err != nil {
			return "", err
		}
		embedding = emb
	}
	embedding = vector.Standardize(embedding, m.cfg.Dimension)

	concepts := conceptsOpt
	if concepts == nil {
		concepts = m.extractConceptsDegrading(ctx, prompt+" "+output)
	}

	nowMs := m.nowMs()
	it := interaction.New(prompt, output, embedding, concepts, nowMs)

	if err := m.backend.Append(ctx, it, storage.ShortTerm); err != nil {
		return "", sememerr.Wrap(sememerr.StorageError, "manager: persist new interaction", err)
	}

	// Ingest into a trial copy of the graph and persist that snapshot
	// before mutating any live state. SaveGraph failure is not one of the
	// two permitted local-recovery exceptions (concept-extraction
	// failure, update_access failure), so per the all-or-nothing contract
	// it must leave both in-memory and durable state unchanged: roll back
	// the just-persisted interaction and return the error instead of
	// mutating m.short/m.graph on a durable write we know didn't fully
	// land.
	trialGraph := m.graph.Clone()
	trialGraph.Ingest(it.Concepts)
	if err := m.backend.SaveGraph(ctx, trialGraph.Snapshot()); err != nil {
		if perr := m.backend.Purge(ctx, it.ID); perr != nil {
			m.log.Warnf("manager", "rollback purge of %s failed after save-graph error: %v", it.ID, perr)
		}
		return "", sememerr.Wrap(sememerr.StorageError, "manager: persist concept graph", err)
	}

	m.graph = trialGraph

	if m.short.IsFull() {
		m.runOverflowPolicy(ctx)
	}
	m.short.Append(it)

	return it.ID, nil
}

// extractConceptsDegrading runs the configured ConceptExtractFn and
// degrades to an empty set with a single warning on failure, per §4.6's
// "concept extraction failure ⇒ degrade gracefully" rule. No-op (returns
// nil) if no extractor was configured.
func (m *Manager) extractConceptsDegrading(ctx context.Context, text string) []string {
	if m.extractFn == nil {
		return nil
	}
	concepts, err := callWithTimeout(ctx, m.cfg.ExternalCallTimeout, sememerr.Extract, func(cctx context.Context) ([]string, error) {
		return m.extractFn(cctx, text)
	})
	if err != nil {
		m.log.Warnf("manager", "concept extraction degraded to empty: %v", err)
		return nil
	}
	return concepts
}

// runOverflowPolicy implements §4.4's ordered overflow rules: promote the
// first (oldest-first) item satisfying the promotion predicate, or evict
// the oldest item if none qualify. Must be called with m.mu held and
// m.short full, before the new interaction is appended.
func (m *Manager) runOverflowPolicy(ctx context.Context) {
	highFreq := m.graph.HighFrequencyConcepts()
	items := m.short.Items()

	for idx, it := range items {
		if m.satisfiesPromotion(it, highFreq) {
			m.promote(ctx, it, idx)
			return
		}
	}

	evicted := m.short.EvictOldest()
	if evicted == nil {
		return
	}
	if err := m.backend.Purge(ctx, evicted.ID); err != nil {
		m.log.Warnf("manager", "purge of evicted interaction %s failed: %v", evicted.ID, err)
	}
	m.evictions++
}

func (m *Manager) satisfiesPromotion(it *interaction.Interaction, highFreq map[string]struct{}) bool {
	if int(it.AccessCount) >= m.cfg.PromotionAccessThreshold {
		return true
	}
	for c := range it.Concepts {
		if _, ok := highFreq[c]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) promote(ctx context.Context, it *interaction.Interaction, idx int) {
	if err := m.backend.Promote(ctx, it.ID, storage.ShortTerm, storage.LongTerm); err != nil {
		m.log.Warnf("manager", "promote of %s failed, leaving in short-term: %v", it.ID, err)
		return
	}
	m.short.RemoveAt(idx)
	m.long.Add(it)
	m.promotions++
}

// RetrieveRelevant implements §4.6's retrieval ranker over both tiers.
// Returns items sorted by final score descending with the documented
// tie-breaks, never below threshold. Touches every returned item
// (observable side effect).
func (m *Manager) RetrieveRelevant(ctx context.Context, query string, thresholdPct float64, excludeLastN, limit int) ([]rank.Ranked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return nil, err
	}
	if thresholdPct < 0 || thresholdPct > 100 {
		return nil, sememerr.Invalid("threshold must be in [0, 100]")
	}
	if limit < 0 {
		return nil, sememerr.Invalid("limit must be >= 0")
	}
	if limit == 0 {
		return nil, nil
	}

	queryEmbRaw, err := callWithTimeout(ctx, m.cfg.ExternalCallTimeout, sememerr.Embed, func(cctx context.Context) ([]float32, error) {
		return m.embedFn(cctx, query)
	})
	if err != nil {
		return nil, err
	}
	queryEmbedding := vector.Standardize(queryEmbRaw, m.cfg.Dimension)
	queryConceptsList := m.extractConceptsDegrading(ctx, query)
	queryConcepts := toConceptSet(queryConceptsList)

	m.refreshDecay()

	candidates := m.collectCandidates(excludeLastN)

	ranked, err := rank.Rank(candidates, queryEmbedding, queryConcepts, m.graph, m.cfg.RankingWeights, thresholdPct, m.cfg.PromotionAccessThreshold)
	if err != nil {
		return nil, err
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	nowMs := m.nowMs()
	for _, r := range ranked {
		r.Item.Touch(nowMs, m.cfg.DecayLambdaPerSecond)
		if err := m.backend.UpdateAccess(ctx, r.Item.ID, r.Item.AccessCount, r.Item.LastAccessMs, r.Item.DecayFactor); err != nil {
			m.log.Warnf("manager", "update_access failed for %s (eventual consistency): %v", r.Item.ID, err)
		}
	}

	return ranked, nil
}

// refreshDecay recomputes decay_factor for every short-term and every
// long-term item, the opportunistic pass §4.4 calls for before each
// retrieval; it is O(N_short + N_long).
func (m *Manager) refreshDecay() {
	now := time.Now().UnixMilli()
	for _, it := range m.short.Items() {
		it.DecayFactor = recomputeDecay(it.TimestampMs, now, m.cfg.DecayLambdaPerSecond)
	}
	for _, it := range m.long.Items() {
		it.DecayFactor = recomputeDecay(it.TimestampMs, now, m.cfg.DecayLambdaPerSecond)
	}
}

func (m *Manager) collectCandidates(excludeLastN int) []rank.Candidate {
	shortItems := m.short.Items()
	excludeSet := make(map[string]struct{}, excludeLastN)
	if excludeLastN > 0 {
		start := len(shortItems) - excludeLastN
		if start < 0 {
			start = 0
		}
		for _, it := range shortItems[start:] {
			excludeSet[it.ID] = struct{}{}
		}
	}

	candidates := make([]rank.Candidate, 0, len(shortItems)+m.long.Len())
	for _, it := range shortItems {
		if _, excluded := excludeSet[it.ID]; excluded {
			continue
		}
		candidates = append(candidates, rank.Candidate{Item: it, ShortTerm: true})
	}
	for _, it := range m.long.Items() {
		candidates = append(candidates, rank.Candidate{Item: it, ShortTerm: false})
	}
	return candidates
}

// GenerateResponse assembles a context payload from recent history plus a
// ranked retrieval list and delegates text generation to the external LLM
// collaborator. The core does not store the generated interaction; the
// caller decides whether to call AddInteraction with the result.
func (m *Manager) GenerateResponse(ctx context.Context, query string, historyOverride []*interaction.Interaction, retrievedOverride []rank.Ranked) (string, error) {
	m.mu.Lock()
	if err := m.requireReady(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if m.llmFn == nil {
		m.mu.Unlock()
		return "", sememerr.Invalid("manager: no llm collaborator configured")
	}

	history := historyOverride
	if history == nil {
		items := m.short.Items()
		start := len(items) - 5
		if start < 0 {
			start = 0
		}
		history = items[start:]
	}
	m.mu.Unlock()

	retrieved := retrievedOverride
	if retrieved == nil {
		r, err := m.RetrieveRelevant(ctx, query, m.cfg.SimilarityThresholdDefault, 0, 10)
		if err != nil {
			return "", err
		}
		retrieved = r
	}

	payload := assembler.Assemble(history, retrieved, assembler.Options{
		MaxTokens:         m.cfg.ContextMaxTokens,
		HistoryWeight:     m.cfg.HistoryWeight,
		IncludeConcepts:   true,
		DedupByPromptHash: true,
		HistoryLimit:      5,
	})

	return callWithTimeout(ctx, m.cfg.ExternalCallTimeout, sememerr.LLM, func(cctx context.Context) (string, error) {
		return m.llmFn(cctx, payload, query)
	})
}

// Dispose flushes pending state and releases external handles. Idempotent;
// subsequent operations fail with Disposed.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st == stateDisposed {
		return nil
	}
	m.st = stateDisposing
	if err := m.backend.SaveGraph(ctx, m.graph.Snapshot()); err != nil {
		m.st = stateDisposed
		return sememerr.Wrap(sememerr.StorageError, "manager: final graph save failed", err)
	}
	err := m.backend.Close()
	m.st = stateDisposed
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "manager: backend close failed", err)
	}
	return nil
}

// Stats returns tier sizes, graph node/edge counts, and eviction/promotion
// counters, a read-only admin surface that affects no spec invariant.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes, edges := m.graph.Stats()
	return Stats{
		ShortTermCount: m.short.Len(),
		LongTermCount:  m.long.Len(),
		ConceptNodes:   nodes,
		ConceptEdges:   edges,
		Evictions:      m.evictions,
		Promotions:     m.promotions,
	}
}

// Clear purges all interactions and concept graph state, both in-memory
// and durable. Admin operation, outside the hot path, used primarily by
// tests.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireReady(); err != nil {
		return err
	}
	if err := m.backend.Clear(ctx); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "manager: clear backend", err)
	}
	m.short = shortterm.New(m.cfg.ShortTermCapacity)
	m.long = longterm.New()
	m.graph.Clear()
	m.evictions = 0
	m.promotions = 0
	return nil
}

func recomputeDecay(timestampMs, nowMs int64, lambdaPerSecond float64) float32 {
	return interaction.DecayFactor(timestampMs, nowMs, lambdaPerSecond)
}

func toConceptSet(concepts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(concepts))
	for _, c := range concepts {
		out[c] = struct{}{}
	}
	return out
}
