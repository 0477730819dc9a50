// Command semem is a demo harness around the memory core: it wires a
// SQLite-backed storage.Backend, the reference concept extractor, a
// deterministic local embedding stand-in, and exposes ingest/query/stats
// subcommands. It exists to exercise the library end to end, not as a
// production service; a real deployment supplies its own EmbedFn and
// LLMGenerateFn.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	assembler "github.com/vthunder/bud2/internal/context"
	"github.com/vthunder/bud2/internal/embedding"
	"github.com/vthunder/bud2/internal/extractref"
	"github.com/vthunder/bud2/internal/manager"
	"github.com/vthunder/bud2/internal/obslog"
	"github.com/vthunder/bud2/internal/storage/sqlitefile"
)

// fileConfig is the optional YAML overlay shape for -config.
type fileConfig struct {
	Dimension         int     `yaml:"dimension"`
	ShortTermCapacity int     `yaml:"short_term_capacity"`
	SimilarityThresh  float64 `yaml:"similarity_threshold_default"`
	StatePath         string  `yaml:"state_path"`
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfigFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "optional YAML config overlay")
	statePathFlag := flag.String("state", "", "path to the sqlite state file")
	ollamaURL := flag.String("ollama-url", "", "if set, use an Ollama server at this URL for embeddings/generation instead of the local stand-ins")
	ollamaEmbedModel := flag.String("ollama-embed-model", "", "Ollama embedding model (default nomic-embed-text)")
	ollamaGenModel := flag.String("ollama-gen-model", "", "Ollama generation model (default llama3.2)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: semem <ingest|query|stats> [args...]")
		os.Exit(1)
	}
	cmd := flag.Arg(0)

	fc, err := loadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	statePath := *statePathFlag
	if statePath == "" {
		statePath = fc.StatePath
	}
	if statePath == "" {
		statePath = envOr("SEMEM_STATE_PATH", filepath.Join(".", "semem-state.db"))
	}

	cfg := manager.DefaultConfig()
	if fc.Dimension > 0 {
		cfg.Dimension = fc.Dimension
	}
	if fc.ShortTermCapacity > 0 {
		cfg.ShortTermCapacity = fc.ShortTermCapacity
	}
	if fc.SimilarityThresh > 0 {
		cfg.SimilarityThresholdDefault = fc.SimilarityThresh
	}

	log := obslog.NewDefault()
	backend, err := sqlitefile.Open(statePath, cfg.Dimension, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open backend:", err)
		os.Exit(1)
	}
	defer backend.Close()

	extractor := extractref.New()
	embedFn, llmFn := localEmbed(cfg.Dimension), manager.LLMGenerateFn(echoLLM)
	if *ollamaURL != "" {
		embClient := embedding.NewClient(*ollamaURL, *ollamaEmbedModel)
		genClient := embedding.NewClient(*ollamaURL, *ollamaEmbedModel)
		if *ollamaGenModel != "" {
			genClient.SetGenerationModel(*ollamaGenModel)
		}
		embedFn = embClient.Embed
		llmFn = func(ctx context.Context, payload assembler.Payload, query string) (string, error) {
			return genClient.Generate(ctx, renderPrompt(payload, query))
		}
	}
	m, err := manager.New(cfg, embedFn, func(ctx context.Context, text string) ([]string, error) {
		return extractor.Extract(text)
	}, llmFn, backend, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "new manager:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}
	defer m.Dispose(ctx)

	switch cmd {
	case "ingest":
		runIngest(ctx, m, flag.Args()[1:])
	case "query":
		runQuery(ctx, m, flag.Args()[1:])
	case "stats":
		runStats(m)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
}

func runIngest(ctx context.Context, m *manager.Manager, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: semem ingest <prompt> <output>")
		os.Exit(1)
	}
	id, err := m.AddInteraction(ctx, args[0], args[1], nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func runQuery(ctx context.Context, m *manager.Manager, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: semem query <text> [threshold] [limit]")
		os.Exit(1)
	}
	threshold := 40.0
	limit := 10
	if len(args) > 1 {
		fmt.Sscanf(args[1], "%f", &threshold)
	}
	if len(args) > 2 {
		fmt.Sscanf(args[2], "%d", &limit)
	}

	ranked, err := m.RetrieveRelevant(ctx, args[0], threshold, 0, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range ranked {
		fmt.Printf("%.1f\t%s\t%s\n", r.Final, r.Item.ShortID, strings.TrimSpace(r.Item.Prompt))
	}

	payload := assembler.Assemble(nil, ranked, assembler.DefaultOptions())
	fmt.Fprintf(os.Stderr, "assembled ~%s tokens, %d dropped\n", humanize.Comma(int64(payload.EstimatedTokens)), payload.DroppedRetrieved)
}

func runStats(m *manager.Manager) {
	s := m.Stats()
	fmt.Printf("short_term=%s long_term=%s concepts=%s edges=%s evictions=%s promotions=%s\n",
		humanize.Comma(int64(s.ShortTermCount)),
		humanize.Comma(int64(s.LongTermCount)),
		humanize.Comma(int64(s.ConceptNodes)),
		humanize.Comma(int64(s.ConceptEdges)),
		humanize.Comma(int64(s.Evictions)),
		humanize.Comma(int64(s.Promotions)),
	)
}

// localEmbed returns a deterministic, dependency-free EmbedFn: it hashes
// the input text into a dim-length unit vector. It stands in for a real
// embedding provider so this binary runs without any network access; it
// is not a claim of semantic quality.
func localEmbed(dim int) manager.EmbedFn {
	return func(ctx context.Context, text string) ([]float32, error) {
		v := make([]float32, dim)
		seed := sha256.Sum256([]byte(text))
		for i := range v {
			h := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
			bits := binary.LittleEndian.Uint32(h[:4])
			v[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
		}
		return v, nil
	}
}

// renderPrompt flattens an assembled payload into a single prompt string
// for providers (like Ollama's /api/generate) that take plain text rather
// than a structured history.
func renderPrompt(payload assembler.Payload, query string) string {
	var b strings.Builder
	for _, h := range payload.History {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", h.Prompt, h.Output)
	}
	for _, r := range payload.Retrieved {
		fmt.Fprintf(&b, "[recalled] %s\n", strings.TrimSpace(r.Prompt))
	}
	fmt.Fprintf(&b, "user: %s\nassistant:", query)
	return b.String()
}

// echoLLM is a placeholder LLMGenerateFn: it summarizes the assembled
// payload instead of calling a real model, so GenerateResponse is
// exercisable without external network access.
func echoLLM(ctx context.Context, payload assembler.Payload, query string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "query: %s\n", query)
	fmt.Fprintf(&b, "history entries: %d\n", len(payload.History))
	fmt.Fprintf(&b, "retrieved entries: %d (dropped %d)\n", len(payload.Retrieved), payload.DroppedRetrieved)
	for _, r := range payload.Retrieved {
		fmt.Fprintf(&b, "- [%.1f] %s\n", r.Score, strings.TrimSpace(r.Prompt))
	}
	return b.String(), nil
}
