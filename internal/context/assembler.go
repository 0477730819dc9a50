// Package assembler implements the context assembler (C9): it turns
// recent history plus a ranked retrieval list into a bounded,
// token-budgeted payload for the external LLM collaborator. It lives
// under internal/context since that's the component it realizes, but is
// declared as package assembler so callers that also need the standard
// library's context.Context never collide on the identifier.
package assembler

import (
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/rank"
	"github.com/vthunder/bud2/internal/sememerr"
)

// charsPerToken is the 4-chars-per-token heuristic §4.9 mandates.
const charsPerToken = 4

// Options configures Assemble. Zero-value fields are filled from
// DefaultOptions by callers that don't care; Assemble itself does not
// fill defaults, since the manager is the one responsible for overlaying
// config.
type Options struct {
	MaxTokens        int
	HistoryWeight    float64 // fraction of MaxTokens reserved for history, default 0.3
	IncludeConcepts  bool
	DedupByPromptHash bool
	HistoryLimit     int // H, default 5
}

// DefaultOptions returns the spec's defaults: max_tokens=8192,
// history_weight=0.3, include_concepts=true, dedup_by_prompt_hash=true,
// history H=5.
func DefaultOptions() Options {
	return Options{
		MaxTokens:         8192,
		HistoryWeight:     0.3,
		IncludeConcepts:   true,
		DedupByPromptHash: true,
		HistoryLimit:      5,
	}
}

// Validate checks the option ranges the manager must reject at
// construction time.
func (o Options) Validate() error {
	if o.MaxTokens < 1 {
		return sememerr.Invalid("context_max_tokens must be >= 1")
	}
	if o.HistoryWeight < 0 || o.HistoryWeight > 1 {
		return sememerr.Invalid("history_weight must be in [0, 1]")
	}
	return nil
}

// HistoryEntry is one recent short-term interaction included verbatim.
type HistoryEntry struct {
	Prompt string
	Output string
}

// RetrievedEntry is one ranked retrieval included in the payload.
type RetrievedEntry struct {
	Prompt   string
	Output   string
	Score    float64
	Concepts []string
}

// Payload is the structured context handed to the LLM collaborator.
type Payload struct {
	History          []HistoryEntry
	Retrieved        []RetrievedEntry
	EstimatedTokens  int
	DroppedRetrieved int // how many retrievals were left out, as history duplicates or to fit budget
}

// Assemble builds a Payload from recent history and a ranked retrieval
// list, dropping the lowest-ranked retrievals until the estimated token
// count fits within opts.MaxTokens, split history_weight / (1 -
// history_weight) between history and retrieved content.
func Assemble(history []*interaction.Interaction, ranked []rank.Ranked, opts Options) Payload {
	h := history
	if len(h) > opts.HistoryLimit {
		h = h[len(h)-opts.HistoryLimit:]
	}

	historyBudget := int(float64(opts.MaxTokens) * opts.HistoryWeight)
	retrievedBudget := opts.MaxTokens - historyBudget

	historyEntries, historyHashes, historyTokens := buildHistory(h, historyBudget)

	retrievedEntries, dropped := buildRetrieved(ranked, retrievedBudget, opts, historyHashes)

	return Payload{
		History:          historyEntries,
		Retrieved:        retrievedEntries,
		EstimatedTokens:  historyTokens + estimateRetrievedTokens(retrievedEntries, opts),
		DroppedRetrieved: dropped,
	}
}

func buildHistory(h []*interaction.Interaction, budget int) ([]HistoryEntry, map[string]struct{}, int) {
	entries := make([]HistoryEntry, 0, len(h))
	hashes := make(map[string]struct{}, len(h))
	tokens := 0
	for _, it := range h {
		e := HistoryEntry{Prompt: it.Prompt, Output: it.Output}
		cost := estimateTokens(e.Prompt) + estimateTokens(e.Output)
		if tokens+cost > budget && len(entries) > 0 {
			break
		}
		entries = append(entries, e)
		hashes[promptHash(it.Prompt)] = struct{}{}
		tokens += cost
	}
	return entries, hashes, tokens
}

// buildRetrieved walks ranked (already sorted best-first) and keeps a
// prefix that fits budget. Per spec.md:143 this is tail-truncation of the
// ranked list, not bin-packing: the first item that doesn't fit stops the
// walk, so a later, smaller, lower-ranked item never displaces an earlier
// larger one. Deduped-against-history items are skipped without counting
// against the budget walk, since dedup is an identity decision, not a
// budget one.
func buildRetrieved(ranked []rank.Ranked, budget int, opts Options, historyHashes map[string]struct{}) ([]RetrievedEntry, int) {
	entries := make([]RetrievedEntry, 0, len(ranked))
	tokens := 0
	dropped := 0

	for i, r := range ranked {
		if opts.DedupByPromptHash {
			if _, seen := historyHashes[promptHash(r.Item.Prompt)]; seen {
				dropped++
				continue
			}
		}
		e := RetrievedEntry{Prompt: r.Item.Prompt, Output: r.Item.Output, Score: r.Final}
		if opts.IncludeConcepts {
			e.Concepts = r.Item.ConceptSet()
		}
		cost := estimateTokens(e.Prompt) + estimateTokens(e.Output)
		for _, c := range e.Concepts {
			cost += estimateTokens(c)
		}
		if tokens+cost > budget {
			dropped += len(ranked) - i
			return entries, dropped
		}
		entries = append(entries, e)
		tokens += cost
	}
	return entries, dropped
}

func estimateRetrievedTokens(entries []RetrievedEntry, opts Options) int {
	total := 0
	for _, e := range entries {
		total += estimateTokens(e.Prompt) + estimateTokens(e.Output)
		if opts.IncludeConcepts {
			for _, c := range e.Concepts {
				total += estimateTokens(c)
			}
		}
	}
	return total
}

func estimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	tokens := n / charsPerToken
	if n%charsPerToken != 0 {
		tokens++
	}
	return tokens
}

func promptHash(prompt string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(prompt)))
	return fmt.Sprintf("%x", sum)
}
