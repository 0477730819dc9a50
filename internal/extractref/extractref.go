// Package extractref provides a reference ConceptExtractFn built on
// github.com/tsawler/prose/v3 (itself built on
// gopkg.in/neurosnap/sentences.v1 for sentence tokenization). It is a
// default, swappable implementation for callers that don't already have a
// concept extractor: cmd/semem wires it in, but internal/manager never
// imports this package directly, since concept extraction is an external
// collaborator per the core's scope.
package extractref

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// nounTags are the Penn Treebank POS tags this extractor treats as
// concept-bearing: singular/plural common and proper nouns.
var nounTags = map[string]bool{
	"NN": true, "NNS": true, "NNP": true, "NNPS": true,
}

// stopConcepts mirrors the teacher's fast extractor's skip list, adapted
// to lower-cased single tokens rather than capitalized multi-word phrases.
var stopConcepts = map[string]bool{
	"i": true, "it": true, "this": true, "that": true, "there": true,
	"thing": true, "something": true, "someone": true, "anyone": true,
}

// Extractor is a prose/v3-backed concept extractor. Safe for concurrent
// use; prose.NewDocument builds a fresh, independent document per call.
type Extractor struct {
	minLen int
}

// New returns an Extractor with the default minimum concept length (3
// runes), filtering out short noise tokens prose sometimes tags as nouns.
func New() *Extractor {
	return &Extractor{minLen: 3}
}

// Extract implements the manager's ConceptExtractFn signature: it returns
// the set of normalized noun-phrase concepts found in text, an empty slice
// for blank text, or nil and prose's error if prose cannot build a
// document from text.
func (e *Extractor) Extract(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}, nil
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	concepts := make([]string, 0, 8)
	for _, tok := range doc.Tokens() {
		if !nounTags[tok.Tag] {
			continue
		}
		concept := normalize(tok.Text)
		if concept == "" || len([]rune(concept)) < e.minLen || stopConcepts[concept] {
			continue
		}
		if _, dup := seen[concept]; dup {
			continue
		}
		seen[concept] = struct{}{}
		concepts = append(concepts, concept)
	}

	// Named entities prose finds (people, places, organizations) are
	// concept-worthy too, even when prose tags their tokens oddly.
	for _, ent := range doc.Entities() {
		concept := normalize(ent.Text)
		if concept == "" || len([]rune(concept)) < e.minLen {
			continue
		}
		if _, dup := seen[concept]; dup {
			continue
		}
		seen[concept] = struct{}{}
		concepts = append(concepts, concept)
	}

	return concepts, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
