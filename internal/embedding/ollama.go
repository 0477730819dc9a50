// Package embedding provides an Ollama-backed manager.EmbedFn and a
// plain-prompt text-generation call (which callers wrap into a
// manager.LLMGenerateFn) for callers that want real embeddings/generation
// instead of the deterministic stand-ins cmd/semem falls back to by
// default. It is optional: the manager package has no dependency on it.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// cache is a fixed-size FIFO cache for embeddings, keyed by model+text, so
// repeated retrieval queries for the same text don't re-hit the network.
type cache struct {
	mu      sync.Mutex
	items   map[string][]float32
	order   []string
	maxSize int
}

func newCache(maxSize int) *cache {
	return &cache{
		items:   make(map[string][]float32, maxSize),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func (c *cache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *cache) set(key string, emb []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = emb
}

// Client talks to a local Ollama server for embeddings and text generation.
type Client struct {
	baseURL         string
	model           string
	generationModel string
	httpClient      *http.Client
	cache           *cache
}

// NewClient returns a Client pointed at baseURL (defaults to the standard
// local Ollama port) using model for embeddings.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Client{
		baseURL:         baseURL,
		model:           model,
		generationModel: "llama3.2",
		httpClient:      &http.Client{Timeout: 120 * time.Second},
		cache:           newCache(256),
	}
}

// SetGenerationModel changes the model used by Generate.
func (c *Client) SetGenerationModel(model string) {
	c.generationModel = model
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return fmt.Sprintf("%x", h[:16])
}

// Embed satisfies manager.EmbedFn: it generates an embedding for text via
// Ollama's /api/embeddings endpoint, or returns a cached value.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embedding: empty text")
	}
	key := c.cacheKey(text)
	if cached, ok := c.cache.get(key); ok {
		return cached, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: ollama error (status %d): %s", resp.StatusCode, string(b))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding: empty embedding returned")
	}

	c.cache.set(key, result.Embedding)
	return result.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate produces a text completion via Ollama's /api/generate endpoint.
// Callers wrap it to satisfy manager.LLMGenerateFn once they have a
// assembler.Payload to render into a prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("generate: empty prompt")
	}
	body, err := json.Marshal(generateRequest{Model: c.generationModel, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("generate: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generate: ollama error (status %d): %s", resp.StatusCode, string(b))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	return result.Response, nil
}
