// Package embedding generates fixed-dimension vectors for memory
// content. The concrete function is pluggable; swapping engines
// invalidates every stored vector and requires an index rebuild.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Engine generates vector embeddings for text.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Config selects and configures the embedding backend.
type Config struct {
	Provider string `json:"provider"` // "hash" (default) or "ollama"

	OllamaEndpoint string `json:"ollama_endpoint,omitempty"` // default http://localhost:11434
	OllamaModel    string `json:"ollama_model,omitempty"`    // default embeddinggemma

	HashDimensions int `json:"hash_dimensions,omitempty"` // default 256
}

// NewEngine creates an engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEngine(cfg.HashDimensions), nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s (use 'hash' or 'ollama')", cfg.Provider)
}

// Cosine returns the cosine similarity of two vectors, in [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
