package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDims = 256

// HashEngine is a deterministic, dependency-free embedding function
// based on token feature hashing with character trigrams. It is the
// default: it keeps the fabric self-contained, and near-duplicate
// content still lands near-identical vectors, which is what the
// dedup threshold cares about. Not a semantic model.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash engine with the given width (min 64).
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = defaultHashDims
	}
	if dims < 64 {
		dims = 64
	}
	return &HashEngine{dims: dims}
}

// Embed produces a unit-length feature-hashed vector.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		e.bump(vec, tok, 1.0)
		// Character trigrams smooth over small edits.
		runes := []rune(tok)
		for i := 0; i+3 <= len(runes); i++ {
			e.bump(vec, "§"+string(runes[i:i+3]), 0.5)
		}
	}
	return Normalize(vec), nil
}

func (e *HashEngine) bump(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	// Sign from a spare hash bit keeps features from all piling up positive.
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch embeds every text.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions reports the fixed vector width.
func (e *HashEngine) Dimensions() int { return e.dims }

// Name identifies the engine.
func (e *HashEngine) Name() string { return "hash" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
