// Package vector holds the in-process approximate-retrieval index over
// memory embeddings, keyed by (id, version) and aligned with the
// primary store at merge time. Vectors persist in the storage engine's
// embeddings table; the index is rebuilt from there on startup.
package vector

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/hivemind/internal/embedding"
)

// Hit is one search result.
type Hit struct {
	ID      string
	Version int64
	Score   float64 // cosine similarity, higher is better
}

// Filter narrows search candidates before scoring. A nil filter
// admits everything.
type Filter func(id string, version int64) bool

type entry struct {
	version int64
	vec     []float32
}

// Index is a flat cosine index guarded by a reader-writer lock with
// reads dominant. Exhaustive scoring keeps recall at 1.0; at the
// fleet sizes a single machine holds this stays inside the latency
// budget without an ANN structure.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry // id → newest (version, vec)
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]entry)}
}

// Upsert installs the vector for (id, version). Older versions of the
// same id are replaced; a stale upsert (version lower than what the
// index holds) is ignored.
func (ix *Index) Upsert(id string, version int64, vec []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cur, ok := ix.entries[id]; ok && cur.version > version {
		return
	}
	ix.entries[id] = entry{version: version, vec: vec}
}

// Remove drops every vector for id.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
}

// Version returns the indexed version for id, ok=false when absent.
func (ix *Index) Version(id string) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e.version, ok
}

// Len reports the number of indexed ids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search returns the k best-scoring hits passing the filter, ordered
// by score descending then id ascending for determinism. k=0 returns
// an empty slice.
func (ix *Index) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}

	ix.mu.RLock()
	hits := make([]Hit, 0, len(ix.entries))
	for id, e := range ix.entries {
		if filter != nil && !filter(id, e.version) {
			continue
		}
		score, err := embedding.Cosine(query, e.vec)
		if err != nil {
			continue // dimension mismatch: stale vector from an older engine
		}
		hits = append(hits, Hit{ID: id, Version: e.version, Score: score})
	}
	ix.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
