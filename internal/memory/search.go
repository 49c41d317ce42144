package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// SearchRequest carries the parameters of one hybrid search.
type SearchRequest struct {
	Query    string
	Category store.Category // optional filter
	Tags     []string       // optional, every tag must be present
	Scope    store.Scope    // optional filter
	Limit    int            // k; 0 means no results
}

// SearchHit is one ranked result.
type SearchHit struct {
	Item         *store.MemoryItem `json:"item"`
	Score        float64           `json:"score"`
	VectorScore  float64           `json:"vector_score"`
	KeywordScore float64           `json:"keyword_score"`
}

// Search runs the hybrid ranking pass: vector candidates from the
// index, keyword candidates from the engine scan, merged per id with
// the higher combined score kept. Ordering is score descending, then
// updated_at descending, then id ascending.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.Limit <= 0 {
		return []SearchHit{}, nil
	}
	if req.Category != "" && !req.Category.Valid() {
		return nil, protocol.Errf(protocol.KindInvalidCategory, "unknown category %q", req.Category)
	}

	now := time.Now().UTC()
	terms := tokenizeQuery(req.Query)
	tags := normalizeTags(req.Tags)

	// Keyword leg: scan candidates through the engine filters, score
	// by query term coverage over content and tags.
	scanned, err := s.engine.Scan(ctx, store.ScanFilter{
		Category: req.Category,
		Scope:    req.Scope,
		Tags:     tags,
		Limit:    keywordCandidateLimit(req.Limit),
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*SearchHit, len(scanned))
	for _, item := range scanned {
		byID[item.ID] = &SearchHit{
			Item:         item,
			KeywordScore: keywordScore(terms, item),
		}
	}

	// Vector leg: over-fetch so post-filtering by category/tags still
	// fills the requested k.
	if len(req.Query) > 0 {
		qvec, embErr := s.embed.Embed(ctx, req.Query)
		if embErr == nil {
			hits, err := s.index.Search(ctx, qvec, vectorCandidateLimit(req.Limit), nil)
			if err != nil {
				return nil, err
			}
			s.mergeVectorHits(ctx, byID, hits, req, tags)
		}
		// Embedding failure degrades to keyword-only ranking.
	}

	ranked := make([]SearchHit, 0, len(byID))
	for _, h := range byID {
		h.Score = s.combined(h, now)
		ranked = append(ranked, *h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Item.UpdatedAt.Equal(ranked[j].Item.UpdatedAt) {
			return ranked[i].Item.UpdatedAt.After(ranked[j].Item.UpdatedAt)
		}
		return ranked[i].Item.ID < ranked[j].Item.ID
	})
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}
	s.countAccess("search", req.Category)
	return ranked, nil
}

// mergeVectorHits folds index hits into the candidate map, loading and
// filtering items the keyword scan did not already produce. A hit
// whose version differs from the live row scored stale content and is
// discarded.
func (s *Service) mergeVectorHits(ctx context.Context, byID map[string]*SearchHit, hits []vector.Hit, req SearchRequest, tags []string) {
	for _, h := range hits {
		if existing, ok := byID[h.ID]; ok {
			if existing.Item.Version == h.Version {
				existing.VectorScore = normalizeCosine(h.Score)
			}
			continue
		}
		item, err := s.engine.Get(ctx, h.ID)
		if err != nil || item.Tombstone || item.Version != h.Version {
			continue
		}
		if req.Category != "" && item.Category != req.Category {
			continue
		}
		if req.Scope != "" && item.Scope != req.Scope {
			continue
		}
		if !containsAllTags(item.Tags, tags) {
			continue
		}
		byID[h.ID] = &SearchHit{
			Item:         item,
			VectorScore:  normalizeCosine(h.Score),
			KeywordScore: keywordScore(tokenizeQuery(req.Query), item),
		}
	}
}

// combined applies the weighted blend with exponential age decay.
func (s *Service) combined(h *SearchHit, now time.Time) float64 {
	s.rankMu.RLock()
	r := s.ranking
	s.rankMu.RUnlock()
	ageDays := now.Sub(h.Item.UpdatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	half := r.HalfLifeDays
	if half <= 0 {
		half = DefaultRanking().HalfLifeDays
	}
	// Decay grows from 0 toward 1 as the item ages past its half-life.
	decay := 1 - math.Pow(0.5, ageDays/half)
	return r.Alpha*h.VectorScore + r.Beta*h.KeywordScore - r.Gamma*decay
}

// normalizeCosine maps [-1,1] similarity into [0,1].
func normalizeCosine(cos float64) float64 {
	return (cos + 1) / 2
}

// keywordScore is the fraction of query terms present in the item's
// content, tags, or context.
func keywordScore(terms []string, item *store.MemoryItem) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(string(item.Content)) + " " +
		strings.ToLower(item.Context) + " " + strings.Join(item.Tags, " ")
	matched := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func tokenizeQuery(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:!?()[]{}`)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func containsAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func keywordCandidateLimit(k int) int {
	n := k * 8
	if n < 100 {
		n = 100
	}
	if n > 2000 {
		n = 2000
	}
	return n
}

func vectorCandidateLimit(k int) int {
	n := k * 4
	if n < 50 {
		n = 50
	}
	return n
}
