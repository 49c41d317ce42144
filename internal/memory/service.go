// Package memory is the unified CRUD surface over the storage engine
// and the vector index: category/scope model, deduplication, hybrid
// ranking, retention.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Ranking holds the hybrid search weights.
type Ranking struct {
	Alpha        float64 `json:"alpha"`          // vector weight
	Beta         float64 `json:"beta"`           // keyword weight
	Gamma        float64 `json:"gamma"`          // age decay weight
	HalfLifeDays float64 `json:"half_life_days"`
}

// DefaultRanking returns the fixed default weights.
func DefaultRanking() Ranking {
	return Ranking{Alpha: 0.6, Beta: 0.3, Gamma: 0.1, HalfLifeDays: 14}
}

// Options configures the service.
type Options struct {
	MachineID string
	// DedupSimilarity is the cosine threshold above which a same-category,
	// same-tags item is treated as a duplicate. Per-category overrides win.
	DedupSimilarity float64
	DedupPerCat     map[store.Category]float64
	Ranking         Ranking
	// MaxContentBytes bounds item content (1 MiB minus framing by default).
	MaxContentBytes int
	// CategoryTTL drives the retention sweep.
	CategoryTTL      map[store.Category]time.Duration
	TombstoneHorizon time.Duration
}

// Service owns MemoryItem and EmbeddingRecord creation.
type Service struct {
	engine  store.Engine
	index   *vector.Index
	embed   embedding.Engine
	opts    Options
	rankMu  sync.RWMutex
	ranking Ranking

	accessMu sync.Mutex
	access   map[string]int64 // tool/category access counters
}

// NewService wires the memory service.
func NewService(engine store.Engine, index *vector.Index, embed embedding.Engine, opts Options) *Service {
	if opts.DedupSimilarity == 0 {
		opts.DedupSimilarity = 0.97
	}
	if opts.MaxContentBytes == 0 {
		opts.MaxContentBytes = protocol.MaxRecordBytes - 4096
	}
	r := opts.Ranking
	if r.Alpha == 0 && r.Beta == 0 && r.Gamma == 0 {
		r = DefaultRanking()
	}
	return &Service{
		engine:  engine,
		index:   index,
		embed:   embed,
		opts:    opts,
		ranking: r,
		access:  make(map[string]int64),
	}
}

// SetRanking swaps the ranking weights, used by config hot reload.
func (s *Service) SetRanking(r Ranking) {
	if r.Alpha == 0 && r.Beta == 0 && r.Gamma == 0 {
		r = DefaultRanking()
	}
	s.rankMu.Lock()
	s.ranking = r
	s.rankMu.Unlock()
}

// Rebuild reloads the vector index from persisted embeddings. The
// index is disposable: the primary store is the source of truth.
func (s *Service) Rebuild(ctx context.Context) error {
	n := 0
	err := s.engine.AllEmbeddings(ctx, func(id string, version int64, vec []float32) error {
		s.index.Upsert(id, version, vec)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	slog.Info("vector index rebuilt", "vectors", n)
	return nil
}

// StoreRequest carries the parameters of one store operation.
type StoreRequest struct {
	Content  []byte
	Category store.Category
	Tags     []string
	Context  string
	Scope    store.Scope
	Agent    string
}

// StoreResult reports the outcome of a store.
type StoreResult struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Store creates a MemoryItem (and its embedding) or, when a live
// near-duplicate exists in the same category with identical tags,
// returns the existing id instead.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if !req.Category.Valid() {
		return nil, protocol.Errf(protocol.KindInvalidCategory, "unknown category %q", req.Category)
	}
	if len(req.Content) > s.opts.MaxContentBytes {
		err := protocol.Errf(protocol.KindRecordTooLarge,
			"content %d bytes exceeds %d", len(req.Content), s.opts.MaxContentBytes)
		s.reportResourceError(ctx, err, req)
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = defaultScope(req.Category)
	}
	if !scope.Valid() {
		return nil, protocol.Errf(protocol.KindInvalidParameters, "unknown scope %q", scope)
	}
	// Incidents are network-wide regardless of the requested scope.
	if req.Category == store.CategoryIncidents {
		scope = store.ScopeNetworkShared
	}

	vec, embErr := s.embed.Embed(ctx, string(req.Content))

	if embErr == nil && req.Category != store.CategoryRuleAudit {
		if hit, ok := s.findDuplicate(ctx, req, vec); ok {
			s.countAccess("dedup_hit", req.Category)
			return &StoreResult{ID: hit, Deduplicated: true}, nil
		}
	}

	now := time.Now().UTC()
	item := &store.MemoryItem{
		ID:            store.NewItemID(req.Content),
		Content:       req.Content,
		Category:      req.Category,
		Tags:          normalizeTags(req.Tags),
		Context:       req.Context,
		Scope:         scope,
		OriginMachine: s.opts.MachineID,
		OriginAgent:   req.Agent,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
		FormatVersion: 1,
		VectorPending: embErr != nil,
	}
	if err := s.engine.Put(ctx, item); err != nil {
		s.reportResourceError(ctx, err, req)
		return nil, err
	}

	if embErr != nil {
		// EmbeddingFailed maps to vector_pending; the reconciler retries.
		slog.Warn("embedding failed, item stored vector-pending", "id", item.ID, "error", embErr)
	} else if err := s.publishVector(ctx, item.ID, item.Version, vec); err != nil {
		slog.Warn("embedding persist failed", "id", item.ID, "error", err)
	}

	s.countAccess("store", req.Category)
	return &StoreResult{ID: item.ID}, nil
}

// Retrieve returns the live item for id; tombstones surface as NotFound.
func (s *Service) Retrieve(ctx context.Context, id string) (*store.MemoryItem, error) {
	item, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Tombstone {
		return nil, protocol.Errf(protocol.KindNotFound, "memory %s not found", id)
	}
	s.countAccess("retrieve", item.Category)
	return item, nil
}

// Delete writes a tombstone and drops the vector. Idempotent: a second
// delete is a no-op and produces no new version.
func (s *Service) Delete(ctx context.Context, id, reason string) error {
	if err := s.engine.Delete(ctx, id); err != nil {
		return err
	}
	s.index.Remove(id)
	if reason != "" {
		slog.Debug("memory deleted", "id", id, "reason", reason)
	}
	return nil
}

// BulkOutcome is the per-id result of a bulk operation.
type BulkOutcome struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error *protocol.Error `json:"error,omitempty"`
}

// BulkDelete tombstones each id independently; partial success is the
// norm, there is no cross-item transaction.
func (s *Service) BulkDelete(ctx context.Context, ids []string, reason string) []BulkOutcome {
	out := make([]BulkOutcome, 0, len(ids))
	for _, id := range ids {
		res := BulkOutcome{ID: id, OK: true}
		if err := s.Delete(ctx, id, reason); err != nil {
			res.OK = false
			res.Error = protocol.AsError(err)
		}
		out = append(out, res)
	}
	return out
}

// Stats aggregates per-category counts and index freshness.
func (s *Service) Stats(ctx context.Context) (*StatsResult, error) {
	cats, err := s.engine.Stats(ctx)
	if err != nil {
		return nil, err
	}
	var pending int64
	for _, c := range cats {
		pending += c.VectorPending
	}
	return &StatsResult{
		Categories:    cats,
		IndexedVecs:   s.index.Len(),
		VectorPending: pending,
	}, nil
}

// StatsResult is the stats() payload.
type StatsResult struct {
	Categories    []store.CategoryStats `json:"categories"`
	IndexedVecs   int                   `json:"indexed_vectors"`
	VectorPending int64                 `json:"vector_pending"`
}

// ApplyRemote applies a replicated item verbatim (sync fabric path).
// Version conflicts from re-delivery are swallowed; losing LWW writes
// are silent no-ops inside the engine. Live items get a locally
// computed embedding.
func (s *Service) ApplyRemote(ctx context.Context, item *store.MemoryItem) error {
	err := s.engine.Put(ctx, item)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Kind == protocol.KindVersionConflict {
			return nil
		}
		return err
	}
	if item.Tombstone {
		s.index.Remove(item.ID)
		return s.engine.DeleteEmbedding(ctx, item.ID)
	}
	vec, embErr := s.embed.Embed(ctx, string(item.Content))
	if embErr != nil {
		return nil // stays vector_pending, reconciler retries
	}
	return s.publishVector(ctx, item.ID, item.Version, vec)
}

// publishVector persists and indexes a vector, then clears the
// pending flag.
func (s *Service) publishVector(ctx context.Context, id string, version int64, vec []float32) error {
	if err := s.engine.PutEmbedding(ctx, id, version, vec); err != nil {
		return err
	}
	s.index.Upsert(id, version, vec)
	return s.engine.MarkVectorDone(ctx, id, version)
}

// reportResourceError records a quota or size rejection as an incident
// memory so the rest of the fleet sees the resource pressure.
func (s *Service) reportResourceError(ctx context.Context, err error, req StoreRequest) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return
	}
	switch pe.Kind {
	case protocol.KindQuotaExceeded, protocol.KindRecordTooLarge:
	default:
		return
	}
	// A rejected incident write must not report itself.
	if req.Category == store.CategoryIncidents {
		return
	}
	body, merr := json.Marshal(map[string]any{
		"error":    string(pe.Kind),
		"category": string(req.Category),
		"agent_id": req.Agent,
		"detail":   pe.Detail,
	})
	if merr != nil {
		return
	}
	if _, serr := s.Store(ctx, StoreRequest{
		Content:  body,
		Category: store.CategoryIncidents,
		Tags:     []string{"resource", string(pe.Kind)},
		Scope:    store.ScopeNetworkShared,
		Agent:    "system",
	}); serr != nil {
		slog.Warn("resource incident write failed", "error", serr)
	}
}

// dedupCandidates bounds how many index hits dedup inspects before
// giving up. The qualifying duplicate is not necessarily the single
// best hit when other categories hold closer vectors.
const dedupCandidates = 16

// findDuplicate looks for a live same-category item whose similarity
// clears the category threshold and whose tags match exactly.
func (s *Service) findDuplicate(ctx context.Context, req StoreRequest, vec []float32) (string, bool) {
	threshold := s.opts.DedupSimilarity
	if t, ok := s.opts.DedupPerCat[req.Category]; ok && t > 0 {
		threshold = t
	}
	tags := normalizeTags(req.Tags)
	hits, err := s.index.Search(ctx, vec, dedupCandidates, nil)
	if err != nil {
		return "", false
	}
	for _, hit := range hits {
		if hit.Score < threshold {
			break // ordered by score; nothing further qualifies
		}
		item, err := s.engine.Get(ctx, hit.ID)
		if err != nil || item.Tombstone || item.Category != req.Category {
			continue
		}
		if item.Version != hit.Version || !sameTags(item.Tags, tags) {
			continue
		}
		return item.ID, true
	}
	return "", false
}

func defaultScope(cat store.Category) store.Scope {
	switch cat {
	case store.CategoryIncidents:
		return store.ScopeNetworkShared
	case store.CategoryGlobal, store.CategoryRunbooks, store.CategorySecurity:
		return store.ScopeNetworkShared
	case store.CategoryProject:
		return store.ScopeProject
	case store.CategoryAgent, store.CategoryRuleAudit:
		return store.ScopeMachine
	}
	return store.ScopeMachine
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if !set[t] {
			return false
		}
	}
	return true
}

func (s *Service) countAccess(op string, cat store.Category) {
	s.accessMu.Lock()
	s.access[op]++
	s.access[op+":"+string(cat)]++
	s.accessMu.Unlock()
}

// AccessStats returns a copy of the access counters.
func (s *Service) AccessStats() map[string]int64 {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	out := make(map[string]int64, len(s.access))
	for k, v := range s.access {
		out[k] = v
	}
	return out
}
