package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

func testService(t *testing.T, opts Options) (*Service, *sqlite.Engine) {
	t.Helper()
	eng, err := sqlite.Open(sqlite.Options{Path: ":memory:", MachineID: "machine-a"})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	if opts.MachineID == "" {
		opts.MachineID = "machine-a"
	}
	emb, err := embedding.NewEngine(embedding.Config{Provider: "hash"})
	if err != nil {
		t.Fatalf("embedding engine: %v", err)
	}
	return NewService(eng, vector.NewIndex(), emb, opts), eng
}

func errKind(t *testing.T, err error) protocol.ErrorKind {
	t.Helper()
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *protocol.Error, got %T: %v", err, err)
	}
	return pe.Kind
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	res, err := s.Store(ctx, StoreRequest{
		Content:  []byte("postgres failover completed on db-2"),
		Category: store.CategoryInfrastructure,
		Tags:     []string{"Postgres", "postgres", " failover "},
		Agent:    "agent-1",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Deduplicated {
		t.Fatal("first store marked deduplicated")
	}

	item, err := s.Retrieve(ctx, res.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Contains(item.Content, []byte("failover")) {
		t.Fatalf("content = %q", item.Content)
	}
	// Tags are lowercased, trimmed, and deduped.
	if len(item.Tags) != 2 || item.Tags[0] != "postgres" || item.Tags[1] != "failover" {
		t.Fatalf("tags = %v", item.Tags)
	}
	if item.Scope != store.ScopeMachine {
		t.Fatalf("infrastructure default scope = %s, want machine", item.Scope)
	}
	if item.Version != 1 || item.VectorPending {
		t.Fatalf("version=%d pending=%v", item.Version, item.VectorPending)
	}
}

func TestStoreValidation(t *testing.T) {
	s, _ := testService(t, Options{MaxContentBytes: 64})
	ctx := context.Background()

	_, err := s.Store(ctx, StoreRequest{
		Content: []byte("x"), Category: store.Category("gossip"),
	})
	if kind := errKind(t, err); kind != protocol.KindInvalidCategory {
		t.Fatalf("kind = %s, want invalid_category", kind)
	}

	_, err = s.Store(ctx, StoreRequest{
		Content:  bytes.Repeat([]byte("a"), 65),
		Category: store.CategoryInfrastructure,
	})
	if kind := errKind(t, err); kind != protocol.KindRecordTooLarge {
		t.Fatalf("kind = %s, want record_too_large", kind)
	}
}

func TestDefaultScopes(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	cases := []struct {
		category store.Category
		want     store.Scope
	}{
		{store.CategoryGlobal, store.ScopeNetworkShared},
		{store.CategoryRunbooks, store.ScopeNetworkShared},
		{store.CategoryProject, store.ScopeProject},
		{store.CategoryAgent, store.ScopeMachine},
	}
	for _, tc := range cases {
		res, err := s.Store(ctx, StoreRequest{
			Content:  []byte("scope check for " + string(tc.category)),
			Category: tc.category,
		})
		if err != nil {
			t.Fatalf("store %s: %v", tc.category, err)
		}
		item, _ := s.Retrieve(ctx, res.ID)
		if item.Scope != tc.want {
			t.Errorf("%s default scope = %s, want %s", tc.category, item.Scope, tc.want)
		}
	}

	// Incidents ignore the requested scope; they are always network-wide.
	res, err := s.Store(ctx, StoreRequest{
		Content:  []byte("disk full on db-2"),
		Category: store.CategoryIncidents,
		Scope:    store.ScopeLocal,
	})
	if err != nil {
		t.Fatalf("store incident: %v", err)
	}
	item, _ := s.Retrieve(ctx, res.ID)
	if item.Scope != store.ScopeNetworkShared {
		t.Fatalf("incident scope = %s, want network-shared", item.Scope)
	}
}

func TestDedupSameCategoryAndTags(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	first, err := s.Store(ctx, StoreRequest{
		Content:  []byte("nginx upstream timeout raised to 30s"),
		Category: store.CategoryInfrastructure,
		Tags:     []string{"nginx"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// Identical content, category, and tags: dedup hit.
	second, err := s.Store(ctx, StoreRequest{
		Content:  []byte("nginx upstream timeout raised to 30s"),
		Category: store.CategoryInfrastructure,
		Tags:     []string{"NGINX"},
	})
	if err != nil {
		t.Fatalf("store dup: %v", err)
	}
	if !second.Deduplicated || second.ID != first.ID {
		t.Fatalf("dup = %+v, want dedup onto %s", second, first.ID)
	}

	// Different tags defeat the dedup even at similarity 1.0.
	third, err := s.Store(ctx, StoreRequest{
		Content:  []byte("nginx upstream timeout raised to 30s"),
		Category: store.CategoryInfrastructure,
		Tags:     []string{"nginx", "timeout"},
	})
	if err != nil {
		t.Fatalf("store different tags: %v", err)
	}
	if third.Deduplicated {
		t.Fatal("tag mismatch must not dedup")
	}

	// A different category is never a duplicate either.
	fourth, err := s.Store(ctx, StoreRequest{
		Content:  []byte("nginx upstream timeout raised to 30s"),
		Category: store.CategoryRunbooks,
		Tags:     []string{"nginx"},
	})
	if err != nil {
		t.Fatalf("store other category: %v", err)
	}
	if fourth.Deduplicated {
		t.Fatal("cross-category dedup")
	}
}

func TestDedupScansPastCloserNeighbors(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	content := []byte("nginx upstream timeout raised to 30s")
	first, err := s.Store(ctx, StoreRequest{
		Content:  content,
		Category: store.CategoryInfrastructure,
		Tags:     []string{"nginx"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// An equally-similar vector with no backing row (and an id that wins
	// the score tie-break) must not hide the real duplicate behind it.
	vec, err := s.embed.Embed(ctx, string(content))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	s.index.Upsert("0000000000000000", 1, vec)

	second, err := s.Store(ctx, StoreRequest{
		Content:  content,
		Category: store.CategoryInfrastructure,
		Tags:     []string{"nginx"},
	})
	if err != nil {
		t.Fatalf("store dup: %v", err)
	}
	if !second.Deduplicated || second.ID != first.ID {
		t.Fatalf("dup = %+v, want dedup onto %s", second, first.ID)
	}
}

func TestResourceRejectionsEmitIncidents(t *testing.T) {
	s, eng := testService(t, Options{MaxContentBytes: 64})
	ctx := context.Background()

	_, err := s.Store(ctx, StoreRequest{
		Content:  bytes.Repeat([]byte("a"), 65),
		Category: store.CategoryInfrastructure,
		Agent:    "agent-1",
	})
	if kind := errKind(t, err); kind != protocol.KindRecordTooLarge {
		t.Fatalf("kind = %s, want record_too_large", kind)
	}

	incidents, err := eng.Scan(ctx, store.ScanFilter{Category: store.CategoryIncidents})
	if err != nil {
		t.Fatalf("scan incidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if !bytes.Contains(incidents[0].Content, []byte("record_too_large")) {
		t.Fatalf("incident content = %s", incidents[0].Content)
	}
	if incidents[0].Scope != store.ScopeNetworkShared {
		t.Fatalf("incident scope = %s, want network-shared", incidents[0].Scope)
	}
}

func TestQuotaRejectionEmitsIncident(t *testing.T) {
	eng, err := sqlite.Open(sqlite.Options{
		Path:      ":memory:",
		MachineID: "machine-a",
		Quotas:    map[store.Category]int64{store.CategoryAgent: 1},
	})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	emb, _ := embedding.NewEngine(embedding.Config{Provider: "hash"})
	s := NewService(eng, vector.NewIndex(), emb, Options{MachineID: "machine-a"})
	ctx := context.Background()

	if _, err := s.Store(ctx, StoreRequest{
		Content: []byte("first agent note"), Category: store.CategoryAgent,
	}); err != nil {
		t.Fatalf("store: %v", err)
	}
	_, err = s.Store(ctx, StoreRequest{
		Content: []byte("second agent note"), Category: store.CategoryAgent,
	})
	if kind := errKind(t, err); kind != protocol.KindQuotaExceeded {
		t.Fatalf("kind = %s, want quota_exceeded", kind)
	}

	incidents, err := eng.Scan(ctx, store.ScanFilter{Category: store.CategoryIncidents})
	if err != nil {
		t.Fatalf("scan incidents: %v", err)
	}
	if len(incidents) != 1 || !bytes.Contains(incidents[0].Content, []byte("quota_exceeded")) {
		t.Fatalf("incidents = %v", incidents)
	}
}

func TestDeleteTombstonesAndForgets(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	res, err := s.Store(ctx, StoreRequest{
		Content:  []byte("temporary note"),
		Category: store.CategoryAgent,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Delete(ctx, res.ID, "obsolete"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Retrieve(ctx, res.ID); err == nil {
		t.Fatal("tombstoned item still retrievable")
	}
	// Idempotent.
	if err := s.Delete(ctx, res.ID, ""); err != nil {
		t.Fatalf("double delete: %v", err)
	}

	out := s.BulkDelete(ctx, []string{res.ID, "missing"}, "cleanup")
	for _, o := range out {
		if !o.OK {
			t.Fatalf("bulk outcome %s failed: %v", o.ID, o.Error)
		}
	}
}

func TestSearchHybridRanking(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	seed := []struct {
		content  string
		category store.Category
		tags     []string
	}{
		{"nginx upstream timeout raised to 30s", store.CategoryInfrastructure, []string{"nginx"}},
		{"postgres replication lag runbook", store.CategoryRunbooks, []string{"postgres"}},
		{"grafana dashboard for nginx latency", store.CategoryMonitoring, []string{"nginx", "grafana"}},
	}
	ids := make([]string, len(seed))
	for i, sd := range seed {
		res, err := s.Store(ctx, StoreRequest{
			Content: []byte(sd.content), Category: sd.category, Tags: sd.tags,
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids[i] = res.ID
	}

	hits, err := s.Search(ctx, SearchRequest{Query: "nginx timeout", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Item.ID != ids[0] {
		t.Fatalf("top hit = %q, want the nginx timeout item", hits[0].Item.Content)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatal("scores not descending")
		}
	}

	// Category filter.
	hits, _ = s.Search(ctx, SearchRequest{Query: "nginx", Category: store.CategoryMonitoring, Limit: 10})
	for _, h := range hits {
		if h.Item.Category != store.CategoryMonitoring {
			t.Fatalf("category filter leaked %s", h.Item.Category)
		}
	}

	// Tag filter requires every tag.
	hits, _ = s.Search(ctx, SearchRequest{Query: "nginx", Tags: []string{"nginx", "grafana"}, Limit: 10})
	if len(hits) != 1 || hits[0].Item.ID != ids[2] {
		t.Fatalf("tag-filtered hits = %d", len(hits))
	}

	// Tombstoned items never surface.
	if err := s.Delete(ctx, ids[0], ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, _ = s.Search(ctx, SearchRequest{Query: "nginx timeout", Limit: 10})
	for _, h := range hits {
		if h.Item.ID == ids[0] {
			t.Fatal("tombstoned item in results")
		}
	}

	// Limit zero returns nothing.
	hits, _ = s.Search(ctx, SearchRequest{Query: "nginx"})
	if len(hits) != 0 {
		t.Fatal("limit 0 must return no hits")
	}
}

func TestSearchIgnoresStaleVectorVersions(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	res, err := s.Store(ctx, StoreRequest{
		Content:  []byte("alpha release checklist"),
		Category: store.CategoryProject,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// Simulate an index entry that outlived its row: a vector for a
	// version the primary store does not hold. It must not lend the
	// item a similarity score for content it no longer has.
	qvec, err := s.embed.Embed(ctx, "beta rollout incident report")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	s.index.Upsert(res.ID, 99, qvec)

	hits, err := s.Search(ctx, SearchRequest{Query: "beta rollout incident report", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, h := range hits {
		if h.Item.ID == res.ID && h.VectorScore != 0 {
			t.Fatalf("stale vector scored %f against live version %d", h.VectorScore, h.Item.Version)
		}
	}
}

func TestApplyRemoteConvergence(t *testing.T) {
	s, eng := testService(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	remote := &store.MemoryItem{
		ID:            "remote-item-1",
		Content:       []byte("replicated from machine-b"),
		Category:      store.CategoryGlobal,
		Scope:         store.ScopeNetworkShared,
		OriginMachine: "machine-b",
		OriginAgent:   "agent-9",
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
		FormatVersion: 1,
	}
	if err := s.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Re-delivery of the same record is swallowed, not an error.
	if err := s.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	item, err := eng.Get(ctx, "remote-item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.OriginMachine != "machine-b" || item.VectorPending {
		t.Fatalf("item = origin %s pending %v", item.OriginMachine, item.VectorPending)
	}

	// A remote tombstone clears the vector too.
	dead := *remote
	dead.Version = 2
	dead.Content = nil
	dead.Tombstone = true
	if err := s.ApplyRemote(ctx, &dead); err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}
	if _, err := s.Retrieve(ctx, "remote-item-1"); err == nil {
		t.Fatal("tombstoned remote item still retrievable")
	}
	if _, ok := s.index.Version("remote-item-1"); ok {
		t.Fatal("vector survived the tombstone")
	}
}

func TestRebuildRestoresIndex(t *testing.T) {
	s, eng := testService(t, Options{})
	ctx := context.Background()

	res, err := s.Store(ctx, StoreRequest{
		Content:  []byte("indexed content survives restarts"),
		Category: store.CategoryGlobal,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// A fresh service over the same engine starts with an empty index.
	emb, _ := embedding.NewEngine(embedding.Config{Provider: "hash"})
	fresh := NewService(eng, vector.NewIndex(), emb, Options{MachineID: "machine-a"})
	if fresh.index.Len() != 0 {
		t.Fatal("fresh index not empty")
	}
	if err := fresh.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if v, ok := fresh.index.Version(res.ID); !ok || v != 1 {
		t.Fatalf("rebuilt index version = %d ok=%v", v, ok)
	}
}

func TestAccessStats(t *testing.T) {
	s, _ := testService(t, Options{})
	ctx := context.Background()

	if _, err := s.Store(ctx, StoreRequest{
		Content: []byte("counted"), Category: store.CategoryGlobal,
	}); err != nil {
		t.Fatalf("store: %v", err)
	}
	stats := s.AccessStats()
	if stats["store"] != 1 || stats["store:global"] != 1 {
		t.Fatalf("access stats = %v", stats)
	}
}
