package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

type noAudit struct{}

func (noAudit) EmitRuleAudit(ctx context.Context, content []byte, tags []string) {}

func testSyncer(t *testing.T, opts Options) (*Syncer, *sqlite.Engine) {
	t.Helper()
	eng, err := sqlite.Open(sqlite.Options{Path: ":memory:", MachineID: "machine-a"})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	if opts.MachineID == "" {
		opts.MachineID = "machine-a"
	}
	emb, _ := embedding.NewEngine(embedding.Config{Provider: "hash"})
	mem := memory.NewService(eng, vector.NewIndex(), emb, memory.Options{MachineID: opts.MachineID})
	ruleEng := rules.NewEngine(eng, noAudit{}, rules.Options{MachineID: opts.MachineID})
	s := New(eng, mem, ruleEng, eng, bus.New(), auth.NewStatic(auth.StaticConfig{}), opts)
	return s, eng
}

func memoryRecord(t *testing.T, id string, version int64, origin string) protocol.SyncRecord {
	t.Helper()
	now := time.Now().UTC()
	item := store.MemoryItem{
		ID:            id,
		Content:       []byte("replicated note from " + origin),
		Category:      store.CategoryGlobal,
		Scope:         store.ScopeNetworkShared,
		OriginMachine: origin,
		OriginAgent:   "agent-9",
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       version,
		FormatVersion: 1,
	}
	payload, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	return protocol.SyncRecord{
		ID:            id,
		Version:       version,
		OriginMachine: origin,
		Kind:          "memory",
		Scope:         string(item.Scope),
		Payload:       payload,
	}
}

func TestApplyRecordMemoryIdempotent(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	rec := memoryRecord(t, "remote-1", 1, "machine-b")
	if err := s.applyRecord(ctx, rec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// A lost ack means the same records are re-sent; re-apply is a no-op.
	if err := s.applyRecord(ctx, rec); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	item, err := eng.Get(ctx, "remote-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.OriginMachine != "machine-b" {
		t.Fatalf("origin = %s", item.OriginMachine)
	}

	clock := s.Clock(ctx)
	if clock["machine-b"] != 1 {
		t.Fatalf("clock = %v, machine-b must be at 1", clock)
	}
}

func TestApplyRecordRule(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	r := store.Rule{
		RuleID:        "remote-rule",
		Name:          "remote-rule",
		Type:          "security",
		Scope:         store.RuleScopeGlobal,
		Priority:      10,
		Status:        store.RuleActive,
		Actions:       []store.RuleAction{{Type: store.ActionBlock, Reason: "frozen"}},
		Version:       1,
		OriginMachine: "machine-b",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payload, _ := json.Marshal(r)
	rec := protocol.SyncRecord{
		ID: "remote-rule", Version: 1, OriginMachine: "machine-b",
		Kind: "rule", Payload: payload,
	}
	if err := s.applyRecord(ctx, rec); err != nil {
		t.Fatalf("apply rule: %v", err)
	}
	got, err := eng.GetRule(ctx, "remote-rule")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.OriginMachine != "machine-b" || got.Status != store.RuleActive {
		t.Fatalf("rule = %+v", got)
	}
}

func TestApplyRecordRejectsOversized(t *testing.T) {
	s, _ := testSyncer(t, Options{})
	rec := protocol.SyncRecord{
		ID: "huge", Version: 1, OriginMachine: "machine-b", Kind: "memory",
		Payload: bytes.Repeat([]byte("a"), protocol.MaxRecordBytes+1),
	}
	err := s.applyRecord(context.Background(), rec)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Kind != protocol.KindRecordTooLarge {
		t.Fatalf("err = %v, want record_too_large", err)
	}
}

func TestApplyRecordRejectsUndecodable(t *testing.T) {
	s, _ := testSyncer(t, Options{})
	rec := protocol.SyncRecord{
		ID: "junk", Version: 1, OriginMachine: "machine-b", Kind: "memory",
		Payload: []byte("{not json"),
	}
	err := s.applyRecord(context.Background(), rec)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Kind != protocol.KindSyncError {
		t.Fatalf("err = %v, want sync_error", err)
	}
	// A bad record must not advance the clock past it.
	if clock := s.Clock(context.Background()); clock["machine-b"] != 0 {
		t.Fatalf("clock advanced over a rejected record: %v", clock)
	}
}

func TestApplyBatchFreezesOriginOnTransientFailure(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	if err := s.applyRecord(ctx, memoryRecord(t, "remote-1", 1, "machine-b")); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	// Storage going away mid-round must not let later records from the
	// same origin drag the clock past the one that failed, or the failed
	// record would never be re-sent.
	eng.Close()
	halted := map[string]bool{}
	applied := s.applyBatch(ctx, "machine-b", []protocol.SyncRecord{
		memoryRecord(t, "remote-2", 2, "machine-b"),
		memoryRecord(t, "remote-3", 3, "machine-b"),
	}, halted)
	if applied != 0 {
		t.Fatalf("applied = %d with storage down, want 0", applied)
	}
	if !halted["machine-b"] {
		t.Fatal("origin must be frozen after a transient apply failure")
	}
	if clock := s.Clock(ctx); clock["machine-b"] != 1 {
		t.Fatalf("clock = %v, must stay at 1 so v2 reappears next round", clock)
	}
}

func TestApplyBatchSkipsPoisonRecords(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	// An undecodable record fails identically every round; the batch
	// moves past it while still applying its neighbors.
	poison := protocol.SyncRecord{
		ID: "junk", Version: 2, OriginMachine: "machine-b", Kind: "memory",
		Payload: []byte("{not json"),
	}
	applied := s.applyBatch(ctx, "machine-b", []protocol.SyncRecord{
		memoryRecord(t, "remote-1", 1, "machine-b"),
		poison,
		memoryRecord(t, "remote-3", 3, "machine-b"),
	}, map[string]bool{})
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
	if _, err := eng.Get(ctx, "remote-3"); err != nil {
		t.Fatalf("record after the poison one was not applied: %v", err)
	}
	if clock := s.Clock(ctx); clock["machine-b"] != 3 {
		t.Fatalf("clock = %v, want 3", clock)
	}
}

func TestClockTracksLocalWrites(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	local := &store.MemoryItem{
		ID: "local-1", Content: []byte("locally written"),
		Category: store.CategoryGlobal, Scope: store.ScopeNetworkShared,
		OriginMachine: "machine-a", CreatedAt: now, UpdatedAt: now,
		Version: 1, FormatVersion: 1,
	}
	if err := eng.Put(ctx, local); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock := s.Clock(ctx)
	if clock["machine-a"] != 1 {
		t.Fatalf("clock = %v, local origin must track the write log", clock)
	}
}

func TestClockSnapshotRoundTrip(t *testing.T) {
	s, eng := testSyncer(t, Options{})
	ctx := context.Background()

	if err := s.applyRecord(ctx, memoryRecord(t, "remote-1", 7, "machine-b")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	s.persistClock(ctx)

	// A fresh syncer over the same snapshot store picks the clock up.
	emb, _ := embedding.NewEngine(embedding.Config{Provider: "hash"})
	mem := memory.NewService(eng, vector.NewIndex(), emb, memory.Options{MachineID: "machine-a"})
	ruleEng := rules.NewEngine(eng, noAudit{}, rules.Options{MachineID: "machine-a"})
	fresh := New(eng, mem, ruleEng, eng, bus.New(), auth.NewStatic(auth.StaticConfig{}), Options{MachineID: "machine-a"})
	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if clock := fresh.Clock(ctx); clock["machine-b"] != 7 {
		t.Fatalf("restored clock = %v", clock)
	}
}

func TestLagSeconds(t *testing.T) {
	s, _ := testSyncer(t, Options{})
	if s.LagSeconds() != 0 {
		t.Fatal("no peers means zero lag")
	}

	withPeer, _ := testSyncer(t, Options{
		Peers: []Peer{{MachineID: "machine-b", Addr: "b:18800"}},
	})
	if withPeer.LagSeconds() != -1 {
		t.Fatal("a never-synced peer must report unknown lag")
	}
}

func TestStatusListsPeers(t *testing.T) {
	s, _ := testSyncer(t, Options{
		Peers: []Peer{{MachineID: "machine-b", Addr: "b:18800"}},
	})
	st := s.Status(context.Background())
	if st.MachineID != "machine-a" || len(st.Peers) != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Peers[0].MachineID != "machine-b" || st.Peers[0].Applied != 0 {
		t.Fatalf("peer status = %+v", st.Peers[0])
	}
}
