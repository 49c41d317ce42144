package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
)

// transitionLog records bus transitions for assertions.
type transitionLog struct {
	mu    sync.Mutex
	moves []bus.AgentTransitionPayload
}

func (l *transitionLog) record(ev bus.Event) {
	if ev.Name != bus.EventAgentTransition {
		return
	}
	p, ok := ev.Payload.(bus.AgentTransitionPayload)
	if !ok {
		return
	}
	l.mu.Lock()
	l.moves = append(l.moves, p)
	l.mu.Unlock()
}

func (l *transitionLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.moves)
}

func testDirectory(t *testing.T, opts Options) (*Directory, *transitionLog) {
	t.Helper()
	events := bus.New()
	log := &transitionLog{}
	events.Subscribe("test", log.record)
	return New(events, nil, opts), log
}

func TestRegisterAndStatus(t *testing.T) {
	d, log := testDirectory(t, Options{})

	a := d.Register("agent-1", "machine-a", []string{"deployer"}, []string{"deploy", "rollback"})
	if a.State != store.AgentActive {
		t.Fatalf("state = %s, want active", a.State)
	}
	if log.count() != 1 {
		t.Fatalf("transitions = %d, want 1 (registered→active)", log.count())
	}

	got, err := d.Status("agent-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !got.HasCapability("deploy") {
		t.Error("capability lost on register")
	}

	if _, err := d.Status("ghost"); err == nil {
		t.Fatal("unknown agent should be not_found")
	}

	// Re-register of an active agent emits no extra transition.
	d.Register("agent-1", "machine-a", nil, []string{"deploy"})
	if log.count() != 1 {
		t.Fatalf("transitions after re-register = %d, want 1", log.count())
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	d, _ := testDirectory(t, Options{})
	if err := d.Heartbeat("ghost", "ok"); err == nil {
		t.Fatal("heartbeat for unknown agent must fail")
	}
}

func TestListFilters(t *testing.T) {
	d, _ := testDirectory(t, Options{})
	d.Register("agent-a", "machine-1", []string{"deployer"}, []string{"deploy"})
	d.Register("agent-b", "machine-2", []string{"reviewer"}, []string{"review"})

	all := d.List(store.AgentFilter{})
	if len(all) != 2 || all[0].AgentID != "agent-a" {
		t.Fatalf("list = %d entries, want 2 sorted", len(all))
	}

	got := d.List(store.AgentFilter{Capability: "deploy"})
	if len(got) != 1 || got[0].AgentID != "agent-a" {
		t.Fatalf("capability filter = %v", got)
	}
	got = d.List(store.AgentFilter{Role: "reviewer"})
	if len(got) != 1 || got[0].AgentID != "agent-b" {
		t.Fatalf("role filter = %v", got)
	}
	got = d.List(store.AgentFilter{MachineID: "machine-1"})
	if len(got) != 1 {
		t.Fatalf("machine filter = %v", got)
	}
}

func TestExpireSweepLifecycle(t *testing.T) {
	d, _ := testDirectory(t, Options{
		AgentTTL:     40 * time.Millisecond,
		PurgeHorizon: 200 * time.Millisecond,
	})
	d.Register("agent-1", "machine-a", nil, nil)

	// Past TTL/2: idle.
	time.Sleep(25 * time.Millisecond)
	d.ExpireSweep()
	a, err := d.Status("agent-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if a.State != store.AgentIdle {
		t.Fatalf("state = %s, want idle", a.State)
	}

	// Past TTL: offline.
	time.Sleep(25 * time.Millisecond)
	d.ExpireSweep()
	a, _ = d.Status("agent-1")
	if a.State != store.AgentOffline {
		t.Fatalf("state = %s, want offline", a.State)
	}

	// A heartbeat brings an offline agent back to active.
	if err := d.Heartbeat("agent-1", "ok"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	a, _ = d.Status("agent-1")
	if a.State != store.AgentActive {
		t.Fatalf("state after heartbeat = %s, want active", a.State)
	}

	// Past the purge horizon the agent disappears entirely.
	time.Sleep(220 * time.Millisecond)
	d.ExpireSweep()
	if _, err := d.Status("agent-1"); err == nil {
		t.Fatal("purged agent still visible")
	}
	if d.Count() != 0 {
		t.Fatalf("count = %d, want 0", d.Count())
	}
	// Heartbeats for purged identities require re-registration.
	if err := d.Heartbeat("agent-1", "ok"); err == nil {
		t.Fatal("heartbeat after purge must fail")
	}
}

func TestSnapshotRestoreComesBackOffline(t *testing.T) {
	eng, err := sqlite.Open(sqlite.Options{Path: ":memory:", MachineID: "machine-a"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	d1 := New(bus.New(), eng, Options{})
	d1.Register("agent-1", "machine-a", nil, []string{"deploy"})
	if err := d1.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	d2 := New(bus.New(), eng, Options{})
	if err := d2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	a, err := d2.Status("agent-1")
	if err != nil {
		t.Fatalf("status after restore: %v", err)
	}
	if a.State != store.AgentOffline {
		t.Fatalf("restored state = %s, want offline until first heartbeat", a.State)
	}
	if !a.HasCapability("deploy") {
		t.Error("capabilities lost across restore")
	}
}
