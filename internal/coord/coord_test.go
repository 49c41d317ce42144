package coord

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/directory"
	"github.com/nextlevelbuilder/hivemind/internal/store"
)

type incidentCapture struct {
	mu   sync.Mutex
	seen [][]byte
}

func (c *incidentCapture) EmitIncident(ctx context.Context, content []byte, tags []string) {
	c.mu.Lock()
	c.seen = append(c.seen, content)
	c.mu.Unlock()
}

func (c *incidentCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func testCoord(t *testing.T, opts Options) (*Service, *directory.Directory, *incidentCapture) {
	t.Helper()
	events := bus.New()
	dir := directory.New(events, nil, directory.Options{})
	inc := &incidentCapture{}
	return NewService(dir, events, inc, nil, opts), dir, inc
}

func TestBroadcastReachesActiveAgents(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("sender", "machine-a", nil, nil)
	dir.Register("peer-1", "machine-a", nil, nil)
	dir.Register("peer-2", "machine-b", nil, nil)

	msg, err := s.Broadcast(ctx, BroadcastRequest{
		OriginAgent: "sender",
		Payload:     []byte(`{"note":"deploy done"}`),
		Category:    store.CategoryDeployments,
		Severity:    store.SeverityInfo,
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(msg.Targets) != 2 {
		t.Fatalf("targets = %v, origin must be excluded", msg.Targets)
	}
	if s.InboxDepth("peer-1") != 1 || s.InboxDepth("peer-2") != 1 {
		t.Fatal("broadcast not delivered to every peer inbox")
	}
	if s.InboxDepth("sender") != 0 {
		t.Fatal("origin received its own broadcast")
	}
}

func TestInboxOrderingSeverityLift(t *testing.T) {
	ib := newInbox("peer", 0)
	base := time.Now().UTC()
	post := func(id string, sev store.Severity, at time.Time) {
		ib.post(&store.Message{
			Kind: store.KindBroadcast, MessageID: id,
			Severity: sev, Category: store.CategoryMonitoring,
			CreatedAt: at,
		})
	}
	post("older-info", store.SeverityInfo, base)
	// Same instant: the critical one must list first.
	post("tied-info", store.SeverityInfo, base.Add(time.Second))
	post("tied-critical", store.SeverityCritical, base.Add(time.Second))
	post("newest-info", store.SeverityInfo, base.Add(2*time.Second))

	got := ib.list(0)
	if len(got) != 4 {
		t.Fatalf("inbox = %d messages, want 4", len(got))
	}
	want := []string{"older-info", "tied-critical", "tied-info", "newest-info"}
	for i, id := range want {
		if got[i].MessageID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].MessageID, id)
		}
	}

	// Re-posting a present message_id dedups.
	post("older-info", store.SeverityInfo, base)
	if ib.depth() != 4 {
		t.Fatalf("depth after re-post = %d, want 4", ib.depth())
	}
}

func TestDeliveryStateConcurrentAcks(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("sender", "machine-a", nil, nil)
	peers := []string{"peer-1", "peer-2", "peer-3", "peer-4"}
	for _, p := range peers {
		dir.Register(p, "machine-a", nil, nil)
	}

	msgs := make([]*store.Message, 8)
	for i := range msgs {
		m, err := s.Broadcast(ctx, BroadcastRequest{
			OriginAgent: "sender", Payload: []byte("x"),
			Category: store.CategoryAgent, Severity: store.SeverityInfo,
		})
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		msgs[i] = m
	}

	// Redelivery passes and acks race on the same delivery records.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.RetryPass(ctx)
			}
		}()
	}
	for _, p := range peers {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for _, m := range msgs {
				if _, err := s.Acknowledge(ctx, agent, m.MessageID, nil); err != nil {
					t.Errorf("ack %s by %s: %v", m.MessageID, agent, err)
				}
			}
		}(p)
	}
	wg.Wait()

	for _, p := range peers {
		if d := s.InboxDepth(p); d != 0 {
			t.Fatalf("inbox %s depth = %d after acking everything", p, d)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if !settled(m) {
			t.Fatalf("message %s not settled after all acks", m.MessageID)
		}
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("sender", "machine-a", nil, nil)
	dir.Register("peer", "machine-a", nil, nil)

	msg, _ := s.Broadcast(ctx, BroadcastRequest{
		OriginAgent: "sender", Payload: []byte("x"),
		Category: store.CategoryAgent, Targets: []string{"peer"},
	})

	if _, err := s.Acknowledge(ctx, "peer", msg.MessageID, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if s.InboxDepth("peer") != 0 {
		t.Fatal("ack did not clear the inbox entry")
	}
	// Second ack of the same message is a no-op, not an error.
	if _, err := s.Acknowledge(ctx, "peer", msg.MessageID, nil); err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	// Acking an unknown message fails.
	if _, err := s.Acknowledge(ctx, "peer", "no-such-id", nil); err == nil {
		t.Fatal("unknown message ack must fail")
	}
}

func TestInboxOverflowDropsAndReports(t *testing.T) {
	s, dir, inc := testCoord(t, Options{InboxCap: 2})
	ctx := context.Background()
	dir.Register("sender", "machine-a", nil, nil)
	dir.Register("peer", "machine-a", nil, nil)

	for i := 0; i < 3; i++ {
		s.Broadcast(ctx, BroadcastRequest{
			OriginAgent: "sender", Payload: []byte{byte('a' + i)},
			Category: store.CategoryAgent, Targets: []string{"peer"},
		})
	}
	if depth := s.InboxDepth("peer"); depth != 2 {
		t.Fatalf("depth = %d, want the cap", depth)
	}
	// The dropped delivery surfaces as an incident.
	deadline := time.Now().Add(time.Second)
	for inc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inc.count() == 0 {
		t.Fatal("overflow emitted no incident")
	}
}

func TestDelegatePicksLeastLoadedCapableAgent(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("creator", "machine-a", nil, nil)
	dir.Register("busy", "machine-a", nil, []string{"deploy"})
	dir.Register("free", "machine-a", nil, []string{"deploy"})
	dir.Register("wrong", "machine-a", nil, []string{"review"})

	// Load up the busy agent's inbox.
	s.Broadcast(ctx, BroadcastRequest{
		OriginAgent: "creator", Payload: []byte("x"),
		Category: store.CategoryAgent, Targets: []string{"busy"},
	})

	d, err := s.Delegate(ctx, DelegateRequest{
		CreatorAgent: "creator",
		Task:         "roll out v2 to staging",
		Capabilities: []string{"deploy"},
		Priority:     store.SeverityInfo,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.State != store.DelegationAssigned {
		t.Fatalf("state = %s, want assigned", d.State)
	}
	if d.AssignedAgent != "free" {
		t.Fatalf("assigned to %s, want the least-loaded capable agent", d.AssignedAgent)
	}
	if s.InboxDepth("free") != 1 {
		t.Fatal("delegate message missing from assignee inbox")
	}
}

func TestDelegateQueuesWithoutCapableAgent(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("creator", "machine-a", nil, nil)

	d, err := s.Delegate(ctx, DelegateRequest{
		CreatorAgent: "creator",
		Task:         "needs a deployer",
		Capabilities: []string{"deploy"},
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.State != store.DelegationPendingNoAgent {
		t.Fatalf("state = %s, want pending_no_agent", d.State)
	}

	// A capable agent turning active picks the delegation up.
	dir.Register("late-deployer", "machine-a", nil, []string{"deploy"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := s.Delegation(d.DelegationID)
		if got != nil && got.State == store.DelegationAssigned {
			if got.AssignedAgent != "late-deployer" {
				t.Fatalf("assigned to %s", got.AssignedAgent)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending delegation never assigned after agent arrival")
}

func TestDelegationLifecycleViaAcks(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("creator", "machine-a", nil, nil)
	dir.Register("worker", "machine-a", nil, []string{"deploy"})

	d, err := s.Delegate(ctx, DelegateRequest{
		CreatorAgent: "creator", Task: "deploy", Capabilities: []string{"deploy"},
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	// Bare ack: accepted, in progress.
	res, err := s.Acknowledge(ctx, "worker", d.MessageID, nil)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if res.State != string(store.DelegationInProgress) {
		t.Fatalf("state = %s, want in_progress", res.State)
	}

	// Ack with response: completed, creator notified.
	res, err = s.Acknowledge(ctx, "worker", d.MessageID, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("completion ack: %v", err)
	}
	if res.State != string(store.DelegationCompleted) {
		t.Fatalf("state = %s, want completed", res.State)
	}
	got, _ := s.Delegation(d.DelegationID)
	if got.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}

	inbox := s.ListInbox("creator", 10)
	if len(inbox) != 1 || inbox[0].Kind != store.KindStatus {
		t.Fatalf("creator inbox = %v, want one status message", len(inbox))
	}
	var note struct {
		DelegationID string          `json:"delegation_id"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(inbox[0].Payload, &note); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if note.DelegationID != d.DelegationID {
		t.Fatal("status message references the wrong delegation")
	}
}

func TestCancelOnlyCreator(t *testing.T) {
	s, dir, _ := testCoord(t, Options{})
	ctx := context.Background()
	dir.Register("creator", "machine-a", nil, nil)
	dir.Register("worker", "machine-a", nil, []string{"deploy"})
	dir.Register("meddler", "machine-a", nil, nil)

	d, _ := s.Delegate(ctx, DelegateRequest{
		CreatorAgent: "creator", Task: "deploy", Capabilities: []string{"deploy"},
	})

	if _, err := s.Cancel(ctx, d.DelegationID, "meddler"); err == nil {
		t.Fatal("non-creator cancel must be forbidden")
	}
	got, err := s.Cancel(ctx, d.DelegationID, "creator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != store.DelegationCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	// The assignee is told about the withdrawal.
	found := false
	for _, m := range s.ListInbox("worker", 10) {
		if m.Kind == store.KindCancel {
			found = true
		}
	}
	if !found {
		t.Fatal("assignee never received the cancel message")
	}

	// Cancelling a terminal delegation keeps its state.
	got, err = s.Cancel(ctx, d.DelegationID, "creator")
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if got.State != store.DelegationCancelled {
		t.Fatalf("repeat cancel state = %s", got.State)
	}
}

func TestQueryCollectsResponses(t *testing.T) {
	s, dir, _ := testCoord(t, Options{QueryWindow: 2 * time.Second})
	ctx := context.Background()
	dir.Register("asker", "machine-a", nil, nil)
	dir.Register("peer-1", "machine-a", nil, nil)
	dir.Register("peer-2", "machine-a", nil, nil)

	done := make(chan *QueryResult, 1)
	go func() {
		res, err := s.Query(ctx, QueryRequest{
			OriginAgent: "asker",
			Question:    "who owns the nginx config?",
			Category:    store.CategoryInfrastructure,
		})
		if err != nil {
			t.Errorf("query: %v", err)
		}
		done <- res
	}()

	// Wait until both peers hold the query message, then answer.
	var queryID string
	deadline := time.Now().Add(time.Second)
	for queryID == "" && time.Now().Before(deadline) {
		for _, m := range s.ListInbox("peer-1", 10) {
			if m.Kind == store.KindQuery {
				queryID = m.MessageID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if queryID == "" {
		t.Fatal("query never reached peer inboxes")
	}
	if _, err := s.Acknowledge(ctx, "peer-1", queryID, []byte(`"me"`)); err != nil {
		t.Fatalf("peer-1 answer: %v", err)
	}
	if _, err := s.Acknowledge(ctx, "peer-2", queryID, []byte(`"not me"`)); err != nil {
		t.Fatalf("peer-2 answer: %v", err)
	}

	res := <-done
	if res == nil {
		t.Fatal("no query result")
	}
	if len(res.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(res.Responses))
	}
	if res.Asked != 2 {
		t.Fatalf("asked = %d, want 2", res.Asked)
	}
}

func TestSnapshotRestoreKeepsUnacked(t *testing.T) {
	events := bus.New()
	dir := directory.New(events, nil, directory.Options{})
	dir.Register("sender", "machine-a", nil, nil)
	dir.Register("peer", "machine-a", nil, nil)

	snaps := newMemSnapshots()
	s1 := NewService(dir, events, nil, snaps, Options{})
	ctx := context.Background()
	msg, _ := s1.Broadcast(ctx, BroadcastRequest{
		OriginAgent: "sender", Payload: []byte("keep me"),
		Category: store.CategoryAgent, Targets: []string{"peer"},
	})
	if err := s1.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	s2 := NewService(dir, bus.New(), nil, snaps, Options{})
	if err := s2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := s2.ListInbox("peer", 10)
	if len(got) != 1 || got[0].MessageID != msg.MessageID {
		t.Fatalf("restored inbox = %d messages", len(got))
	}
}

// memSnapshots is an in-memory store.SnapshotStore for tests.
type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: map[string][]byte{}}
}

func (m *memSnapshots) SaveSnapshot(ctx context.Context, kind string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[kind] = append([]byte(nil), data...)
	return nil
}

func (m *memSnapshots) LoadSnapshot(ctx context.Context, kind string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[kind], nil
}
