// Package coord is the coordination bus: broadcasts, task delegation,
// queries, and per-agent inboxes with at-least-once delivery.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/directory"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

const inboxSnapshotKind = "inboxes"

// IncidentSink receives operational incidents (inbox overflow, dropped
// broadcasts) for durable recording. The memory service provides one.
type IncidentSink interface {
	EmitIncident(ctx context.Context, content []byte, tags []string)
}

// RetryPolicy caps broadcast redelivery: exponential backoff with
// jitter, at most MaxAttempts over MaxWindow.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxWindow   time.Duration
}

// DefaultRetryPolicy is 10 attempts over one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  10 * time.Minute,
		MaxWindow:   time.Hour,
	}
}

// Options tunes the bus.
type Options struct {
	InboxCap       int           // per-agent unacked cap, default 10000
	QueryWindow    time.Duration // response collection window, default 30s
	PendingMax     time.Duration // pending_no_agent ceiling, default 15m
	CompactHorizon time.Duration // acked/stale entry retention, default 24h
	Retry          RetryPolicy
}

// Service is the coordination bus.
type Service struct {
	dir       *directory.Directory
	events    bus.EventPublisher
	incidents IncidentSink
	snaps     store.SnapshotStore
	opts      Options

	mu          sync.Mutex
	inboxes     map[string]*Inbox
	messages    map[string]*store.Message    // message_id → message (global append-only log view)
	delegations map[string]*store.Delegation // delegation_id keyed
	queries     map[string]*queryCollector   // query message_id keyed
}

// NewService wires the bus and subscribes to directory transitions for
// pending-delegation re-evaluation.
func NewService(dir *directory.Directory, events bus.EventPublisher, incidents IncidentSink, snaps store.SnapshotStore, opts Options) *Service {
	if opts.InboxCap <= 0 {
		opts.InboxCap = 10000
	}
	if opts.QueryWindow <= 0 {
		opts.QueryWindow = 30 * time.Second
	}
	if opts.PendingMax <= 0 {
		opts.PendingMax = 15 * time.Minute
	}
	if opts.CompactHorizon <= 0 {
		opts.CompactHorizon = 24 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	s := &Service{
		dir:         dir,
		events:      events,
		incidents:   incidents,
		snaps:       snaps,
		opts:        opts,
		inboxes:     make(map[string]*Inbox),
		messages:    make(map[string]*store.Message),
		delegations: make(map[string]*store.Delegation),
		queries:     make(map[string]*queryCollector),
	}
	if events != nil {
		events.Subscribe("coord", s.onEvent)
	}
	return s
}

// BroadcastRequest is one broadcast call.
type BroadcastRequest struct {
	OriginAgent string
	Payload     []byte
	Category    store.Category
	Severity    store.Severity
	Targets     []string // empty selects all active agents
}

// Broadcast posts a message to every selected inbox with at-least-once
// semantics. Delivery failures (overflow) are recorded and the message
// is retried on the redelivery timer until acked or exhausted.
func (s *Service) Broadcast(ctx context.Context, req BroadcastRequest) (*store.Message, error) {
	targets := req.Targets
	if len(targets) == 0 {
		for _, a := range s.dir.List(store.AgentFilter{State: store.AgentActive}) {
			if a.AgentID != req.OriginAgent {
				targets = append(targets, a.AgentID)
			}
		}
	}
	msg := &store.Message{
		Kind:        store.KindBroadcast,
		MessageID:   uuid.NewString(),
		OriginAgent: req.OriginAgent,
		Severity:    req.Severity,
		Category:    req.Category,
		Payload:     req.Payload,
		Targets:     targets,
		CreatedAt:   time.Now().UTC(),
		Delivery:    make(map[string]*store.DeliveryState, len(targets)),
	}
	for _, t := range targets {
		msg.Delivery[t] = &store.DeliveryState{}
	}

	s.mu.Lock()
	s.messages[msg.MessageID] = msg
	s.mu.Unlock()

	s.deliver(ctx, msg)
	return msg, nil
}

// deliver attempts one delivery pass to every unacked, undropped
// target, updating attempts and backoff state. Delivery state is only
// touched under the service mutex; RetryPass and Acknowledge run
// concurrently against the same records.
func (s *Service) deliver(ctx context.Context, msg *store.Message) {
	now := time.Now().UTC()
	for _, target := range msg.Targets {
		s.mu.Lock()
		ds := msg.Delivery[target]
		if ds == nil || !ds.AckedAt.IsZero() || ds.Dropped || ds.NextRetry.After(now) {
			s.mu.Unlock()
			continue
		}
		ds.Attempts++
		attempts := ds.Attempts
		s.mu.Unlock()

		ok := s.inbox(target).post(msg)
		s.syncDepth(target)
		if ok {
			s.mu.Lock()
			// Posted; the entry stays until acked. Further passes only
			// re-post (a dedup no-op) if the agent still has not acked.
			ds.NextRetry = now.Add(s.backoff(attempts))
			if s.exhausted(msg, attempts, now) {
				ds.Dropped = true
			}
			s.mu.Unlock()
			if s.events != nil {
				s.events.Broadcast(bus.Event{
					Name:    bus.EventInboxPosted,
					Payload: bus.InboxPostedPayload{AgentID: target, MessageID: msg.MessageID},
				})
			}
			continue
		}
		// Inbox at cap: drop, record the incident, and tell everyone.
		s.mu.Lock()
		ds.Dropped = true
		s.mu.Unlock()
		s.reportOverflow(ctx, target, msg)
	}
}

func (s *Service) backoff(attempts int) time.Duration {
	p := s.opts.Retry
	d := p.BackoffBase << (attempts - 1)
	if d > p.BackoffCap || d <= 0 {
		d = p.BackoffCap
	}
	// Full jitter keeps redelivery waves from synchronizing.
	return time.Duration(rand64n(int64(d))) + d/2
}

func (s *Service) exhausted(msg *store.Message, attempts int, now time.Time) bool {
	return attempts >= s.opts.Retry.MaxAttempts ||
		now.Sub(msg.CreatedAt) > s.opts.Retry.MaxWindow
}

// reportOverflow logs an InboxOverflow incident and broadcasts it to
// the rest of the fleet.
func (s *Service) reportOverflow(ctx context.Context, target string, msg *store.Message) {
	slog.Warn("inbox overflow, broadcast dropped",
		"agent_id", target, "message_id", msg.MessageID)
	body, _ := json.Marshal(map[string]any{
		"error":      string(protocol.KindInboxOverflow),
		"agent_id":   target,
		"message_id": msg.MessageID,
		"origin":     msg.OriginAgent,
	})
	if s.incidents != nil {
		s.incidents.EmitIncident(ctx, body, []string{"inbox-overflow", target})
	}
	// The overflow incident is itself broadcast, excluding the full inbox
	// so a single stuck agent cannot cascade.
	var peers []string
	for _, a := range s.dir.List(store.AgentFilter{State: store.AgentActive}) {
		if a.AgentID != target {
			peers = append(peers, a.AgentID)
		}
	}
	if len(peers) == 0 {
		return
	}
	go func() {
		_, err := s.Broadcast(context.WithoutCancel(ctx), BroadcastRequest{
			OriginAgent: "system",
			Payload:     body,
			Category:    store.CategoryIncidents,
			Severity:    store.SeverityWarning,
			Targets:     peers,
		})
		if err != nil {
			slog.Warn("overflow incident broadcast failed", "error", err)
		}
	}()
}

// RetryPass re-runs delivery for every message with unacked targets.
// The scheduler drives this on the broadcast retry timer.
func (s *Service) RetryPass(ctx context.Context) {
	s.mu.Lock()
	msgs := make([]*store.Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}
	s.mu.Unlock()
	for _, m := range msgs {
		s.deliver(ctx, m)
	}
	s.expirePending(ctx)
}

// AckResult reports what an acknowledgement resolved to.
type AckResult struct {
	Acked        bool   `json:"acked"`
	DelegationID string `json:"delegation_id,omitempty"`
	State        string `json:"state,omitempty"`
}

// Acknowledge marks a message consumed by an agent. A response payload
// on a query message feeds the collector; on a delegate message it
// completes the delegation. Idempotent per (agent, message).
func (s *Service) Acknowledge(ctx context.Context, agentID, messageID string, response []byte) (*AckResult, error) {
	known := s.inbox(agentID).ack(messageID)

	s.mu.Lock()
	msg := s.messages[messageID]
	if msg == nil {
		s.mu.Unlock()
		if !known {
			return nil, protocol.Errf(protocol.KindNotFound, "message %s not in inbox of %s", messageID, agentID)
		}
		return &AckResult{Acked: true}, nil
	}
	if ds := msg.Delivery[agentID]; ds != nil && ds.AckedAt.IsZero() {
		ds.AckedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	s.syncDepth(agentID)

	res := &AckResult{Acked: true}
	switch msg.Kind {
	case store.KindQuery:
		if len(response) > 0 {
			s.collectResponse(messageID, agentID, response)
		}
	case store.KindDelegate:
		res.DelegationID, res.State = s.progressDelegation(ctx, messageID, agentID, response)
	}
	return res, nil
}

// ListInbox returns the agent's unacked messages in delivery order.
// Read-after-write within a session: ack updates are applied under the
// inbox mutex before any later list observes the queue.
func (s *Service) ListInbox(agentID string, limit int) []*store.Message {
	return s.inbox(agentID).list(limit)
}

// InboxDepth returns the agent's unacked message count.
func (s *Service) InboxDepth(agentID string) int {
	return s.inbox(agentID).depth()
}

// CompactPass drops stale inbox entries and forgets fully-settled
// messages. Runs on the retention timer.
func (s *Service) CompactPass() {
	s.mu.Lock()
	boxes := make([]*Inbox, 0, len(s.inboxes))
	for _, ib := range s.inboxes {
		boxes = append(boxes, ib)
	}
	for id, m := range s.messages {
		if settled(m) && time.Since(m.CreatedAt) > s.opts.CompactHorizon {
			delete(s.messages, id)
		}
	}
	s.mu.Unlock()
	for _, ib := range boxes {
		ib.compact(s.opts.CompactHorizon)
	}
}

func settled(m *store.Message) bool {
	for _, ds := range m.Delivery {
		if ds.AckedAt.IsZero() && !ds.Dropped {
			return false
		}
	}
	return true
}

func (s *Service) inbox(agentID string) *Inbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, ok := s.inboxes[agentID]
	if !ok {
		ib = newInbox(agentID, s.opts.InboxCap)
		s.inboxes[agentID] = ib
	}
	return ib
}

func (s *Service) syncDepth(agentID string) {
	ib := s.inbox(agentID)
	s.dir.SetInboxDepth(agentID, ib.depth(), false)
}

// onEvent reacts to directory transitions: an agent turning active
// re-evaluates queued delegations.
func (s *Service) onEvent(ev bus.Event) {
	if ev.Name != bus.EventAgentTransition {
		return
	}
	p, ok := ev.Payload.(bus.AgentTransitionPayload)
	if !ok || p.To != string(store.AgentActive) {
		return
	}
	go s.reassignPending(context.Background())
}

// Snapshot persists unacked inbox entries for restart recovery.
func (s *Service) Snapshot(ctx context.Context) error {
	if s.snaps == nil {
		return nil
	}
	s.mu.Lock()
	dump := make(map[string][]*store.Message, len(s.inboxes))
	for id, ib := range s.inboxes {
		dump[id] = ib.snapshotEntries()
	}
	s.mu.Unlock()
	data, err := json.Marshal(dump)
	if err != nil {
		return err
	}
	return s.snaps.SaveSnapshot(ctx, inboxSnapshotKind, data)
}

// Restore reloads inbox snapshots on startup.
func (s *Service) Restore(ctx context.Context) error {
	if s.snaps == nil {
		return nil
	}
	data, err := s.snaps.LoadSnapshot(ctx, inboxSnapshotKind)
	if err != nil || len(data) == 0 {
		return err
	}
	var dump map[string][]*store.Message
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("inbox snapshot corrupt: %w", err)
	}
	n := 0
	for agentID, msgs := range dump {
		ib := s.inbox(agentID)
		for _, m := range msgs {
			s.mu.Lock()
			s.messages[m.MessageID] = m
			s.mu.Unlock()
			ib.post(m)
			n++
		}
	}
	slog.Info("inboxes restored from snapshot", "messages", n)
	return nil
}
