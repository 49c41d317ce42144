package coord

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// DelegateRequest is one delegate call.
type DelegateRequest struct {
	CreatorAgent string
	Task         string
	Capabilities []string
	Priority     store.Severity
	Deadline     time.Time
}

// Delegate assigns the task to one capable agent, or queues it
// pending_no_agent when none is active. The pending window is the
// sooner of the caller's deadline and the configured ceiling.
func (s *Service) Delegate(ctx context.Context, req DelegateRequest) (*store.Delegation, error) {
	if req.Task == "" {
		return nil, protocol.Errf(protocol.KindInvalidParameters, "task_description is required")
	}
	now := time.Now().UTC()
	d := &store.Delegation{
		DelegationID: uuid.NewString(),
		CreatorAgent: req.CreatorAgent,
		Task:         req.Task,
		Capabilities: req.Capabilities,
		Priority:     req.Priority,
		State:        store.DelegationPendingNoAgent,
		CreatedAt:    now,
		Deadline:     s.pendingDeadline(now, req.Deadline),
	}

	if target := s.pickTarget(req.Capabilities, req.Priority); target != "" {
		if err := s.assign(ctx, d, target); err != nil {
			return nil, err
		}
	} else {
		slog.Info("delegation queued, no capable active agent",
			"delegation_id", d.DelegationID, "capabilities", req.Capabilities)
	}

	s.mu.Lock()
	s.delegations[d.DelegationID] = d
	s.mu.Unlock()
	s.publishDelegation(d)
	return d, nil
}

func (s *Service) pendingDeadline(now, requested time.Time) time.Time {
	ceiling := now.Add(s.opts.PendingMax)
	if requested.IsZero() || requested.After(ceiling) {
		return ceiling
	}
	return requested
}

// pickTarget selects the active agent matching every capability with
// the lowest inbox depth. Ties prefer agents whose roles match the
// task priority, then the least recently assigned, then agent_id.
func (s *Service) pickTarget(caps []string, priority store.Severity) string {
	candidates := s.dir.List(store.AgentFilter{State: store.AgentActive})
	matching := candidates[:0]
	for _, a := range candidates {
		if a.Overflow {
			continue
		}
		ok := true
		for _, c := range caps {
			if !a.HasCapability(c) {
				ok = false
				break
			}
		}
		if ok {
			matching = append(matching, a)
		}
	}
	if len(matching) == 0 {
		return ""
	}
	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if a.InboxDepth != b.InboxDepth {
			return a.InboxDepth < b.InboxDepth
		}
		am, bm := hasRole(a.Roles, string(priority)), hasRole(b.Roles, string(priority))
		if am != bm {
			return am
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.AgentID < b.AgentID
	})
	return matching[0].AgentID
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// assign posts the delegate message to the target's inbox and moves
// the delegation to assigned.
func (s *Service) assign(ctx context.Context, d *store.Delegation, target string) error {
	payload, err := json.Marshal(map[string]any{
		"delegation_id":         d.DelegationID,
		"task":                  d.Task,
		"required_capabilities": d.Capabilities,
		"priority":              d.Priority,
		"deadline":              d.Deadline,
		"creator":               d.CreatorAgent,
	})
	if err != nil {
		return err
	}
	msg := &store.Message{
		Kind:        store.KindDelegate,
		MessageID:   uuid.NewString(),
		OriginAgent: d.CreatorAgent,
		Severity:    d.Priority,
		Category:    store.CategoryAgent,
		Payload:     payload,
		Targets:     []string{target},
		CreatedAt:   time.Now().UTC(),
		Delivery:    map[string]*store.DeliveryState{target: {}},
	}
	s.mu.Lock()
	s.messages[msg.MessageID] = msg
	s.mu.Unlock()
	s.deliver(ctx, msg)

	d.AssignedAgent = target
	d.MessageID = msg.MessageID
	d.State = store.DelegationAssigned
	s.dir.MarkAssigned(target)
	slog.Info("delegation assigned", "delegation_id", d.DelegationID, "agent_id", target)
	return nil
}

// reassignPending retries queued delegations; called when an agent
// turns active.
func (s *Service) reassignPending(ctx context.Context) {
	s.mu.Lock()
	pending := make([]*store.Delegation, 0)
	for _, d := range s.delegations {
		if d.State == store.DelegationPendingNoAgent {
			pending = append(pending, d)
		}
	}
	s.mu.Unlock()

	for _, d := range pending {
		target := s.pickTarget(d.Capabilities, d.Priority)
		if target == "" {
			continue
		}
		if err := s.assign(ctx, d, target); err != nil {
			slog.Warn("pending delegation assignment failed",
				"delegation_id", d.DelegationID, "error", err)
			continue
		}
		s.publishDelegation(d)
	}
}

// expirePending moves timed-out queued delegations to expired.
func (s *Service) expirePending(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	var expired []*store.Delegation
	for _, d := range s.delegations {
		if d.State == store.DelegationPendingNoAgent && now.After(d.Deadline) {
			d.State = store.DelegationExpired
			expired = append(expired, d)
		}
	}
	s.mu.Unlock()
	for _, d := range expired {
		slog.Info("delegation expired unassigned", "delegation_id", d.DelegationID)
		s.publishDelegation(d)
	}
	_ = ctx
}

// Cancel withdraws a delegation. Only the creator may cancel; a
// completed delegation ignores the cancel. The assigned agent receives
// a cancel message.
func (s *Service) Cancel(ctx context.Context, delegationID, byAgent string) (*store.Delegation, error) {
	s.mu.Lock()
	d, ok := s.delegations[delegationID]
	if ok && d.CreatorAgent != byAgent {
		s.mu.Unlock()
		return nil, protocol.Errf(protocol.KindForbidden,
			"delegation %s belongs to %s", delegationID, d.CreatorAgent)
	}
	if ok && !d.State.Terminal() {
		d.State = store.DelegationCancelled
	}
	var snap store.Delegation
	if ok {
		snap = *d
	}
	s.mu.Unlock()
	if !ok {
		return nil, protocol.Errf(protocol.KindNotFound, "delegation %s not found", delegationID)
	}
	if snap.State == store.DelegationCancelled && snap.AssignedAgent != "" {
		payload, _ := json.Marshal(map[string]string{
			"delegation_id": snap.DelegationID,
			"reason":        "cancelled by " + byAgent,
		})
		msg := &store.Message{
			Kind:        store.KindCancel,
			MessageID:   uuid.NewString(),
			OriginAgent: byAgent,
			Severity:    store.SeverityWarning,
			Category:    store.CategoryAgent,
			Payload:     payload,
			Targets:     []string{snap.AssignedAgent},
			CreatedAt:   time.Now().UTC(),
			Delivery:    map[string]*store.DeliveryState{snap.AssignedAgent: {}},
		}
		s.mu.Lock()
		s.messages[msg.MessageID] = msg
		s.mu.Unlock()
		s.deliver(ctx, msg)
	}
	s.publishDelegation(&snap)
	return &snap, nil
}

// progressDelegation advances the lifecycle on acknowledgement of the
// delegate message: a bare ack means in_progress, an ack carrying a
// response completes it.
func (s *Service) progressDelegation(ctx context.Context, messageID, agentID string, response []byte) (string, string) {
	s.mu.Lock()
	var d *store.Delegation
	for _, cand := range s.delegations {
		if cand.MessageID == messageID && cand.AssignedAgent == agentID {
			d = cand
			break
		}
	}
	if d == nil {
		s.mu.Unlock()
		return "", ""
	}
	switch {
	case d.State.Terminal():
	case len(response) > 0:
		d.State = store.DelegationCompleted
		d.CompletedAt = time.Now().UTC()
	case d.State == store.DelegationAssigned:
		d.State = store.DelegationInProgress
	}
	snap := *d
	s.mu.Unlock()

	if snap.State == store.DelegationCompleted && len(response) > 0 {
		s.notifyCompletion(ctx, &snap, response)
	}
	s.publishDelegation(&snap)
	return snap.DelegationID, string(snap.State)
}

// notifyCompletion posts the result back to the creator's inbox.
func (s *Service) notifyCompletion(ctx context.Context, d *store.Delegation, response []byte) {
	payload, _ := json.Marshal(map[string]any{
		"delegation_id": d.DelegationID,
		"state":         d.State,
		"result":        json.RawMessage(response),
	})
	msg := &store.Message{
		Kind:        store.KindStatus,
		MessageID:   uuid.NewString(),
		OriginAgent: d.AssignedAgent,
		Severity:    store.SeverityInfo,
		Category:    store.CategoryAgent,
		Payload:     payload,
		Targets:     []string{d.CreatorAgent},
		CreatedAt:   time.Now().UTC(),
		Delivery:    map[string]*store.DeliveryState{d.CreatorAgent: {}},
	}
	s.mu.Lock()
	s.messages[msg.MessageID] = msg
	s.mu.Unlock()
	s.deliver(ctx, msg)
}

// Delegation returns the current state of one delegation.
func (s *Service) Delegation(delegationID string) (*store.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[delegationID]
	if !ok {
		return nil, protocol.Errf(protocol.KindNotFound, "delegation %s not found", delegationID)
	}
	snap := *d
	return &snap, nil
}

func (s *Service) publishDelegation(d *store.Delegation) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{
		Name: bus.EventDelegation,
		Payload: bus.DelegationPayload{
			DelegationID: d.DelegationID,
			State:        string(d.State),
			AssignedTo:   d.AssignedAgent,
		},
	})
}

func rand64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int63n(n)
}
