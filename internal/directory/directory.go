// Package directory is the in-memory registry of live agents:
// registration, heartbeats, TTL expiry, and the lifecycle state
// machine whose transitions feed the coordination bus.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

const snapshotKind = "directory"

// Options tunes the directory.
type Options struct {
	// AgentTTL is how long without a heartbeat before offline (120s
	// default). Idle kicks in at TTL/2.
	AgentTTL time.Duration
	// PurgeHorizon is how long an offline agent is kept before purge.
	PurgeHorizon time.Duration
}

// Directory holds the agent map behind a reader-writer lock. Updates
// are per-agent; listings copy under the read lock.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*store.Agent

	events bus.EventPublisher
	snaps  store.SnapshotStore
	opts   Options
}

// New creates a directory publishing transitions on events. snaps may
// be nil (no persistence, used by tests).
func New(events bus.EventPublisher, snaps store.SnapshotStore, opts Options) *Directory {
	if opts.AgentTTL <= 0 {
		opts.AgentTTL = 120 * time.Second
	}
	if opts.PurgeHorizon <= 0 {
		opts.PurgeHorizon = 24 * time.Hour
	}
	return &Directory{
		agents: make(map[string]*store.Agent),
		events: events,
		snaps:  snaps,
		opts:   opts,
	}
}

// Register upserts an agent record. A re-register of a known agent
// refreshes roles and capabilities and counts as a heartbeat.
func (d *Directory) Register(agentID, machineID string, roles, capabilities []string) *store.Agent {
	now := time.Now().UTC()
	d.mu.Lock()
	a, ok := d.agents[agentID]
	if !ok {
		a = &store.Agent{
			AgentID:      agentID,
			RegisteredAt: now,
			State:        store.AgentRegistered,
		}
		d.agents[agentID] = a
	}
	a.MachineID = machineID
	a.Roles = roles
	a.Capabilities = capabilities
	a.LastSeen = now
	from := a.State
	if a.State != store.AgentActive {
		a.State = store.AgentActive
	}
	snap := *a
	d.mu.Unlock()

	if from != store.AgentActive {
		d.transition(&snap, from, store.AgentActive)
	}
	slog.Info("agent registered", "agent_id", agentID, "machine_id", machineID, "capabilities", capabilities)
	return &snap
}

// Heartbeat refreshes last_seen and health. Unknown agents fail with
// NotFound; callers re-register.
func (d *Directory) Heartbeat(agentID, health string) error {
	now := time.Now().UTC()
	d.mu.Lock()
	a, ok := d.agents[agentID]
	if !ok || a.State == store.AgentPurged {
		d.mu.Unlock()
		return protocol.Errf(protocol.KindNotFound, "agent %s not registered", agentID)
	}
	a.LastSeen = now
	if health != "" {
		a.Health = health
	}
	from := a.State
	a.State = store.AgentActive
	snap := *a
	d.mu.Unlock()

	if from != store.AgentActive {
		d.transition(&snap, from, store.AgentActive)
	}
	return nil
}

// List returns agents passing the filter, sorted by agent_id. Purged
// agents never appear.
func (d *Directory) List(f store.AgentFilter) []*store.Agent {
	d.mu.RLock()
	out := make([]*store.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		if a.State == store.AgentPurged {
			continue
		}
		if f.Matches(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Status returns one agent's record.
func (d *Directory) Status(agentID string) (*store.Agent, error) {
	d.mu.RLock()
	a, ok := d.agents[agentID]
	if ok {
		cp := *a
		a = &cp
	}
	d.mu.RUnlock()
	if !ok || a.State == store.AgentPurged {
		return nil, protocol.Errf(protocol.KindNotFound, "agent %s not registered", agentID)
	}
	return a, nil
}

// ExpireSweep demotes agents by heartbeat age: idle past TTL/2,
// offline past TTL, purged past the retention horizon. Runs on a
// timer.
func (d *Directory) ExpireSweep() {
	now := time.Now().UTC()
	type move struct {
		agent    store.Agent
		from, to store.AgentState
	}
	var moves []move

	d.mu.Lock()
	for _, a := range d.agents {
		age := now.Sub(a.LastSeen)
		var next store.AgentState
		switch {
		case a.State == store.AgentPurged:
			continue
		case age > d.opts.PurgeHorizon:
			next = store.AgentPurged
		case age > d.opts.AgentTTL:
			next = store.AgentOffline
		case age > d.opts.AgentTTL/2:
			next = store.AgentIdle
		default:
			continue
		}
		if next == a.State {
			continue
		}
		from := a.State
		a.State = next
		moves = append(moves, move{agent: *a, from: from, to: next})
	}
	d.mu.Unlock()

	for _, m := range moves {
		d.transition(&m.agent, m.from, m.to)
	}
}

// SetInboxDepth mirrors the coordination bus's per-agent queue depth
// for delegation routing.
func (d *Directory) SetInboxDepth(agentID string, depth int, overflow bool) {
	d.mu.Lock()
	if a, ok := d.agents[agentID]; ok {
		a.InboxDepth = depth
		a.Overflow = overflow
	}
	d.mu.Unlock()
}

// MarkAssigned records a delegation assignment for least-recently-
// assigned tie-breaking.
func (d *Directory) MarkAssigned(agentID string) {
	d.mu.Lock()
	if a, ok := d.agents[agentID]; ok {
		a.LastAssigned = time.Now().UTC()
	}
	d.mu.Unlock()
}

// Count returns the number of non-purged agents.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, a := range d.agents {
		if a.State != store.AgentPurged {
			n++
		}
	}
	return n
}

func (d *Directory) transition(a *store.Agent, from, to store.AgentState) {
	slog.Debug("agent transition", "agent_id", a.AgentID, "from", from, "to", to)
	if d.events != nil {
		d.events.Broadcast(bus.Event{
			Name: bus.EventAgentTransition,
			Payload: bus.AgentTransitionPayload{
				AgentID:   a.AgentID,
				MachineID: a.MachineID,
				From:      string(from),
				To:        string(to),
			},
		})
	}
}

// Snapshot persists the agent map for restart recovery.
func (d *Directory) Snapshot(ctx context.Context) error {
	if d.snaps == nil {
		return nil
	}
	d.mu.RLock()
	list := make([]*store.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		cp := *a
		list = append(list, &cp)
	}
	d.mu.RUnlock()

	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return d.snaps.SaveSnapshot(ctx, snapshotKind, data)
}

// Restore loads the last snapshot. Restored agents come back offline
// until their first heartbeat; liveness never survives a restart.
func (d *Directory) Restore(ctx context.Context) error {
	if d.snaps == nil {
		return nil
	}
	data, err := d.snaps.LoadSnapshot(ctx, snapshotKind)
	if err != nil || len(data) == 0 {
		return err
	}
	var list []*store.Agent
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	d.mu.Lock()
	for _, a := range list {
		if a.State == store.AgentPurged {
			continue
		}
		a.State = store.AgentOffline
		d.agents[a.AgentID] = a
	}
	n := len(d.agents)
	d.mu.Unlock()
	slog.Info("directory restored from snapshot", "agents", n)
	return nil
}
