// Package syncer is the cross-machine replication fabric: pairwise
// sync rounds over websocket, vector-clock reconciliation, and
// full-snapshot resync for peers past the retention horizon.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

const clockSnapshotKind = "sync_clock"

// Peer is one configured replication partner.
type Peer struct {
	MachineID string `json:"machine_id"`
	Addr      string `json:"addr"` // host:port of the peer's /sync endpoint
	Secret    string `json:"secret"`
}

// Options tunes the fabric.
type Options struct {
	MachineID  string
	ProjectTag string
	Peers      []Peer

	Interval      time.Duration // round period, default 30s, jittered
	MaxPerRound   int           // records per batch, default 500
	PeerTimeout   time.Duration // dial + round deadline, default 20s
	MaxLag        int           // unapplied backlog before catchup mode, default 10000
	TombstoneSkew time.Duration
}

// peerState is per-peer bookkeeping.
type peerState struct {
	peer        Peer
	lastAttempt time.Time
	lastSuccess time.Time
	lastError   string
	applied     int64 // records applied from this peer, lifetime
}

// Syncer drives outbound rounds and serves inbound ones. No
// application lock is held during network I/O; every mutation goes
// through the engine's own synchronization.
type Syncer struct {
	engine store.Engine
	mem    *memory.Service
	rules  *rules.Engine
	snaps  store.SnapshotStore
	events bus.EventPublisher
	authn  auth.Authenticator
	opts   Options

	mu      sync.Mutex
	clock   protocol.VectorClock // what this machine has applied, per origin
	peers   []*peerState
	next    int  // round-robin cursor
	catchup bool // declining inbound rounds while draining

	kick chan struct{} // force_sync wakes the loop
}

// New builds the syncer. The clock is restored from its snapshot; a
// missing snapshot means an empty clock and a full pull from peers.
func New(engine store.Engine, mem *memory.Service, ruleEng *rules.Engine, snaps store.SnapshotStore, events bus.EventPublisher, authn auth.Authenticator, opts Options) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxPerRound <= 0 {
		opts.MaxPerRound = 500
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 20 * time.Second
	}
	if opts.MaxLag <= 0 {
		opts.MaxLag = 10000
	}
	s := &Syncer{
		engine: engine,
		mem:    mem,
		rules:  ruleEng,
		snaps:  snaps,
		events: events,
		authn:  authn,
		opts:   opts,
		clock:  protocol.VectorClock{},
		kick:   make(chan struct{}, 1),
	}
	for _, p := range opts.Peers {
		s.peers = append(s.peers, &peerState{peer: p})
	}
	return s
}

// Restore loads the persisted vector clock.
func (s *Syncer) Restore(ctx context.Context) error {
	if s.snaps == nil {
		return nil
	}
	data, err := s.snaps.LoadSnapshot(ctx, clockSnapshotKind)
	if err != nil || len(data) == 0 {
		return err
	}
	var clock protocol.VectorClock
	if err := json.Unmarshal(data, &clock); err != nil {
		return err
	}
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
	slog.Info("sync clock restored", "origins", len(clock))
	return nil
}

func (s *Syncer) persistClock(ctx context.Context) {
	if s.snaps == nil {
		return
	}
	s.mu.Lock()
	data, err := json.Marshal(s.clock)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.snaps.SaveSnapshot(ctx, clockSnapshotKind, data); err != nil {
		slog.Warn("sync clock persist failed", "error", err)
	}
}

// Clock returns a copy of the applied vector clock. The local origin's
// entry tracks the engine's write log directly.
func (s *Syncer) Clock(ctx context.Context) protocol.VectorClock {
	s.mu.Lock()
	clock := s.clock.Copy()
	s.mu.Unlock()
	if v, ok, err := latestLocalVersion(ctx, s.engine, s.opts.MachineID); err == nil && ok {
		clock.Observe(s.opts.MachineID, v)
	}
	return clock
}

// latestLocalVersion finds the newest write-log version this machine
// originated.
func latestLocalVersion(ctx context.Context, engine store.Engine, machineID string) (int64, bool, error) {
	cursor := protocol.VectorClock{}
	var newest int64
	found := false
	for {
		entries, more, err := engine.LogSince(ctx, cursor, 500)
		if err != nil {
			return 0, false, err
		}
		for _, e := range entries {
			cursor.Observe(e.OriginMachine, e.Version)
			if e.OriginMachine == machineID && e.Version > newest {
				newest = e.Version
				found = true
			}
		}
		if !more || len(entries) == 0 {
			return newest, found, nil
		}
	}
}

// Status is the sync_status tool payload.
type Status struct {
	MachineID string               `json:"machine_id"`
	Clock     protocol.VectorClock `json:"vector_clock"`
	Catchup   bool                 `json:"catchup"`
	Peers     []PeerStatus         `json:"peers"`
}

// PeerStatus summarizes one peer relationship.
type PeerStatus struct {
	MachineID   string    `json:"machine_id"`
	Addr        string    `json:"addr"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Applied     int64     `json:"applied_records"`
}

// Status reports the fabric state.
func (s *Syncer) Status(ctx context.Context) *Status {
	clock := s.Clock(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &Status{MachineID: s.opts.MachineID, Clock: clock, Catchup: s.catchup}
	for _, ps := range s.peers {
		out.Peers = append(out.Peers, PeerStatus{
			MachineID:   ps.peer.MachineID,
			Addr:        ps.peer.Addr,
			LastAttempt: ps.lastAttempt,
			LastSuccess: ps.lastSuccess,
			LastError:   ps.lastError,
			Applied:     ps.applied,
		})
	}
	return out
}

// LagSeconds reports how long ago the last successful round with any
// peer completed, for /health. Zero peers means zero lag.
func (s *Syncer) LagSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return 0
	}
	var newest time.Time
	for _, ps := range s.peers {
		if ps.lastSuccess.After(newest) {
			newest = ps.lastSuccess
		}
	}
	if newest.IsZero() {
		return -1
	}
	return time.Since(newest).Seconds()
}

// Kick requests an immediate round (force_sync).
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives jittered rounds until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	if len(s.peers) == 0 {
		slog.Info("sync fabric idle, no peers configured")
		<-ctx.Done()
		return
	}
	for {
		wait := s.opts.Interval/2 + time.Duration(rand64n(int64(s.opts.Interval)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
		s.RoundOnce(ctx)
	}
}

// pickPeer chooses the next peer round-robin, biased toward the one
// not contacted for the longest.
func (s *Syncer) pickPeer() *peerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return nil
	}
	oldest := s.peers[s.next%len(s.peers)]
	for _, ps := range s.peers {
		if ps.lastAttempt.Before(oldest.lastAttempt) {
			oldest = ps
		}
	}
	s.next++
	oldest.lastAttempt = time.Now().UTC()
	return oldest
}

// applyBatch applies one batch of records. The clock advances only
// past records that applied or that can never apply; an origin that
// hits a transient failure is frozen for the rest of the round so its
// unapplied records reappear next time.
func (s *Syncer) applyBatch(ctx context.Context, peer string, records []protocol.SyncRecord, halted map[string]bool) int {
	applied := 0
	for _, rec := range records {
		if halted[rec.OriginMachine] {
			continue
		}
		err := s.applyRecord(ctx, rec)
		if err == nil {
			applied++
			continue
		}
		var pe *protocol.Error
		if errors.As(err, &pe) && !pe.Retriable {
			// Undecodable or oversized records fail identically every
			// round; skipping their version keeps the feed moving.
			slog.Warn("sync record rejected", "peer", peer, "id", rec.ID, "error", err)
			s.observe(rec.OriginMachine, rec.Version)
			continue
		}
		halted[rec.OriginMachine] = true
		slog.Warn("sync record apply failed, origin clock frozen for this round",
			"peer", peer, "id", rec.ID, "error", err)
	}
	return applied
}

func (s *Syncer) observe(origin string, version int64) {
	s.mu.Lock()
	s.clock.Observe(origin, version)
	s.mu.Unlock()
}

// applyRecord routes one replicated record into the right subsystem
// and advances the clock.
func (s *Syncer) applyRecord(ctx context.Context, rec protocol.SyncRecord) error {
	if len(rec.Payload) > protocol.MaxRecordBytes {
		return protocol.Errf(protocol.KindRecordTooLarge, "sync record %s is %d bytes", rec.ID, len(rec.Payload))
	}
	switch rec.Kind {
	case "rule":
		var r store.Rule
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return protocol.Errf(protocol.KindSyncError, "rule record %s undecodable: %v", rec.ID, err)
		}
		if err := s.rules.ApplyRemote(ctx, &r); err != nil {
			return err
		}
	default:
		var item store.MemoryItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return protocol.Errf(protocol.KindSyncError, "memory record %s undecodable: %v", rec.ID, err)
		}
		if err := s.mem.ApplyRemote(ctx, &item); err != nil {
			return err
		}
	}
	s.observe(rec.OriginMachine, rec.Version)
	return nil
}

func busEvent(peer string, applied int) bus.Event {
	return bus.Event{
		Name:    bus.EventSyncRound,
		Payload: map[string]any{"peer": peer, "applied": applied},
	}
}

func rand64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int63n(n)
}
