package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers dial directly over the overlay network; there is no browser
	// origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP handles an inbound sync session: authenticate the hello,
// stream batches newer than the initiator's clock, read the ack.
func (s *Syncer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("sync upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	deadline := time.Now().Add(s.opts.PeerTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	var hello protocol.SyncHello
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	ctx := r.Context()
	if _, err := s.authn.PrincipalForSync(ctx, hello.MachineID, hello.Secret); err != nil {
		conn.WriteJSON(protocol.SyncBatch{Error: protocol.AsError(err)})
		slog.Warn("sync hello rejected", "peer", hello.MachineID, "error", err)
		return
	}

	s.mu.Lock()
	declined := s.catchup
	s.mu.Unlock()
	if declined {
		conn.WriteJSON(protocol.SyncBatch{Declined: true, NewVectorClock: s.Clock(ctx)})
		return
	}

	if s.needsFullSnapshot(ctx, hello.VectorClock) {
		s.serveSnapshot(ctx, conn, hello)
	} else {
		s.serveLog(ctx, conn, hello)
	}

	var ack protocol.SyncAck
	conn.SetReadDeadline(time.Now().Add(s.opts.PeerTimeout))
	if err := conn.ReadJSON(&ack); err == nil {
		slog.Debug("sync round acked", "peer", hello.MachineID, "clock_entries", len(ack.UpToVectorClock))
	}
}

// needsFullSnapshot reports whether the initiator's clock predates our
// pruned write log for any origin, meaning incremental replay cannot
// reach consistency.
func (s *Syncer) needsFullSnapshot(ctx context.Context, theirs protocol.VectorClock) bool {
	ours := s.Clock(ctx)
	for origin := range ours {
		oldest, ok, err := s.engine.OldestLogVersion(ctx, origin)
		if err != nil || !ok {
			continue
		}
		// They need everything after theirs[origin]; if our log starts
		// later than the entry right after it, gaps exist.
		if theirs[origin]+1 < oldest {
			return true
		}
	}
	return false
}

// serveLog streams write-log batches newer than the peer's clock.
func (s *Syncer) serveLog(ctx context.Context, conn *websocket.Conn, hello protocol.SyncHello) {
	clock := hello.VectorClock.Copy()
	for {
		entries, more, err := s.engine.LogSince(ctx, clock, s.opts.MaxPerRound)
		if err != nil {
			conn.WriteJSON(protocol.SyncBatch{Error: protocol.AsError(err)})
			return
		}
		batch := protocol.SyncBatch{Records: []protocol.SyncRecord{}, HasMore: more}
		for _, e := range entries {
			clock.Observe(e.OriginMachine, e.Version)
			if !s.shouldReplicate(e.Kind, e.Scope, hello.ProjectTag) {
				continue
			}
			if len(e.Payload) > protocol.MaxRecordBytes {
				slog.Warn("sync record exceeds wire cap, skipped", "id", e.ID, "bytes", len(e.Payload))
				continue
			}
			batch.Records = append(batch.Records, protocol.SyncRecord{
				ID:            e.ID,
				Version:       e.Version,
				OriginMachine: e.OriginMachine,
				Kind:          e.Kind,
				Tombstone:     e.Tombstone,
				Scope:         string(e.Scope),
				Payload:       e.Payload,
			})
		}
		batch.NewVectorClock = clock.Copy()
		conn.SetWriteDeadline(time.Now().Add(s.opts.PeerTimeout))
		if err := conn.WriteJSON(batch); err != nil {
			return
		}
		if !more {
			return
		}
	}
}

// serveSnapshot streams every replicable live item and rule, marked
// full_snapshot so the peer knows incremental history was lost.
func (s *Syncer) serveSnapshot(ctx context.Context, conn *websocket.Conn, hello protocol.SyncHello) {
	records := []protocol.SyncRecord{}

	items, err := s.engine.Scan(ctx, store.ScanFilter{IncludeDead: true, Limit: 1 << 20})
	if err != nil {
		conn.WriteJSON(protocol.SyncBatch{Error: protocol.AsError(err)})
		return
	}
	for _, item := range items {
		if !s.shouldReplicate("memory", item.Scope, hello.ProjectTag) {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil || len(payload) > protocol.MaxRecordBytes {
			continue
		}
		records = append(records, protocol.SyncRecord{
			ID:            item.ID,
			Version:       item.Version,
			OriginMachine: item.OriginMachine,
			Kind:          "memory",
			Tombstone:     item.Tombstone,
			Scope:         string(item.Scope),
			Payload:       payload,
		})
	}

	ruleList, err := s.rules.List(ctx, false)
	if err == nil {
		for _, r := range ruleList {
			payload, err := json.Marshal(r)
			if err != nil {
				continue
			}
			records = append(records, protocol.SyncRecord{
				ID:            r.RuleID,
				Version:       r.Version,
				OriginMachine: r.OriginMachine,
				Kind:          "rule",
				Tombstone:     r.Tombstone,
				Scope:         string(store.ScopeNetworkShared),
				Payload:       payload,
			})
		}
	}

	clock := s.Clock(ctx)
	for i := 0; i < len(records); i += s.opts.MaxPerRound {
		end := i + s.opts.MaxPerRound
		if end > len(records) {
			end = len(records)
		}
		batch := protocol.SyncBatch{
			Records:        records[i:end],
			NewVectorClock: clock,
			HasMore:        end < len(records),
			FullSnapshot:   true,
		}
		conn.SetWriteDeadline(time.Now().Add(s.opts.PeerTimeout))
		if err := conn.WriteJSON(batch); err != nil {
			return
		}
	}
	if len(records) == 0 {
		conn.WriteJSON(protocol.SyncBatch{NewVectorClock: clock, FullSnapshot: true})
	}
}

// shouldReplicate applies the scope fence: local and machine scope
// never leave this machine; project scope only flows to peers in the
// same project; network-shared and rules always flow.
func (s *Syncer) shouldReplicate(kind string, scope store.Scope, peerProject string) bool {
	if kind == "rule" {
		return true
	}
	switch scope {
	case store.ScopeNetworkShared:
		return true
	case store.ScopeProject:
		return peerProject != "" && peerProject == s.opts.ProjectTag
	}
	return false
}
