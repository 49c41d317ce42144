package syncer

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// RoundOnce runs one outbound sync round against the next peer.
// Returns the number of records applied.
func (s *Syncer) RoundOnce(ctx context.Context) (int, error) {
	ps := s.pickPeer()
	if ps == nil {
		return 0, nil
	}
	applied, err := s.roundWith(ctx, ps)
	s.mu.Lock()
	if err != nil {
		ps.lastError = err.Error()
	} else {
		ps.lastError = ""
		ps.lastSuccess = time.Now().UTC()
		ps.applied += int64(applied)
	}
	s.mu.Unlock()
	if err != nil {
		slog.Warn("sync round failed", "peer", ps.peer.MachineID, "error", err)
		return applied, err
	}
	if applied > 0 {
		slog.Info("sync round complete", "peer", ps.peer.MachineID, "applied", applied)
	}
	s.persistClock(ctx)
	if s.events != nil {
		s.events.Broadcast(busEvent(ps.peer.MachineID, applied))
	}
	return applied, nil
}

// roundWith is Hello → Batch* → Ack against one peer. The websocket
// holds no application lock; records apply after each read returns.
func (s *Syncer) roundWith(ctx context.Context, ps *peerState) (int, error) {
	u := url.URL{Scheme: "ws", Host: ps.peer.Addr, Path: "/sync"}
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.PeerTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return 0, protocol.Errf(protocol.KindPeerUnreachable, "dial %s: %v", ps.peer.Addr, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(s.opts.PeerTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	hello := protocol.SyncHello{
		MachineID:   s.opts.MachineID,
		ProjectTag:  s.opts.ProjectTag,
		VectorClock: s.Clock(ctx),
		Secret:      ps.peer.Secret,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return 0, protocol.Errf(protocol.KindPeerUnreachable, "hello write: %v", err)
	}

	applied := 0
	backlog := 0
	halted := map[string]bool{}
	for {
		var batch protocol.SyncBatch
		if err := conn.ReadJSON(&batch); err != nil {
			return applied, protocol.Errf(protocol.KindPeerUnreachable, "batch read: %v", err)
		}
		if batch.Error != nil {
			return applied, batch.Error
		}
		if batch.Declined {
			slog.Debug("peer in catchup mode, round declined", "peer", ps.peer.MachineID)
			return applied, nil
		}
		if batch.FullSnapshot {
			slog.Info("peer serving full snapshot resync", "peer", ps.peer.MachineID)
		}

		applied += s.applyBatch(ctx, ps.peer.MachineID, batch.Records, halted)
		backlog += len(batch.Records)
		s.setCatchup(backlog > s.opts.MaxLag)

		if !batch.HasMore {
			break
		}
		// Long catch-ups extend the deadline batch by batch.
		deadline = time.Now().Add(s.opts.PeerTimeout)
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	s.setCatchup(false)

	ack := protocol.SyncAck{UpToVectorClock: s.Clock(ctx)}
	if err := conn.WriteJSON(ack); err != nil {
		// Lost acks are safe: reapplication is idempotent.
		slog.Debug("sync ack write failed", "peer", ps.peer.MachineID, "error", err)
	}
	return applied, nil
}

func (s *Syncer) setCatchup(v bool) {
	s.mu.Lock()
	if s.catchup != v {
		s.catchup = v
		if v {
			slog.Warn("sync fabric entered catchup mode, declining inbound rounds")
		} else {
			slog.Info("sync fabric drained, serving inbound rounds again")
		}
	}
	s.mu.Unlock()
}
