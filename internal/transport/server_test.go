package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// blockingDispatcher holds every call until its context is cancelled.
type blockingDispatcher struct {
	cancelled chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, principal *auth.Principal, sess *Session, req *protocol.RequestFrame) (json.RawMessage, *protocol.Error) {
	<-ctx.Done()
	close(d.cancelled)
	return nil, protocol.Errf(protocol.KindCallTimeout, "cancelled")
}

func TestExpiryResolvesInFlightCalls(t *testing.T) {
	m := NewManager(ManagerOptions{
		SessionTimeout: 20 * time.Millisecond,
		IdleThreshold:  10 * time.Millisecond,
	})
	disp := &blockingDispatcher{cancelled: make(chan struct{})}
	srv := NewServer(m, nil, disp, nil, nil, Options{PerCallTimeout: time.Minute})

	sess := m.Open("agent-1")
	sess.pending.Add(1)
	go srv.run(nil, sess, &protocol.RequestFrame{
		SessionID: sess.ID, RequestID: "req-1", Tool: "store_memory",
	})

	time.Sleep(30 * time.Millisecond)
	if _, expired, _ := m.Sweep(); expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	deadline := time.After(time.Second)
	for {
		_, replay := sess.attach(0)
		for _, f := range replay {
			if f.Kind != protocol.EventResponse || f.Response == nil {
				continue
			}
			resp := f.Response
			if resp.RequestID != "req-1" || resp.Error == nil {
				t.Fatalf("response = %+v, want a req-1 error", resp)
			}
			if resp.Error.Kind != protocol.KindSessionExpired {
				t.Fatalf("error kind = %s, want session_expired", resp.Error.Kind)
			}
			select {
			case <-disp.cancelled:
			case <-time.After(time.Second):
				t.Fatal("in-flight handler context was never cancelled")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no response pushed for the in-flight call after expiry")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRecoverRearmsExpiry(t *testing.T) {
	m := NewManager(ManagerOptions{
		SessionTimeout: 20 * time.Millisecond,
		IdleThreshold:  10 * time.Millisecond,
	})
	sess := m.Open("agent-1")
	time.Sleep(30 * time.Millisecond)
	m.Sweep()

	recovered, perr := m.Recover(sess.RecoveryToken)
	if perr != nil {
		t.Fatalf("recover: %v", perr)
	}
	select {
	case <-recovered.expireCh():
		t.Fatal("recovered session reports itself expired")
	default:
	}
}
