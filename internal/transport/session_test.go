package transport

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

func TestOpenAndGet(t *testing.T) {
	m := NewManager(ManagerOptions{})
	s := m.Open("agent-1")
	if s.ID == "" || s.RecoveryToken == "" {
		t.Fatal("session missing id or recovery token")
	}
	if s.ID == s.RecoveryToken {
		t.Fatal("recovery token must differ from the session id")
	}

	got, perr := m.Get(s.ID)
	if perr != nil {
		t.Fatalf("get: %v", perr)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("agent = %s", got.AgentID)
	}

	_, perr = m.Get("nope")
	if perr == nil || perr.Kind != protocol.KindNotFound {
		t.Fatalf("unknown session kind = %v, want not_found", perr)
	}
}

func TestSweepLifecycleAndRecovery(t *testing.T) {
	m := NewManager(ManagerOptions{
		IdleThreshold:   20 * time.Millisecond,
		SessionTimeout:  50 * time.Millisecond,
		RecoveryHorizon: 150 * time.Millisecond,
	})
	s := m.Open("agent-1")

	time.Sleep(30 * time.Millisecond)
	idle, _, _ := m.Sweep()
	if idle != 1 {
		t.Fatalf("idle = %d, want 1", idle)
	}
	// Activity revives an idle session.
	s.touch()
	if _, perr := m.Get(s.ID); perr != nil {
		t.Fatalf("get after touch: %v", perr)
	}

	time.Sleep(60 * time.Millisecond)
	m.Sweep()
	_, _, _ = m.Sweep()
	_, perr := m.Get(s.ID)
	if perr == nil || perr.Kind != protocol.KindSessionExpired {
		t.Fatalf("expired session kind = %v, want session_expired", perr)
	}
	if m.Count() != 0 {
		t.Fatalf("count = %d, expired sessions must not count as live", m.Count())
	}

	// Expired sessions recover by token until the horizon passes.
	got, perr := m.Recover(s.RecoveryToken)
	if perr != nil {
		t.Fatalf("recover: %v", perr)
	}
	if got.ID != s.ID {
		t.Fatal("recovery resolved a different session")
	}
	if _, perr := m.Get(s.ID); perr != nil {
		t.Fatalf("get after recovery: %v", perr)
	}
}

func TestRecoveryTokenPurged(t *testing.T) {
	m := NewManager(ManagerOptions{
		IdleThreshold:   5 * time.Millisecond,
		SessionTimeout:  10 * time.Millisecond,
		RecoveryHorizon: 20 * time.Millisecond,
	})
	s := m.Open("agent-1")

	time.Sleep(15 * time.Millisecond)
	m.Sweep() // expired
	time.Sleep(25 * time.Millisecond)
	_, _, purged := m.Sweep()
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	// A purged session's token reports session_expired, not unauthorized.
	_, perr := m.Recover(s.RecoveryToken)
	if perr == nil || perr.Kind != protocol.KindSessionExpired {
		t.Fatalf("recover after purge kind = %v, want session_expired", perr)
	}
	_, perr = m.Get(s.ID)
	if perr == nil || perr.Kind != protocol.KindNotFound {
		t.Fatalf("get after purge kind = %v, want not_found", perr)
	}
}

func TestPushBuffersAndReplays(t *testing.T) {
	m := NewManager(ManagerOptions{})
	s := m.Open("agent-1")

	for i := 0; i < 5; i++ {
		s.push(protocol.EventFrame{Kind: protocol.EventNotice})
	}

	// Attach replays everything newer than the client's last seq.
	ch, replay := s.attach(2)
	if len(replay) != 3 {
		t.Fatalf("replay = %d frames, want 3", len(replay))
	}
	if replay[0].Seq != 3 || replay[2].Seq != 5 {
		t.Fatalf("replay seqs = %d..%d, want 3..5", replay[0].Seq, replay[2].Seq)
	}
	for _, f := range replay {
		if f.SessionID != s.ID {
			t.Fatal("frame missing session id")
		}
	}

	// A live frame lands on the attached stream.
	s.push(protocol.EventFrame{Kind: protocol.EventPing})
	select {
	case f := <-ch:
		if f.Seq != 6 {
			t.Fatalf("live frame seq = %d, want 6", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("live frame never arrived")
	}

	// After detach, pushes only buffer.
	s.detach(ch)
	s.push(protocol.EventFrame{Kind: protocol.EventNotice})
	select {
	case <-ch:
		t.Fatal("frame delivered to a detached stream")
	default:
	}
	_, replay = s.attach(6)
	if len(replay) != 1 || replay[0].Seq != 7 {
		t.Fatalf("post-detach replay = %v", replay)
	}
}

func TestPushBufferBounded(t *testing.T) {
	m := NewManager(ManagerOptions{})
	s := m.Open("agent-1")

	for i := 0; i < outboundBufferCap+10; i++ {
		s.push(protocol.EventFrame{Kind: protocol.EventNotice})
	}
	_, replay := s.attach(0)
	if len(replay) != outboundBufferCap {
		t.Fatalf("buffer = %d frames, want the cap", len(replay))
	}
	// The oldest frames fell off; replay starts past them.
	if replay[0].Seq != 11 {
		t.Fatalf("oldest retained seq = %d, want 11", replay[0].Seq)
	}
}

func TestSessionRateLimiter(t *testing.T) {
	m := NewManager(ManagerOptions{RatePerSecond: 1, RateBurst: 2})
	s := m.Open("agent-1")

	if !s.limiter.Allow() || !s.limiter.Allow() {
		t.Fatal("burst capacity must admit the first calls")
	}
	if s.limiter.Allow() {
		t.Fatal("limiter admitted a call past the burst")
	}
}
