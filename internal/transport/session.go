// Package transport is the session-bearing MCP surface: an inbound
// POST stream, an outbound SSE stream per session, and explicit
// session recovery across restarts and dropped streams.
package transport

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
	"golang.org/x/time/rate"
)

// sessionState is the session lifecycle.
type sessionState int32

const (
	sessionOpen sessionState = iota
	sessionIdle
	sessionExpired // recoverable until the horizon passes
)

const outboundBufferCap = 1024

// Session is one agent's transport state. The mutex guards the
// outbound buffer and activity clock; lookup happens lock-free on the
// manager's concurrent map.
type Session struct {
	ID            string
	AgentID       string
	RecoveryToken string
	OpenedAt      time.Time

	mu           sync.Mutex
	lastActivity time.Time
	expiredAt    time.Time
	state        sessionState
	seq          uint64
	buffer       []protocol.EventFrame // unflushed + replayable frames
	stream       chan protocol.EventFrame
	pending      atomic.Int64  // in-flight tool calls
	expire       chan struct{} // closed on expiry so in-flight calls resolve

	limiter *rate.Limiter
}

func newSession(agentID string, rps rate.Limit, burst int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            newToken(),
		AgentID:       agentID,
		RecoveryToken: newToken(),
		OpenedAt:      now,
		lastActivity:  now,
		expire:        make(chan struct{}),
		limiter:       rate.NewLimiter(rps, burst),
	}
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// touch refreshes the activity clock and revives an idle session.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	if s.state == sessionIdle {
		s.state = sessionOpen
	}
	s.mu.Unlock()
}

// push appends a frame to the outbound buffer and offers it to the
// live stream if one is attached. The buffer is a bounded ring; the
// oldest frames fall off first.
func (s *Session) push(frame protocol.EventFrame) {
	s.mu.Lock()
	s.seq++
	frame.Seq = s.seq
	frame.SessionID = s.ID
	s.buffer = append(s.buffer, frame)
	if len(s.buffer) > outboundBufferCap {
		s.buffer = s.buffer[len(s.buffer)-outboundBufferCap:]
	}
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		select {
		case stream <- frame:
		default: // slow consumer keeps the frame in the buffer for replay
		}
	}
}

// attach installs a live stream channel, returning buffered frames
// newer than afterSeq for replay.
func (s *Session) attach(afterSeq uint64) (chan protocol.EventFrame, []protocol.EventFrame) {
	ch := make(chan protocol.EventFrame, 64)
	s.mu.Lock()
	s.stream = ch
	s.lastActivity = time.Now().UTC()
	var replay []protocol.EventFrame
	for _, f := range s.buffer {
		if f.Seq > afterSeq {
			replay = append(replay, f)
		}
	}
	s.mu.Unlock()
	return ch, replay
}

// expireCh returns the channel closed when the session expires.
func (s *Session) expireCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expire
}

// detach removes the live stream if it is still the attached one.
func (s *Session) detach(ch chan protocol.EventFrame) {
	s.mu.Lock()
	if s.stream == ch {
		s.stream = nil
	}
	s.mu.Unlock()
}

// Manager owns every live session. Lookup is lock-free; per-session
// mutation happens under each session's own mutex.
type Manager struct {
	sessions sync.Map // session_id → *Session
	recovery sync.Map // recovery_token → session_id

	opts ManagerOptions
}

// ManagerOptions tunes session lifetimes.
type ManagerOptions struct {
	SessionTimeout  time.Duration // no activity → expired, default 30m
	IdleThreshold   time.Duration // no activity → idle, default 2m
	RecoveryHorizon time.Duration // expired → purged, default 5m
	RatePerSecond   rate.Limit    // per-session call rate, default 50
	RateBurst       int
}

// NewManager builds a session manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 2 * time.Minute
	}
	if opts.RecoveryHorizon <= 0 {
		opts.RecoveryHorizon = 5 * time.Minute
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	return &Manager{opts: opts}
}

// Open creates a fresh session.
func (m *Manager) Open(agentID string) *Session {
	s := newSession(agentID, m.opts.RatePerSecond, m.opts.RateBurst)
	m.sessions.Store(s.ID, s)
	m.recovery.Store(s.RecoveryToken, s.ID)
	return s
}

// Get resolves a session id. The error discriminates unknown (404)
// from expired-but-recoverable (410).
func (m *Manager) Get(id string) (*Session, *protocol.Error) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, protocol.Errf(protocol.KindNotFound, "unknown session %s", id)
	}
	s := v.(*Session)
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == sessionExpired {
		return nil, protocol.Errf(protocol.KindSessionExpired, "session %s expired", id)
	}
	return s, nil
}

// Recover revives an expired session by its recovery token, replaying
// nothing here; the client re-attaches the stream with its last seq.
// A token whose session was already purged fails with SessionExpired.
func (m *Manager) Recover(token string) (*Session, *protocol.Error) {
	v, ok := m.recovery.Load(token)
	if !ok {
		return nil, protocol.Errf(protocol.KindSessionExpired, "recovery token no longer valid")
	}
	sv, ok := m.sessions.Load(v.(string))
	if !ok {
		return nil, protocol.Errf(protocol.KindSessionExpired, "recovery token no longer valid")
	}
	s := sv.(*Session)
	s.mu.Lock()
	s.state = sessionOpen
	s.lastActivity = time.Now().UTC()
	s.expiredAt = time.Time{}
	s.expire = make(chan struct{})
	s.mu.Unlock()
	return s, nil
}

// Sweep advances session lifecycles: open → idle → expired → purged.
func (m *Manager) Sweep() (idle, expired, purged int) {
	now := time.Now().UTC()
	m.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		age := now.Sub(s.lastActivity)
		switch s.state {
		case sessionOpen:
			if age > m.opts.SessionTimeout {
				s.state = sessionExpired
				s.expiredAt = now
				close(s.expire)
				expired++
			} else if age > m.opts.IdleThreshold {
				s.state = sessionIdle
				idle++
			}
		case sessionIdle:
			if age > m.opts.SessionTimeout {
				s.state = sessionExpired
				s.expiredAt = now
				close(s.expire)
				expired++
			}
		case sessionExpired:
			if now.Sub(s.expiredAt) > m.opts.RecoveryHorizon {
				s.mu.Unlock()
				m.sessions.Delete(s.ID)
				m.recovery.Delete(s.RecoveryToken)
				purged++
				return true
			}
		}
		s.mu.Unlock()
		return true
	})
	return
}

// Count returns live (non-expired) sessions.
func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		if s.state != sessionExpired {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}
