package coord

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
)

// inboxEntry is one undelivered or unacked message for an agent.
type inboxEntry struct {
	msg     *store.Message
	posted  time.Time
	ackedAt time.Time
}

// Inbox is one agent's message queue. Ordering is FIFO by post time
// with severity lifting among equal post times. Messages stay visible
// until acked or expired.
type Inbox struct {
	mu      sync.Mutex
	agentID string
	entries map[string]*inboxEntry // message_id keyed, dedup on re-delivery
	cap     int
}

func newInbox(agentID string, capMsgs int) *Inbox {
	if capMsgs <= 0 {
		capMsgs = 10000
	}
	return &Inbox{agentID: agentID, entries: make(map[string]*inboxEntry), cap: capMsgs}
}

// post adds a message. Re-posting an already-present message_id is a
// no-op (at-least-once delivery dedups here). Returns false when the
// inbox is at cap and the message was dropped.
func (ib *Inbox) post(msg *store.Message) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if _, ok := ib.entries[msg.MessageID]; ok {
		return true
	}
	if len(ib.entries) >= ib.cap {
		return false
	}
	ib.entries[msg.MessageID] = &inboxEntry{msg: msg, posted: time.Now().UTC()}
	return true
}

// ack marks a message acknowledged. Returns false for unknown ids.
func (ib *Inbox) ack(messageID string) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	e, ok := ib.entries[messageID]
	if !ok {
		return false
	}
	if e.ackedAt.IsZero() {
		e.ackedAt = time.Now().UTC()
	}
	return true
}

// list returns unacked messages in delivery order.
func (ib *Inbox) list(limit int) []*store.Message {
	ib.mu.Lock()
	pending := make([]*inboxEntry, 0, len(ib.entries))
	for _, e := range ib.entries {
		if e.ackedAt.IsZero() {
			pending = append(pending, e)
		}
	}
	ib.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		if ra, rb := a.msg.Severity.Rank(), b.msg.Severity.Rank(); ra != rb {
			return ra > rb
		}
		return a.msg.MessageID < b.msg.MessageID
	})

	out := make([]*store.Message, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// depth counts unacked messages.
func (ib *Inbox) depth() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	n := 0
	for _, e := range ib.entries {
		if e.ackedAt.IsZero() {
			n++
		}
	}
	return n
}

// compact drops acked entries older than horizon and expired unacked
// entries.
func (ib *Inbox) compact(horizon time.Duration) int {
	cutoff := time.Now().UTC().Add(-horizon)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	removed := 0
	for id, e := range ib.entries {
		if (!e.ackedAt.IsZero() && e.ackedAt.Before(cutoff)) ||
			(e.ackedAt.IsZero() && e.posted.Before(cutoff)) {
			delete(ib.entries, id)
			removed++
		}
	}
	return removed
}

// snapshotEntries exports the inbox for persistence.
func (ib *Inbox) snapshotEntries() []*store.Message {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := make([]*store.Message, 0, len(ib.entries))
	for _, e := range ib.entries {
		if e.ackedAt.IsZero() {
			out = append(out, e.msg)
		}
	}
	return out
}
