package coord

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hivemind/internal/store"
)

// QueryResponse is one agent's answer to a collective query.
type QueryResponse struct {
	AgentID    string          `json:"agent_id"`
	Response   json.RawMessage `json:"response"`
	ReceivedAt time.Time       `json:"received_at"`
}

// queryCollector gathers responses for one in-flight query.
type queryCollector struct {
	mu        sync.Mutex
	expected  int
	responses []QueryResponse
	done      chan struct{}
	closed    bool
}

func (qc *queryCollector) add(agentID string, response []byte) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.closed {
		return
	}
	for _, r := range qc.responses {
		if r.AgentID == agentID {
			return
		}
	}
	qc.responses = append(qc.responses, QueryResponse{
		AgentID:    agentID,
		Response:   append(json.RawMessage(nil), response...),
		ReceivedAt: time.Now().UTC(),
	})
	if len(qc.responses) >= qc.expected {
		qc.closed = true
		close(qc.done)
	}
}

func (qc *queryCollector) snapshot() []QueryResponse {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.closed = true
	out := make([]QueryResponse, len(qc.responses))
	copy(out, qc.responses)
	return out
}

// QueryRequest is one query_collective call.
type QueryRequest struct {
	OriginAgent string
	Question    string
	Category    store.Category
	Scope       store.Scope
	Window      time.Duration // 0 uses the configured default
}

// QueryResult carries the collected responses.
type QueryResult struct {
	QueryID   string          `json:"query_id"`
	Asked     int             `json:"asked"`
	Responses []QueryResponse `json:"responses"`
}

// Query broadcasts a short-lived question and blocks collecting
// responses until every target answers, the window closes, or the
// caller's context is cancelled. Responses arrive as acknowledgements
// carrying a payload.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	window := req.Window
	if window <= 0 {
		window = s.opts.QueryWindow
	}

	payload, err := json.Marshal(map[string]any{
		"question": req.Question,
		"category": req.Category,
		"scope":    req.Scope,
	})
	if err != nil {
		return nil, err
	}

	targets := []string{}
	for _, a := range s.dir.List(store.AgentFilter{State: store.AgentActive}) {
		if a.AgentID != req.OriginAgent {
			targets = append(targets, a.AgentID)
		}
	}

	msg := &store.Message{
		Kind:        store.KindQuery,
		MessageID:   uuid.NewString(),
		OriginAgent: req.OriginAgent,
		Severity:    store.SeverityInfo,
		Category:    req.Category,
		Payload:     payload,
		Targets:     targets,
		CreatedAt:   time.Now().UTC(),
		Delivery:    make(map[string]*store.DeliveryState, len(targets)),
	}
	for _, t := range targets {
		msg.Delivery[t] = &store.DeliveryState{}
	}

	qc := &queryCollector{expected: len(targets), done: make(chan struct{})}
	s.mu.Lock()
	s.messages[msg.MessageID] = msg
	s.queries[msg.MessageID] = qc
	s.mu.Unlock()

	if len(targets) > 0 {
		s.deliver(ctx, msg)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	if len(targets) > 0 {
		select {
		case <-qc.done:
		case <-timer.C:
		case <-ctx.Done():
			s.dropQuery(msg.MessageID)
			return nil, ctx.Err()
		}
	}

	responses := qc.snapshot()
	s.dropQuery(msg.MessageID)
	return &QueryResult{QueryID: msg.MessageID, Asked: len(targets), Responses: responses}, nil
}

func (s *Service) collectResponse(messageID, agentID string, response []byte) {
	s.mu.Lock()
	qc := s.queries[messageID]
	s.mu.Unlock()
	if qc != nil {
		qc.add(agentID, response)
	}
}

func (s *Service) dropQuery(messageID string) {
	s.mu.Lock()
	delete(s.queries, messageID)
	s.mu.Unlock()
}
