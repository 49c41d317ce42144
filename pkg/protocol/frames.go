package protocol

import "encoding/json"

// ProtocolVersion is bumped on any incompatible frame change.
const ProtocolVersion = 2

// RequestFrame is one JSON-RPC-style request POSTed to /messages.
// All ids are strings on the wire.
type RequestFrame struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Deadline  int64           `json:"deadline_ms,omitempty"` // optional client deadline, unix ms
}

// ResponseFrame is the server's answer, multiplexed onto the session's
// SSE stream. Responses may arrive out of order; clients correlate by
// RequestID only.
type ResponseFrame struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// EventKind discriminates frames on the outbound SSE stream.
type EventKind string

const (
	EventResponse EventKind = "response"
	EventPing     EventKind = "ping"
	EventNotice   EventKind = "notice" // server-initiated, e.g. inbox hints
	EventOpened   EventKind = "opened" // first frame on a new stream
)

// EventFrame is one newline-delimited JSON object on the SSE stream.
type EventFrame struct {
	Kind      EventKind       `json:"kind"`
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	Response  *ResponseFrame  `json:"response,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OpenResult is returned when a session is opened or recovered.
type OpenResult struct {
	SessionID     string `json:"session_id"`
	RecoveryToken string `json:"recovery_token"`
	Recovered     bool   `json:"recovered,omitempty"`
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     int64   `json:"uptime_s"`
	AgentCount  int     `json:"agent_count"`
	MemoryCount int64   `json:"memory_count"`
	SyncLagS    float64 `json:"sync_lag_s"`
}
