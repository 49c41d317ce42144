package store

import "time"

// MessageKind discriminates coordination traffic.
type MessageKind string

const (
	KindBroadcast MessageKind = "broadcast"
	KindDelegate  MessageKind = "delegate"
	KindStatus    MessageKind = "status"
	KindCancel    MessageKind = "cancel"
	KindQuery     MessageKind = "query"
)

// Severity orders inbox delivery within equal post order.
// critical > warning > info.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the lifting order used by inbox sorting.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// ParseSeverity maps wire strings; unknown values become info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return Severity(s)
	}
	return SeverityInfo
}

// DeliveryState tracks at-least-once delivery to one target.
type DeliveryState struct {
	AckedAt   time.Time `json:"acked_at,omitempty"`
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"next_retry,omitempty"`
	Dropped   bool      `json:"dropped,omitempty"` // inbox overflow
}

// Message is what flows through the coordination bus.
type Message struct {
	Kind        MessageKind               `json:"kind"`
	MessageID   string                    `json:"message_id"`
	OriginAgent string                    `json:"origin_agent"`
	Severity    Severity                  `json:"severity"`
	Category    Category                  `json:"category"`
	Payload     []byte                    `json:"payload"`
	Targets     []string                  `json:"target_selector,omitempty"` // agent ids; empty = all active
	CreatedAt   time.Time                 `json:"created_at"`
	Delivery    map[string]*DeliveryState `json:"delivery_state,omitempty"` // per target agent id
}

// DelegationState is the delegation lifecycle. A delegation is never
// lost: it terminates in completed, cancelled, or expired.
type DelegationState string

const (
	DelegationPendingNoAgent DelegationState = "pending_no_agent"
	DelegationAssigned       DelegationState = "assigned"
	DelegationInProgress     DelegationState = "in_progress"
	DelegationCompleted      DelegationState = "completed"
	DelegationCancelled      DelegationState = "cancelled"
	DelegationExpired        DelegationState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s DelegationState) Terminal() bool {
	return s == DelegationCompleted || s == DelegationCancelled || s == DelegationExpired
}

// Delegation tracks one delegated task end to end.
type Delegation struct {
	DelegationID  string          `json:"delegation_id"`
	CreatorAgent  string          `json:"creator_agent"`
	Task          string          `json:"task"`
	Capabilities  []string        `json:"required_capabilities"`
	Priority      Severity        `json:"priority"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	State         DelegationState `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `json:"deadline,omitzero"`
	CompletedAt   time.Time       `json:"completed_at,omitzero"`
	MessageID     string          `json:"message_id,omitempty"` // the delegate message in the target inbox
}
