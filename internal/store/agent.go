package store

import "time"

// AgentState is the directory lifecycle state machine.
// unknown → registered → active → idle → offline → purged.
type AgentState string

const (
	AgentUnknown    AgentState = "unknown"
	AgentRegistered AgentState = "registered"
	AgentActive     AgentState = "active"
	AgentIdle       AgentState = "idle"
	AgentOffline    AgentState = "offline"
	AgentPurged     AgentState = "purged"
)

// Agent is one live (or recently live) identity in the directory.
type Agent struct {
	AgentID      string     `json:"agent_id"`
	MachineID    string     `json:"machine_id"`
	Roles        []string   `json:"roles,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	LastSeen     time.Time  `json:"last_seen"`
	Health       string     `json:"health,omitempty"`
	State        AgentState `json:"state"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastAssigned time.Time  `json:"last_assigned,omitempty"` // delegation tie-breaking
	InboxDepth   int        `json:"inbox_depth"`
	Overflow     bool       `json:"overflow,omitempty"`
}

// HasCapability reports whether the agent declares cap.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentFilter narrows directory listings. Zero values mean "any".
type AgentFilter struct {
	State      AgentState
	MachineID  string
	Capability string
	Role       string
}

// Matches reports whether the agent passes the filter.
func (f AgentFilter) Matches(a *Agent) bool {
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.MachineID != "" && a.MachineID != f.MachineID {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	if f.Role != "" {
		found := false
		for _, r := range a.Roles {
			if r == f.Role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
