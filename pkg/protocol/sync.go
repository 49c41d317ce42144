package protocol

// VectorClock maps origin machine id → highest version applied from
// that origin. Absent entries mean "nothing seen".
type VectorClock map[string]int64

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Observe advances the clock entry for origin to at least version.
func (vc VectorClock) Observe(origin string, version int64) {
	if vc[origin] < version {
		vc[origin] = version
	}
}

// Dominates reports whether every entry of other is covered by vc.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for origin, v := range other {
		if vc[origin] < v {
			return false
		}
	}
	return true
}

// MaxRecordBytes is the hard cap on one serialized sync record.
const MaxRecordBytes = 1 << 20 // 1 MiB

// SyncRecord is one replicated write: a live item payload or a tombstone.
// Payload is the JSON-encoded memory item or rule; binary content is
// base64 inside that JSON per the wire contract.
type SyncRecord struct {
	ID            string `json:"id"`
	Version       int64  `json:"version"`
	OriginMachine string `json:"origin_machine"`
	Kind          string `json:"record_kind"` // "memory" or "rule"
	Tombstone     bool   `json:"tombstone,omitempty"`
	Scope         string `json:"scope"`
	Payload       []byte `json:"payload,omitempty"` // base64 in JSON
}

// SyncHello opens a round: the initiator presents its clock.
type SyncHello struct {
	MachineID   string      `json:"machine_id"`
	ProjectTag  string      `json:"project_tag,omitempty"`
	VectorClock VectorClock `json:"vector_clock"`
	Secret      string      `json:"secret"` // per-peer shared secret, validated by the authenticator
}

// SyncBatch carries log entries newer than the initiator's clock,
// ordered by (origin_machine, version), bounded by max_records_per_round.
type SyncBatch struct {
	Records        []SyncRecord `json:"records"`
	NewVectorClock VectorClock  `json:"new_vector_clock"`
	HasMore        bool         `json:"has_more"`
	FullSnapshot   bool         `json:"full_snapshot,omitempty"` // peer detected the initiator is past the retention horizon
	Declined       bool         `json:"declined,omitempty"`      // peer is in catchup mode
	Error          *Error       `json:"error,omitempty"`
}

// SyncAck closes a round. If the ack is lost the same records are
// re-sent next round; application is idempotent via version checks.
type SyncAck struct {
	UpToVectorClock VectorClock `json:"up_to_vector_clock"`
}
