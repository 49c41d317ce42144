package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Category partitions memory items and governs retention, broadcast
// defaults, and index placement. Closed enumeration.
type Category string

const (
	CategoryGlobal         Category = "global"
	CategoryProject        Category = "project"
	CategoryInfrastructure Category = "infrastructure"
	CategoryIncidents      Category = "incidents"
	CategoryDeployments    Category = "deployments"
	CategoryMonitoring     Category = "monitoring"
	CategoryRunbooks       Category = "runbooks"
	CategorySecurity       Category = "security"
	CategoryAgent          Category = "agent"
	CategoryRuleAudit      Category = "rule-audit"
)

// Categories lists every valid category in stable order.
var Categories = []Category{
	CategoryGlobal, CategoryProject, CategoryInfrastructure,
	CategoryIncidents, CategoryDeployments, CategoryMonitoring,
	CategoryRunbooks, CategorySecurity, CategoryAgent, CategoryRuleAudit,
}

// Valid reports whether c is a member of the closed enumeration.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Scope controls how far an item replicates through the sync fabric.
type Scope string

const (
	ScopeLocal         Scope = "local"
	ScopeMachine       Scope = "machine"
	ScopeProject       Scope = "project"
	ScopeNetworkShared Scope = "network-shared"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeLocal, ScopeMachine, ScopeProject, ScopeNetworkShared:
		return true
	}
	return false
}

// Replicates reports whether items of this scope ever leave the machine.
func (s Scope) Replicates() bool {
	return s == ScopeProject || s == ScopeNetworkShared
}

// MemoryItem is the atom of the collective memory.
type MemoryItem struct {
	ID            string    `json:"id"` // 128-bit, hex encoded, never reused
	Content       []byte    `json:"content"`
	Category      Category  `json:"category"`
	Tags          []string  `json:"tags,omitempty"` // unordered set of short strings
	Context       string    `json:"context,omitempty"`
	Scope         Scope     `json:"scope"`
	OriginMachine string    `json:"origin_machine"`
	OriginAgent   string    `json:"origin_agent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"` // monotonic per id at the origin
	Tombstone     bool      `json:"tombstone,omitempty"`
	FormatVersion int       `json:"format_version"`
	VectorPending bool      `json:"vector_pending,omitempty"`
}

// NewItemID derives a 128-bit id from content plus a random salt.
// The salt guarantees ids are never reused even for identical content.
func NewItemID(content []byte) string {
	salt := make([]byte, 8)
	rand.Read(salt)
	h := sha256.New()
	h.Write(content)
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Supersedes reports whether a write (version, origin, tombstone)
// wins over the stored row under last-writer-wins ordering. Ties on
// version go to the tombstone, so a delete is never resurrected by a
// concurrent live write at the same version; live-vs-live ties are
// broken lexicographically by origin machine. An identical write never
// supersedes (idempotent re-apply).
func Supersedes(version int64, origin string, tombstone bool, curVersion int64, curOrigin string, curTombstone bool) bool {
	if version != curVersion {
		return version > curVersion
	}
	if tombstone != curTombstone {
		return tombstone
	}
	return origin > curOrigin
}

// ScanFilter narrows Scan results. Zero values mean "any".
type ScanFilter struct {
	Category      Category
	Scope         Scope
	Tags          []string // every listed tag must be present
	OriginMachine string
	UpdatedAfter  time.Time
	IncludeDead   bool // include tombstones
	Limit         int
	Offset        int
}

// CategoryStats is one row of the stats() aggregate.
type CategoryStats struct {
	Category      Category `json:"category"`
	Live          int64    `json:"live"`
	Tombstones    int64    `json:"tombstones"`
	QuotaHeadroom int64    `json:"quota_headroom"` // -1 when the category is unbounded
	VectorPending int64    `json:"vector_pending"`
}
