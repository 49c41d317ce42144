package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// WriteLogEntry is one row of the replication feed, ordered by local
// apply time (Seq).
type WriteLogEntry struct {
	Seq           int64
	ID            string
	Version       int64
	OriginMachine string
	Kind          string // "memory" or "rule"
	Tombstone     bool
	Scope         Scope
	Payload       []byte
	AppliedAt     time.Time
}

// Engine is the durable record store behind the memory service and the
// sync fabric. Implementations: sqlite (default), pg.
//
// Version discipline: Put rejects writes from the stored item's own
// origin whose version is not strictly greater (VersionConflict);
// writes from a different origin apply under last-writer-wins by
// (version, origin_machine) ordering, ties broken lexicographically by
// origin machine. A losing cross-origin write is a silent no-op.
type Engine interface {
	Put(ctx context.Context, item *MemoryItem) error
	Get(ctx context.Context, id string) (*MemoryItem, error)
	// Delete writes a tombstone at version+1. Deleting a tombstone is a
	// no-op and produces no new version.
	Delete(ctx context.Context, id string) error
	Scan(ctx context.Context, filter ScanFilter) ([]*MemoryItem, error)
	Stats(ctx context.Context) ([]CategoryStats, error)
	CountLive(ctx context.Context) (int64, error)

	// MarkVectorDone clears vector_pending once the embedding landed.
	MarkVectorDone(ctx context.Context, id string, version int64) error
	PendingVectors(ctx context.Context, limit int) ([]*MemoryItem, error)

	// Write log (replication feed).
	LogSince(ctx context.Context, clock protocol.VectorClock, limit int) ([]WriteLogEntry, bool, error)
	OldestLogVersion(ctx context.Context, origin string) (int64, bool, error)

	// Embedding persistence, keyed (id, version). The in-process vector
	// index is rebuilt from these rows on startup.
	PutEmbedding(ctx context.Context, id string, version int64, vec []float32) error
	DeleteEmbedding(ctx context.Context, id string) error
	AllEmbeddings(ctx context.Context, fn func(id string, version int64, vec []float32) error) error

	// Retention: drop expired items and tombstones past the horizon.
	Sweep(ctx context.Context, now time.Time, ttl map[Category]time.Duration, tombstoneHorizon time.Duration) (int64, error)

	Close() error
}

// RuleStore persists governance rules with the same versioning scheme.
type RuleStore interface {
	PutRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context, onlyActive bool) ([]*Rule, error)
	RuleVersions(ctx context.Context, id string) ([]*Rule, error)
	RecordChange(ctx context.Context, ch *RuleChange) error
	PutAssignment(ctx context.Context, a *RuleAssignment) error
	Assignments(ctx context.Context, scopeType RuleScope, scopeID string) ([]*RuleAssignment, error)
}

// SnapshotStore persists the in-memory directory and inbox state.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, kind string, data []byte) error
	LoadSnapshot(ctx context.Context, kind string) ([]byte, error)
}
