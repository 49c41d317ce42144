// Package config holds the fabric's nested configuration: JSON5 on
// disk, environment overrides for secrets, hot reload for the tunables
// that can change at runtime.
package config

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/syncer"
	"github.com/nextlevelbuilder/hivemind/internal/telemetry"
	"github.com/nextlevelbuilder/hivemind/internal/transport"
)

// Config is the root. Section names mirror the on-disk layout.
type Config struct {
	MachineID  string `json:"machine_id"`
	ProjectTag string `json:"project_tag,omitempty"`
	LogLevel   string `json:"log_level,omitempty"` // debug, info (default), warn, error

	Storage   StorageConfig     `json:"storage,omitempty"`
	Vector    VectorConfig      `json:"vector,omitempty"`
	Embedding embedding.Config  `json:"embedding,omitempty"`
	Memory    MemoryConfig      `json:"memory,omitempty"`
	Sync      SyncConfig        `json:"sync,omitempty"`
	Directory DirectoryConfig   `json:"directory,omitempty"`
	Coord     CoordConfig       `json:"coord,omitempty"`
	Transport TransportConfig   `json:"transport,omitempty"`
	Rules     RulesConfig       `json:"rules,omitempty"`
	Auth      auth.StaticConfig `json:"auth,omitempty"`
	Telemetry telemetry.Config  `json:"telemetry,omitempty"`
	Tailscale transport.TailscaleOptions `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend           string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	Path              string `json:"path,omitempty"`    // sqlite file, default ~/.hivemind/memory.db
	PostgresDSN       string `json:"-"`                 // from env HIVEMIND_POSTGRES_DSN only
	SnapshotIntervalS int    `json:"snapshot_interval_s,omitempty"`
}

// VectorConfig tunes retrieval.
type VectorConfig struct {
	KDefault int `json:"k_default,omitempty"` // default 10
}

// MemoryConfig tunes the memory service.
type MemoryConfig struct {
	CategoryTTLS      map[string]int             `json:"category_ttl_s,omitempty"` // per-category seconds
	DedupSimilarity   float64                    `json:"dedup_similarity,omitempty"`
	DedupPerCategory  map[string]float64         `json:"dedup_per_category,omitempty"`
	Ranking           memory.Ranking             `json:"ranking,omitempty"`
	MaxContentBytes   int                        `json:"max_content_bytes,omitempty"`
	TombstoneHorizonS int                        `json:"tombstone_horizon_s,omitempty"`
	Quotas            map[string]int64           `json:"quotas,omitempty"` // per-category live item caps
}

// SyncConfig tunes the sync fabric.
type SyncConfig struct {
	IntervalS          int           `json:"interval_s,omitempty"`
	MaxRecordsPerRound int           `json:"max_records_per_round,omitempty"`
	PeerTimeoutS       int           `json:"peer_timeout_s,omitempty"`
	MaxLag             int           `json:"max_lag,omitempty"`
	Peers              []syncer.Peer `json:"peers,omitempty"`
}

// DirectoryConfig tunes the agent directory.
type DirectoryConfig struct {
	AgentTTLS     int `json:"agent_ttl_s,omitempty"`
	PurgeHorizonS int `json:"purge_horizon_s,omitempty"`
}

// CoordConfig tunes the coordination bus.
type CoordConfig struct {
	InboxCap       int                  `json:"inbox_cap,omitempty"`
	QueryWindowS   int                  `json:"query_window_s,omitempty"`
	BroadcastRetry BroadcastRetryConfig `json:"broadcast_retry,omitempty"`
}

// BroadcastRetryConfig caps redelivery.
type BroadcastRetryConfig struct {
	MaxAttempts   int `json:"max_attempts,omitempty"`
	BackoffBaseMS int `json:"backoff_base_ms,omitempty"`
	BackoffCapS   int `json:"backoff_cap_s,omitempty"`
}

// TransportConfig tunes the session layer.
type TransportConfig struct {
	Host             string  `json:"host,omitempty"`
	Port             int     `json:"port,omitempty"`
	SessionTimeoutS  int     `json:"session_timeout_s,omitempty"`
	IdleThresholdS   int     `json:"idle_threshold_s,omitempty"`
	RecoveryHorizonS int     `json:"recovery_horizon_s,omitempty"`
	PerCallTimeoutS  int     `json:"per_call_timeout_s,omitempty"`
	RatePerSecond    float64 `json:"rate_per_second,omitempty"`
}

// RulesConfig tunes the rule engine.
type RulesConfig struct {
	ConflictDefault      string `json:"conflict_default,omitempty"`
	EffectiveClockSkewS  int    `json:"effective_clock_skew_s,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:           "sqlite",
			Path:              "~/.hivemind/memory.db",
			SnapshotIntervalS: 60,
		},
		Vector: VectorConfig{KDefault: 10},
		Memory: MemoryConfig{
			DedupSimilarity:   0.97,
			Ranking:           memory.DefaultRanking(),
			TombstoneHorizonS: 14 * 24 * 3600,
		},
		Sync: SyncConfig{
			IntervalS:          30,
			MaxRecordsPerRound: 500,
			PeerTimeoutS:       20,
			MaxLag:             10000,
		},
		Directory: DirectoryConfig{AgentTTLS: 120, PurgeHorizonS: 24 * 3600},
		Coord: CoordConfig{
			InboxCap:     10000,
			QueryWindowS: 30,
			BroadcastRetry: BroadcastRetryConfig{
				MaxAttempts:   10,
				BackoffBaseMS: 500,
				BackoffCapS:   600,
			},
		},
		Transport: TransportConfig{
			Host:             "0.0.0.0",
			Port:             18800,
			SessionTimeoutS:  1800,
			IdleThresholdS:   120,
			RecoveryHorizonS: 300,
			PerCallTimeoutS:  60,
			RatePerSecond:    50,
		},
		Rules: RulesConfig{
			ConflictDefault:     string(store.ConflictHighestPriority),
			EffectiveClockSkewS: 5,
		},
	}
}

// CategoryTTL converts the per-category retention map.
func (m MemoryConfig) CategoryTTL() map[store.Category]time.Duration {
	out := make(map[store.Category]time.Duration, len(m.CategoryTTLS))
	for k, v := range m.CategoryTTLS {
		if cat := store.Category(k); cat.Valid() && v > 0 {
			out[cat] = time.Duration(v) * time.Second
		}
	}
	return out
}

// DedupThresholds converts the per-category dedup overrides.
func (m MemoryConfig) DedupThresholds() map[store.Category]float64 {
	out := make(map[store.Category]float64, len(m.DedupPerCategory))
	for k, v := range m.DedupPerCategory {
		if cat := store.Category(k); cat.Valid() {
			out[cat] = v
		}
	}
	return out
}

// CategoryQuotas converts the per-category live caps.
func (m MemoryConfig) CategoryQuotas() map[store.Category]int64 {
	out := make(map[store.Category]int64, len(m.Quotas))
	for k, v := range m.Quotas {
		if cat := store.Category(k); cat.Valid() && v > 0 {
			out[cat] = v
		}
	}
	return out
}
