package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/hivemind/internal/config"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/store/pg"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
)

// storageEngine is the full persistence surface a node needs. Both
// backends implement it on one handle.
type storageEngine interface {
	store.Engine
	store.RuleStore
	store.SnapshotStore
}

func openStorage(cfg *config.Config) (storageEngine, error) {
	quotas := cfg.Memory.CategoryQuotas()
	switch cfg.Storage.Backend {
	case "", "sqlite":
		path := config.ExpandHome(cfg.Storage.Path)
		if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		return sqlite.Open(sqlite.Options{Path: path, MachineID: cfg.MachineID, Quotas: quotas})
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend selected but HIVEMIND_POSTGRES_DSN is not set")
		}
		return pg.Open(pg.Options{DSN: cfg.Storage.PostgresDSN, MachineID: cfg.MachineID, Quotas: quotas})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
