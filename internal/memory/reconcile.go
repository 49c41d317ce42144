package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
)

const reconcileBatch = 64

// ReconcileVectors retries embedding for items stored while the
// embedding engine was failing. Returns how many vectors were filled.
func (s *Service) ReconcileVectors(ctx context.Context) (int, error) {
	pending, err := s.engine.PendingVectors(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, item := range pending {
		vec, err := s.embed.Embed(ctx, string(item.Content))
		if err != nil {
			// Engine still down; the next scheduled pass retries.
			slog.Debug("vector reconcile still failing", "id", item.ID, "error", err)
			continue
		}
		if err := s.publishVector(ctx, item.ID, item.Version, vec); err != nil {
			slog.Warn("vector reconcile persist failed", "id", item.ID, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		slog.Info("vector reconcile pass", "filled", done, "remaining_batch", len(pending)-done)
	}
	return done, nil
}

// SweepRetention expires items past their category TTL and compacts
// tombstones past the horizon. Expiry is a local hard delete, not a
// tombstone write: every machine runs the same clock-driven sweep, so
// replicating expiries would only churn the log.
func (s *Service) SweepRetention(ctx context.Context) error {
	horizon := s.opts.TombstoneHorizon
	if horizon <= 0 {
		horizon = 14 * 24 * time.Hour
	}
	removed, err := s.engine.Sweep(ctx, time.Now().UTC(), s.opts.CategoryTTL, horizon)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("retention sweep", "removed", removed)
	}
	return nil
}

// Export streams every live item of one category through fn, oldest
// first, for the dump subcommand.
func (s *Service) Export(ctx context.Context, cat store.Category, fn func(*store.MemoryItem) error) error {
	const page = 500
	offset := 0
	for {
		items, err := s.engine.Scan(ctx, store.ScanFilter{Category: cat, Limit: page, Offset: offset})
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(items) < page {
			return nil
		}
		offset += page
	}
}
