package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/config"
	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/syncer"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
)

func syncOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync round against one peer and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if len(cfg.Sync.Peers) == 0 {
				return fmt.Errorf("no sync peers configured")
			}

			eng, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			embedEng, err := embedding.NewEngine(cfg.Embedding)
			if err != nil {
				return err
			}
			mem := memory.NewService(eng, vector.NewIndex(), embedEng, memory.Options{
				MachineID: cfg.MachineID,
			})
			recorder := memory.NewRecorder(mem)
			ruleEng := rules.NewEngine(eng, recorder, rules.Options{
				MachineID:       cfg.MachineID,
				ConflictDefault: store.ConflictMode(cfg.Rules.ConflictDefault),
			})
			authn := auth.NewStatic(cfg.Auth)

			s := syncer.New(eng, mem, ruleEng, eng, bus.New(), authn, syncer.Options{
				MachineID:   cfg.MachineID,
				ProjectTag:  cfg.ProjectTag,
				Peers:       cfg.Sync.Peers,
				MaxPerRound: cfg.Sync.MaxRecordsPerRound,
				PeerTimeout: time.Duration(cfg.Sync.PeerTimeoutS) * time.Second,
				MaxLag:      cfg.Sync.MaxLag,
			})
			ctx := context.Background()
			if err := s.Restore(ctx); err != nil {
				slog.Warn("sync clock restore failed, starting from zero", "error", err)
			}
			n, err := s.RoundOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync round: %w", err)
			}
			slog.Info("sync round complete", "applied", n)
			return nil
		},
	}
}
