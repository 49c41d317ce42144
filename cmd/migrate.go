package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivemind/internal/config"
	"github.com/nextlevelbuilder/hivemind/internal/store/pg"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Open runs migrations; reaching here means they applied.
			eng, err := openStorage(cfg)
			if err != nil {
				slog.Error("migration failed", "error", err)
				os.Exit(exitTransient)
			}
			defer eng.Close()
			slog.Info("schema current", "backend", cfg.Storage.Backend)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			eng, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			var v uint
			var dirty bool
			switch e := eng.(type) {
			case *sqlite.Engine:
				v, dirty, err = sqlite.MigrateVersion(e.DB())
			case *pg.Engine:
				v, dirty, err = pg.MigrateVersion(e.DB())
			}
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}
}
