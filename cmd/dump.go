package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivemind/internal/config"
	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
)

// offlineMemory opens storage and wraps it in a memory service for the
// dump and restore subcommands. No server, no sync.
func offlineMemory() (*memory.Service, func() error, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	eng, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	embedEng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		eng.Close()
		return nil, nil, err
	}
	mem := memory.NewService(eng, vector.NewIndex(), embedEng, memory.Options{
		MachineID: cfg.MachineID,
	})
	return mem, eng.Close, nil
}

func dumpCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump <category>",
		Short: "Export one category as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := store.Category(args[0])
			if !cat.Valid() {
				return fmt.Errorf("unknown category %q", args[0])
			}
			mem, closeFn, err := offlineMemory()
			if err != nil {
				return err
			}
			defer closeFn()

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			bw := bufio.NewWriter(w)
			defer bw.Flush()

			n := 0
			enc := json.NewEncoder(bw)
			err = mem.Export(context.Background(), cat, func(item *store.MemoryItem) error {
				n++
				return enc.Encode(item)
			})
			if err != nil {
				return err
			}
			slog.Info("dump complete", "category", cat, "items", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Import JSON lines produced by dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			mem, closeFn, err := offlineMemory()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			dec := json.NewDecoder(bufio.NewReader(f))
			applied, failed := 0, 0
			for dec.More() {
				var item store.MemoryItem
				if err := dec.Decode(&item); err != nil {
					return fmt.Errorf("decode item: %w", err)
				}
				// Same path as replicated records: version discipline
				// applies, stale rows are skipped silently.
				if err := mem.ApplyRemote(ctx, &item); err != nil {
					failed++
					slog.Warn("restore skip", "id", item.ID, "error", err)
					continue
				}
				applied++
			}
			slog.Info("restore complete", "applied", applied, "failed", failed)
			return nil
		},
	}
}
