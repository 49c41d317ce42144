// Package cmd is the hivemind CLI: serve runs the fabric node, the
// rest are operator utilities against the same storage.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/hivemind/cmd.Version=v1.0.0"
var Version = "dev"

// Exit codes: 1 configuration, 2 transient I/O, 3 invariant violation.
const (
	exitConfig    = 1
	exitTransient = 2
	exitInvariant = 3
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Hivemind — collective memory fabric for cooperating agents",
	Long:  "Hivemind: a shared memory, coordination and governance fabric for AI agent fleets. One node per machine; nodes replicate over the sync fabric.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: hivemind.json5 or $HIVEMIND_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(syncOnceCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hivemind %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("HIVEMIND_CONFIG"); v != "" {
		return v
	}
	return "hivemind.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}
