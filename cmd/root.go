package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the binary is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Serve many MCP servers through one endpoint",
	Long: `mcphub fronts any number of upstream MCP servers (spawned stdio
processes, remote SSE or streamable-HTTP endpoints, or REST APIs synthesized
from an OpenAPI document) and exposes them through unified MCP endpoints with
group-based routing, an admin REST API, and optional vector-similarity smart
routing.`,
	// SilenceUsage prevents cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion injects the build version, typically from main via -ldflags.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI. It is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcphub version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
