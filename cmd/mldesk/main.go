package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by subcommands.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "mldesk",
		Short: "ML workbench backend: Python worker supervision and model registry",
		Long: `mldesk runs the backend of the desktop ML workbench: it supervises the
Python workers (script runner, inference server, HTTP model server,
pyright language server), owns the run/model registry, and exposes a
local REST/SSE bridge for the GUI shell.

Examples:
  mldesk serve                        # Start backend with defaults under ~/.mldesk
  mldesk serve --config mldesk.toml   # Start with a config file
  mldesk status                       # Ask a running backend for worker status`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.DataDir, "data-dir", "", "data directory (default ~/.mldesk)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mldesk version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("mldesk " + Version)
		},
	}
}
