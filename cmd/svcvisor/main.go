package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "svcvisor",
		Short: "Local service supervisor for the backend, PostgreSQL and Ollama",
		Long: `svcvisor starts the application backend together with a bundled PostgreSQL
server and Ollama runtime, reusing instances that are already running, and keeps
the ones it owns healthy.

Examples:
  svcvisor run --config=svcvisor.toml
  svcvisor status --api-url=http://127.0.0.1:8080/api
  svcvisor port --start=7777
  svcvisor probe --http=http://127.0.0.1:7777/health`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createRunCommand(globalFlags),
		createPortCommand(),
		createProbeCommand(),
		createStatusCommand(),
		createRestartCommand(),
		createHistoryCommand(),
	)
	return root
}
