package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

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
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createValidateCommand(globalFlags, &ValidateFlags{}),
		createNotifyCommand(&NotifyFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervise a single process",
		Long: `Warden starts one process, waits for it to become ready, restarts it
within a budget when it fails and stops it gracefully.

Examples:
  warden run --config app.toml
  warden run --config ecosystem.json --metrics-listen :9100
  warden validate --config app.yaml
  warden notify                      # from inside the child: report readiness`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML, YAML or JSON config file")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", version)
		},
	}
}
