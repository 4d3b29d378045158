package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/warden"
)

// ValidateFlags holds flags for the validate command.
type ValidateFlags struct {
	JSON bool
}

func createValidateCommand(globalFlags *GlobalFlags, flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print the resolved app",
		Long: `Load the config file with defaults and WARDEN_* overrides applied
and print the resulting process definition without starting it.

Examples:
  warden validate --config app.toml
  warden validate --config ecosystem.json --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validate(cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func validate(out io.Writer, configPath string, flags ValidateFlags) error {
	if configPath == "" {
		return errMissingConfig
	}
	cfg, err := warden.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if flags.JSON {
		return printJSON(out, struct {
			Spec      warden.Spec `json:"spec"`
			Readiness any         `json:"readiness"`
		}{cfg.Spec, cfg.Readiness})
	}
	printSpec(out, cfg)
	return nil
}
