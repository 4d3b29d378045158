package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/readiness"
)

// NotifyFlags holds flags for the notify command.
type NotifyFlags struct {
	Socket string
	Status string
}

func createNotifyCommand(flags *NotifyFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Report readiness to the supervising warden",
		Long: `Send READY=1 to the notify socket of the warden supervising this
process. The socket and run id are read from WARDEN_NOTIFY_SOCKET and
WARDEN_RUN_ID unless given explicitly.

Examples:
  ./migrate && warden notify && exec ./server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return readiness.SendNotify(flags.Socket, notifyMessage(flags.Status))
		},
	}
	cmd.Flags().StringVar(&flags.Socket, "socket", "", "notify socket path (default $WARDEN_NOTIFY_SOCKET)")
	cmd.Flags().StringVar(&flags.Status, "status", "", "optional STATUS= text sent along")
	return cmd
}

func notifyMessage(status string) string {
	msg := "READY=1"
	if s := strings.TrimSpace(status); s != "" {
		msg += "\nSTATUS=" + strings.ReplaceAll(s, "\n", " ")
	}
	return msg
}
