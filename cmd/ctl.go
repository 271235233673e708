package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"qqchat/server"
)

// ctlCmd groups the commands that talk to a running server.
var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Manage a running server over its control socket",
}

var ctlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection, session and storage statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := server.ControlRequest(cfg.ControlSocket, "stats")
		if err != nil {
			return err
		}
		for _, field := range strings.Split(stats, ",") {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Replace(field, "=", ": ", 1))
		}
		return nil
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown [reason]",
	Short: "Disconnect every client and stop the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := server.DefaultShutdownReason
		if len(args) == 1 {
			reason = args[0]
		}
		answer, err := server.ControlRequest(cfg.ControlSocket, "shutdown|"+reason)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	ctlCmd.AddCommand(ctlStatsCmd, ctlShutdownCmd)
	rootCmd.AddCommand(ctlCmd)
}
