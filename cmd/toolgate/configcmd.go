package main

import (
	"github.com/spf13/cobra"
)

var setConfigCmd = &cobra.Command{
	Use:   "set-config <server> <key=value ...>",
	Short: "Change a server's runtime config",
	Long: `Mutates one server's live configuration.

Supported keys:
  extraArgs=<json array or comma list>   extra stdio command arguments
  env.NAME=<value>                       stdio child environment variable
  requestTimeout=<seconds>               per-request timeout

Changes to stdio fields on a connected server take effect after a
reconnect; the command says so rather than restarting anything.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "setConfig", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-run config discovery and apply changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "reload", nil)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

func init() {
	rootCmd.AddCommand(setConfigCmd)
	rootCmd.AddCommand(reloadCmd)
}
