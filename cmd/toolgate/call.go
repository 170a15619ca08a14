package main

import (
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [--arg value ...]",
	Short: "Invoke a tool on a server",
	Long: `Invokes one tool and prints its result.

Arguments after the tool name are passed through as tool arguments:
  --key value   or  --key=value
Values are coerced against the tool's input schema. Pass "-" to read a
JSON or YAML argument document from stdin instead:

  toolgate call web search --query golang --count 5
  echo '{"query":"golang"}' | toolgate call web search -`,
	// Tool arguments look like flags; hand them through untouched.
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
			return cmd.Help()
		}
		res, err := routeCommand(cmd.Context(), "call", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
