package main

import (
	"strings"

	"github.com/toolgate/toolgate/pkg/output"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "servers", nil)
		if err != nil {
			return err
		}
		if !res.Success {
			return emitResult(res)
		}

		printer := output.New()
		rows := parseServerRows(res.Output)
		if rows == nil {
			printer.Println(res.Output)
			return nil
		}
		printer.Servers(rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serversCmd)
}

// parseServerRows turns the router's tab-separated listing into table rows.
// Returns nil when the output is not a listing.
func parseServerRows(out string) []output.ServerSummary {
	if out == "" || !strings.Contains(out, "\t") {
		return nil
	}
	var rows []output.ServerSummary
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		rows = append(rows, output.ServerSummary{
			Name:      fields[0],
			Transport: fields[1],
			Enabled:   true,
			Cached:    len(fields) > 2 && fields[2] == "(cached)",
		})
	}
	return rows
}
