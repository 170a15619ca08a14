package main

import (
	"strings"

	"github.com/toolgate/toolgate/pkg/output"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools a server exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "tools", args)
		if err != nil {
			return err
		}
		if !res.Success {
			return emitResult(res)
		}

		printer := output.New()
		rows := parseToolRows(res.Output)
		if rows == nil {
			printer.Println(res.Output)
			return nil
		}
		printer.Tools(args[0], rows)
		if res.Meta != nil && res.Meta.FromCache {
			printer.Print("(from schema cache)\n")
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <server> [tool]",
	Short: "Show a server summary or one tool's schema",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "info", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(infoCmd)
}

func parseToolRows(out string) []output.ToolSummary {
	if out == "" || strings.HasSuffix(out, "exposes no tools") {
		return nil
	}
	var rows []output.ToolSummary
	for _, line := range strings.Split(out, "\n") {
		name, desc, _ := strings.Cut(line, "\t")
		if name == "" {
			continue
		}
		rows = append(rows, output.ToolSummary{Name: name, Description: desc})
	}
	return rows
}
