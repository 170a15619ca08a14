package main

import (
	"strconv"
	"strings"

	"github.com/toolgate/toolgate/pkg/output"

	"github.com/spf13/cobra"
)

// The pool lives in the daemon; these commands are routed there and fail
// fast when no daemon is running.

var connectCmd = &cobra.Command{
	Use:   "connect <server> [instanceId|new]",
	Short: "Open a pooled connection to a server",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "connect", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <server|id|all> [instanceId]",
	Short: "Close pooled connections",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "disconnect", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect <server> [instanceId]",
	Short: "Tear down and re-dial a pooled connection",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "reconnect", args)
		if err != nil {
			return err
		}
		return emitResult(res)
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List live pooled connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routeCommand(cmd.Context(), "connections", nil)
		if err != nil {
			return err
		}
		if !res.Success {
			return emitResult(res)
		}

		printer := output.New()
		rows := parseConnectionRows(res.Output)
		if rows == nil {
			printer.Println(res.Output)
			return nil
		}
		printer.Connections(rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(connectionsCmd)
}

func parseConnectionRows(out string) []output.ConnectionSummary {
	if out == "" || !strings.Contains(out, "\t") {
		return nil
	}
	var rows []output.ConnectionSummary
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		id, _ := strconv.ParseInt(fields[0], 10, 64)
		rows = append(rows, output.ConnectionSummary{
			ID:        id,
			Key:       fields[1],
			Status:    fields[2],
			Connected: strings.TrimPrefix(fields[3], "connected "),
			LastUsed:  strings.TrimPrefix(fields[4], "last used "),
		})
	}
	return rows
}
