package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dopcast/internal/ipc"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var event string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RunList(ipc.RunListRequest{Statuses: statuses, Limit: limit})
				if err != nil {
					return err
				}
				views := resp.Runs
				if event != "" {
					filtered := views[:0]
					for _, view := range views {
						if view.EventID == event {
							filtered = append(filtered, view)
						}
					}
					views = filtered
				}
				if asJSON {
					return writeJSON(cmd, views)
				}
				stdout := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(stdout, "No runs found")
					return nil
				}
				fmt.Fprintln(stdout, renderTable(runTableHeaders, runRows(views), runTableAligns))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&event, "event", "", "Filter by event identifier")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to return (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
