package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dopcast/internal/ipc"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var withLog bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's details and stage log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RunDescribe(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}

				stdout := cmd.OutOrStdout()
				run := resp.Run
				fmt.Fprintf(stdout, "Run:          %s\n", run.ID)
				fmt.Fprintf(stdout, "Status:       %s\n", run.Status)
				fmt.Fprintf(stdout, "Sport:        %s\n", run.Sport)
				fmt.Fprintf(stdout, "Event:        %s\n", orDash(run.EventID))
				fmt.Fprintf(stdout, "Episode type: %s\n", orDash(run.EpisodeType))
				fmt.Fprintf(stdout, "Trigger:      %s\n", orDash(run.Trigger))
				fmt.Fprintf(stdout, "Stage:        %s\n", orDash(run.Stage))
				fmt.Fprintf(stdout, "Created:      %s\n", formatTime(run.CreatedAt))
				fmt.Fprintf(stdout, "Started:      %s\n", formatTimePtr(run.StartedAt))
				fmt.Fprintf(stdout, "Finished:     %s\n", formatTimePtr(run.FinishedAt))
				if run.Error != nil {
					fmt.Fprintf(stdout, "Error:        %s stage failed after %d attempt(s): %s (%s)\n",
						run.Error.Stage, run.Error.Attempts, run.Error.Message, run.Error.Kind)
				}

				if len(run.Artifacts) > 0 {
					fmt.Fprintln(stdout)
					fmt.Fprintln(stdout, "Artifacts:")
					rows := make([][]string, 0, len(run.Artifacts))
					for _, artifact := range run.Artifacts {
						rows = append(rows, []string{
							artifact.Stage,
							artifact.Key,
							fmt.Sprintf("%d", artifact.Size),
						})
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Stage", "Key", "Bytes"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight},
					))
				}

				if withLog && len(resp.StageLog) > 0 {
					fmt.Fprintln(stdout)
					fmt.Fprintln(stdout, "Stage log:")
					for _, line := range resp.StageLog {
						fmt.Fprintf(stdout, "  %s  %-9s attempt=%d  [%s] %s\n",
							formatTime(line.CreatedAt), line.Stage, line.Attempt, line.Level, line.Message)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&withLog, "log", true, "Include the per-attempt stage log")
	return cmd
}
