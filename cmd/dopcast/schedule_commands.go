package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dopcast/internal/ipc"
)

func newScheduleCommand(ctx *commandContext) *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage deferred and recurring run submissions",
	}

	scheduleCmd.AddCommand(newScheduleAddCommand(ctx))
	scheduleCmd.AddCommand(newScheduleListCommand(ctx))
	scheduleCmd.AddCommand(newScheduleCancelCommand(ctx))

	return scheduleCmd
}

func newScheduleAddCommand(ctx *commandContext) *cobra.Command {
	var input runParamsInput
	var at string
	var every time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "add <sport>",
		Short: "Register a deferred or recurring run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := input.build(args[0])
			if err != nil {
				return err
			}

			var fireAt time.Time
			if at != "" {
				fireAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at %q: %w (expected RFC3339, e.g. 2026-08-24T18:00:00Z)", at, err)
				}
			}
			if fireAt.IsZero() && every <= 0 {
				return fmt.Errorf("either --at or --every is required")
			}

			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ScheduleAdd(ipc.ScheduleAddRequest{
					Params:       params,
					FireAt:       fireAt,
					EverySeconds: int(every / time.Second),
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Job)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Schedule %s registered\n", resp.Job.ID)
				fmt.Fprintf(stdout, "Next fire time: %s\n", formatTime(resp.Job.NextFireTime))
				if resp.Job.EverySeconds > 0 {
					fmt.Fprintf(stdout, "Recurs every:   %s\n", time.Duration(resp.Job.EverySeconds)*time.Second)
				}
				return nil
			})
		},
	}

	input.registerFlags(cmd)
	cmd.Flags().StringVar(&at, "at", "", "First fire time (RFC3339); defaults to the next scheduler tick")
	cmd.Flags().DurationVar(&every, "every", 0, "Recurrence interval (e.g. 24h); zero means one-shot")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newScheduleListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs ordered by next fire time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ScheduleList()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Jobs)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(stdout, "No scheduled jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					recurs := "-"
					if job.EverySeconds > 0 {
						recurs = (time.Duration(job.EverySeconds) * time.Second).String()
					}
					rows = append(rows, []string{
						shortID(job.ID),
						job.Params.Sport,
						orDash(job.Params.EpisodeType),
						formatTime(job.NextFireTime),
						recurs,
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Sport", "Type", "Next Fire", "Recurs"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newScheduleCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ScheduleCancel(args[0])
				if err != nil {
					return err
				}
				if resp.Removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s removed\n", args[0])
				}
				return nil
			})
		},
	}
}
