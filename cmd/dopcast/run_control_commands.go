package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dopcast/internal/ipc"
)

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(args[0])
				if err != nil {
					return err
				}
				if resp.Requested {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for run %s\n", args[0])
				}
				return nil
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Re-queue a failed run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resume(args[0])
				if err != nil {
					return err
				}
				if resp.Resumed {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s re-queued\n", args[0])
				}
				return nil
			})
		},
	}
}
