package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dopcast/internal/ipc"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var input runParamsInput
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "submit <sport>",
		Short: "Submit a new episode run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := input.build(args[0])
			if err != nil {
				return err
			}
			if params.Trigger == "" {
				params.Trigger = "manual"
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(ipc.SubmitRequest{Params: params})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Run)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s submitted (%s)\n", resp.Run.ID, resp.Run.Status)
				return nil
			})
		},
	}

	input.registerFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
