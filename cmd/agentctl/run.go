package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/archetype/internal/domain"
	orchrpc "github.com/xiaot623/archetype/internal/transport/rpc"
)

func newRunCmd(rpcAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and cancel agent runs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run's reservation and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			var run domain.AgentRun
			if err := client.Call("Orchestrator.GetRun", &orchrpc.RunRequest{RunID: args[0]}, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run and settle its credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			var resp orchrpc.CancelRunResponse
			if err := client.Call("Orchestrator.CancelRun", &orchrpc.RunRequest{RunID: args[0]}, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	})

	return cmd
}
