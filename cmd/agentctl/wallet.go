package main

import (
	"encoding/json"
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xiaot623/archetype/internal/domain"
	orchrpc "github.com/xiaot623/archetype/internal/transport/rpc"
)

func dial(addr string) (*rpc.Client, error) {
	client, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to orchestrator: %w", err)
	}
	return client, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newWalletCmd(rpcAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect and top up credit wallets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user_id>",
		Short: "Show a wallet's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			var wallet domain.CreditWallet
			if err := client.Call("Orchestrator.GetWallet", &orchrpc.WalletRequest{UserID: args[0]}, &wallet); err != nil {
				return err
			}
			return printJSON(cmd, wallet)
		},
	})

	var (
		source    string
		reference string
	)
	topup := &cobra.Command{
		Use:   "topup <user_id> <credits>",
		Short: "Add credits to a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("credits must be an integer: %w", err)
			}
			client, err := dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			var wallet domain.CreditWallet
			err = client.Call("Orchestrator.AddCredits", &orchrpc.TopUpRequest{
				UserID: args[0],
				Request: domain.AddCreditsRequest{
					Credits:     credits,
					Source:      domain.LedgerSource(source),
					ReferenceID: reference,
				},
			}, &wallet)
			if err != nil {
				return err
			}
			return printJSON(cmd, wallet)
		},
	}
	topup.Flags().StringVar(&source, "source", string(domain.LedgerSourcePurchase), "ledger source: purchase, bonus, refund or adjustment")
	topup.Flags().StringVar(&reference, "ref", "", "external reference, e.g. an order id")
	cmd.AddCommand(topup)

	return cmd
}
