// Command agentctl is an operator CLI: it chats with the agent through the
// ingress WebSocket and inspects wallets and runs over the orchestrator RPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rpcAddr string
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Chat with the agent and manage credits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rpcAddr, "rpc", envOr("ORCHESTRATOR_RPC", "localhost:8082"), "orchestrator JSON-RPC address")

	root.AddCommand(
		newChatCmd(),
		newWalletCmd(&rpcAddr),
		newRunCmd(&rpcAddr),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
