package commands

import (
	"github.com/spf13/cobra"
)

func faucetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "faucet",
		Short: "Request sandbox test funds for the wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.Faucet.Request(cmd.Context(), a.Wallet.Address())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			okColor.Fprintln(out, "Faucet request accepted")
			field(out, "Request", resp.RequestID)
			if resp.Message != "" {
				field(out, "Message", resp.Message)
			}
			if resp.TxID != "" {
				field(out, "Transaction", resp.TxID)
			}
			return nil
		},
	}
}
