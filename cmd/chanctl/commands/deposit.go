package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func depositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit tokens into the custody contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			if amount.Sign() == 0 {
				return fmt.Errorf("deposit amount must be positive")
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			bal, err := a.Channel.Deposit(cmd.Context(), amount)
			if err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Deposit confirmed")
			field(cmd.OutOrStdout(), "Custody balance", bal.String())
			return nil
		},
	}
}
