package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
)

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the unified balance, and the custody balance when a chain is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				balances, err := a.Session.RefreshBalances(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				labelColor.Fprintln(out, "Unified balance")
				printBalances(out, balances)

				if cfg.ChainEnabled() {
					custody, err := a.Channel.CustodyBalance(ctx)
					if err != nil {
						return err
					}
					field(out, "Custody balance", custody.String())
				}
				return nil
			})
		},
	}
}
