package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
)

func transferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <destination> <asset> <amount>",
		Short: "Send unified balance to another account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := app.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				txs, err := a.Session.Transfer(ctx, rpc.TransferParams{
					Destination: dest.Hex(),
					Allocations: []rpc.TransferAllocation{{Asset: args[1], Amount: args[2]}},
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				okColor.Fprintf(out, "Transferred to %s\n", dest.Hex())
				for _, tx := range txs {
					fmt.Fprintf(out, "  #%d %s %s\n", tx.ID, tx.Amount, tx.Asset)
				}
				return nil
			})
		},
	}
}
