package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
)

func appSessionsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "app-sessions",
		Short: "List app sessions the wallet participates in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				sessions, err := a.Session.GetAppSessions(ctx, rpc.GetAppSessionsParams{
					Participant: a.Wallet.Address().Hex(),
					Status:      status,
				})
				if err != nil {
					return err
				}
				printAppSessions(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, closed)")
	return cmd
}
