package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or rotate the session key",
	}
	cmd.AddCommand(sessionShowCmd(), sessionResetCmd())
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Authenticate and print the session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				printSession(cmd.OutOrStdout(), a.Session.Info())
				return nil
			})
		},
	}
}

func sessionResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Generate a new session key and forget the tracked channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key, err := a.ResetSession(cmd.Context())
			if err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Session key rotated")
			field(cmd.OutOrStdout(), "Session key", key.Address.Hex())
			return nil
		},
	}
}
