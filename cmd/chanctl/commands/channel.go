package commands

import (
	"context"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
)

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage the payment channel with the clearing node",
	}
	cmd.AddCommand(channelCreateCmd(), channelResizeCmd(), channelCloseCmd(), channelShowCmd())
	return cmd
}

func channelCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Open a channel, settling it on-chain when a chain is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Channel.Create(ctx)
				if err != nil {
					return err
				}
				printChannel(cmd.OutOrStdout(), rec, true, a.Channel.State())
				return nil
			})
		},
	}
}

func channelResizeCmd() *cobra.Command {
	var resize, allocate string
	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Move custody funds into the channel (--amount) or channel funds to the unified balance (--allocate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resizeAmount, err := parseAmount("amount", resize)
			if err != nil {
				return err
			}
			allocateAmount, err := parseAmount("allocate", allocate)
			if err != nil {
				return err
			}
			if resizeAmount.Sign() == 0 && allocateAmount.Sign() == 0 {
				return fmt.Errorf("one of --amount or --allocate is required")
			}
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Channel.Resize(ctx, resizeAmount, allocateAmount)
				if err != nil {
					return err
				}
				printChannel(cmd.OutOrStdout(), rec, true, a.Channel.State())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resize, "amount", "0", "amount moved from custody into the channel, in token units")
	cmd.Flags().StringVar(&allocate, "allocate", "0", "amount moved from the channel to the unified balance")
	return cmd
}

func channelCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close the channel and settle the final state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Channel.Close(ctx); err != nil {
					return err
				}
				okColor.Fprintln(cmd.OutOrStdout(), "Channel closed")
				return nil
			})
		},
	}
}

func channelShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the locally tracked channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			rec, ok := a.Channel.Record()
			printChannel(cmd.OutOrStdout(), rec, ok, a.Channel.State())
			return nil
		},
	}
}

func parseAmount(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid --%s %q: want a non-negative integer", name, s)
	}
	return v, nil
}
