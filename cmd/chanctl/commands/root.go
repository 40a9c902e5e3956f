package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/app"
	"github.com/LeoFranklin015/Median-sub000/internal/config"
	"github.com/LeoFranklin015/Median-sub000/internal/logging"
)

var (
	configPath string
	logLevel   string
	noColor    bool

	cfg    config.Config
	logger *zap.Logger
)

func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		errorf(os.Stderr, "%v", err)
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chanctl",
		Short:         "State channel client for a clearing node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logger, err = logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML/JSON config file (optional)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		runCmd(),
		channelCmd(),
		depositCmd(),
		balanceCmd(),
		transferCmd(),
		appSessionsCmd(),
		sessionCmd(),
		faucetCmd(),
	)
	return root
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openApp builds the app graph without connecting.
func openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// withSession builds the app, authenticates and runs fn before disconnecting.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if err := a.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ClearNodeURL, err)
	}
	if err := fn(ctx, a); err != nil {
		return describedError{err: err}
	}
	return nil
}

// describedError prints as a single CLI line and keeps the chain for errors.Is.
type describedError struct {
	err error
}

func (e describedError) Error() string { return app.DescribeError(e.err) }
func (e describedError) Unwrap() error { return e.err }
