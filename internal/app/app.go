// Package app wires configuration, keystore, signers, the session manager,
// the channel controller and the admin server into one runnable client.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/activity"
	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/channel"
	"github.com/LeoFranklin015/Median-sub000/internal/config"
	"github.com/LeoFranklin015/Median-sub000/internal/faucet"
	"github.com/LeoFranklin015/Median-sub000/internal/keystore"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/server"
	"github.com/LeoFranklin015/Median-sub000/internal/session"
	"github.com/LeoFranklin015/Median-sub000/internal/sessionkey"
	"github.com/LeoFranklin015/Median-sub000/internal/signer"
	"github.com/LeoFranklin015/Median-sub000/internal/transport"
)

// App holds the wired dependency graph.
type App struct {
	Config      config.Config
	Log         *zap.Logger
	Keystore    keystore.KeyBackend
	SessionKeys *sessionkey.Store
	Wallet      *signer.WalletSigner
	Activity    *activity.Log
	Session     *session.Manager
	Channel     *channel.Controller
	Faucet      *faucet.Client
	Metrics     *prometheus.Registry
	Admin       *server.AdminServer

	chain     *chain.EthClient
	lost      chan error
	closeOnce sync.Once
}

// Options carries overrides used by tests and the mock node command.
type Options struct {
	// Keystore replaces the file backend; it must already be unlocked.
	Keystore keystore.KeyBackend
	// Dialer replaces the websocket dialer.
	Dialer transport.Dialer
}

// New builds the graph. The keystore is unlocked, or created on first use,
// with the configured passphrase. Nothing is dialled yet.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log, lost: make(chan error, 1)}

	ks := opts.Keystore
	if ks == nil {
		var err error
		if ks, err = openKeystore(ctx, cfg, log); err != nil {
			return nil, err
		}
	}
	a.Keystore = ks

	walletHex, err := cfg.WalletKey()
	if err != nil {
		return nil, err
	}
	if a.Wallet, err = signer.WalletSignerFromHex(walletHex); err != nil {
		return nil, fmt.Errorf("wallet key: %w", err)
	}

	if a.SessionKeys, err = sessionkey.New(sessionkey.Config{Keystore: ks, Log: log.Named("sessionkey")}); err != nil {
		return nil, err
	}

	a.Metrics = prometheus.NewRegistry()
	a.Metrics.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	a.Activity = activity.New(cfg.ActivityLogSize, log.Named("activity"))

	a.Session, err = session.New(session.Config{
		URL:              cfg.ClearNodeURL,
		Wallet:           a.Wallet,
		SessionKeys:      a.SessionKeys,
		AppName:          cfg.AppName,
		Scope:            cfg.Scope,
		Allowances:       allowances(cfg.Allowances),
		SessionDuration:  cfg.SessionDuration,
		RequestTimeout:   cfg.RequestTimeout,
		Reconnect:        transport.NewReconnectPolicy(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxAttempts),
		Dialer:           opts.Dialer,
		Activity:         a.Activity,
		Log:              log.Named("session"),
		Metrics:          session.NewMetrics(a.Metrics),
		OnConnectionLost: a.connectionLost,
	})
	if err != nil {
		return nil, err
	}

	var settle chain.Client
	if cfg.ChainEnabled() {
		if err := cfg.ValidateChain(); err != nil {
			return nil, err
		}
		a.chain, err = chain.Dial(ctx, cfg.Chain.RPCURL, chain.EthConfig{
			Key:     a.Wallet.PrivateKey(),
			ChainID: cfg.Chain.ChainID,
			Custody: common.HexToAddress(cfg.Chain.Custody),
			Log:     log.Named("chain"),
		})
		if err != nil {
			return nil, err
		}
		settle = a.chain
	}

	store, err := channel.NewStore(ks, "")
	if err != nil {
		return nil, err
	}
	a.Channel, err = channel.New(channel.Config{
		Caller:   a.Session,
		Chain:    settle,
		Store:    store,
		Activity: a.Activity,
		Log:      log.Named("channel"),
		Metrics:  channel.NewMetrics(a.Metrics),
		ChainID:  cfg.Chain.ChainID,
		Token:    cfg.Chain.Token,
	})
	if err != nil {
		return nil, err
	}
	a.SessionKeys.OnReset(a.Channel.HandleSessionReset)
	if _, _, err := a.Channel.Load(ctx); err != nil {
		log.Warn("load channel record", zap.Error(err))
	}

	if a.Faucet, err = faucet.New(faucet.Config{URL: cfg.Faucet.URL, Log: log.Named("faucet")}); err != nil {
		return nil, err
	}

	a.Admin = server.New(server.Config{
		Address:           cfg.Admin.Address,
		ReadHeaderTimeout: cfg.Admin.ReadHeaderTimeout,
		Registry:          a.Metrics,
		Session:           a.Session,
		Channel:           a.Channel,
		Activity:          a.Activity,
		Log:               log.Named("admin"),
	})
	return a, nil
}

// Connect dials the clearing node and waits for authentication.
func (a *App) Connect(ctx context.Context) error {
	if err := a.Session.Connect(ctx); err != nil {
		return err
	}
	return a.Session.WaitAuthenticated(ctx)
}

// Run connects, serves the admin surface and blocks until ctx ends or the
// connection is lost for good.
func (a *App) Run(ctx context.Context) error {
	if err := a.Admin.Start(); err != nil {
		return err
	}
	if err := a.Connect(ctx); err != nil {
		return err
	}
	a.Log.Info("chanctl running",
		zap.String("wallet", a.Wallet.Address().Hex()),
		zap.String("clearnode", a.Config.ClearNodeURL))

	select {
	case <-ctx.Done():
		return nil
	case err := <-a.lost:
		return err
	}
}

// Close disconnects and stops the admin server within the grace period.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	grace := a.Config.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	a.Admin.Shutdown(ctx)
	if err := a.Session.Disconnect(); err != nil {
		a.Log.Debug("disconnect", zap.Error(err))
	}
	if a.chain != nil {
		a.chain.Close()
	}
}

// ResetSession rotates the session key. The channel record is discarded by
// the reset hook; the next Connect authenticates the new key.
func (a *App) ResetSession(ctx context.Context) (sessionkey.SessionKey, error) {
	return a.SessionKeys.Reset(ctx)
}

func (a *App) connectionLost(err error) {
	select {
	case a.lost <- err:
	default:
	}
}

func openKeystore(ctx context.Context, cfg config.Config, log *zap.Logger) (keystore.KeyBackend, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Keystore.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create keystore dir: %w", err)
		}
	}
	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	created, err := backend.Open(ctx, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", backend.Path(), err)
	}
	if created {
		log.Info("initialized new keystore", zap.String("path", backend.Path()))
	} else {
		log.Info("keystore unlocked", zap.String("path", backend.Path()))
	}
	return backend, nil
}

func allowances(in []config.AllowanceConfig) []signer.Allowance {
	out := make([]signer.Allowance, 0, len(in))
	for _, a := range in {
		out = append(out, signer.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return out
}

// ParseAddress validates a hex address given on the command line.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// DescribeError turns server errors into a single line for CLI output.
func DescribeError(err error) string {
	if serr, ok := rpc.AsServerError(err); ok {
		if serr.Kind != rpc.KindUnknown {
			return fmt.Sprintf("%s (%s)", serr.Message, serr.Kind)
		}
		return serr.Message
	}
	return err.Error()
}
