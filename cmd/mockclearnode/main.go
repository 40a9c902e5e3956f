package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/logging"
	"github.com/LeoFranklin015/Median-sub000/internal/nodetest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "listen address for the websocket endpoint")
	chainID := flag.Uint64("chain-id", 137, "chain id reported in channel payloads")
	token := flag.String("token", "", "token address reported in channel payloads")
	rejectAuth := flag.Bool("reject-auth", false, "answer every auth_verify with success=false")
	offChain := flag.Bool("off-chain-only", false, "approve channel operations without on-chain settlement payloads")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.NewLogger(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	node := nodetest.New(nodetest.Config{
		ChainID:      *chainID,
		Token:        *token,
		RejectAuth:   *rejectAuth,
		OffChainOnly: *offChain,
		Log:          logger,
	})
	defer node.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           node,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock clearing node listening",
			zap.String("url", "ws://"+*addr),
			zap.String("broker", node.BrokerAddress().Hex()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
		return
	}

	node.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
