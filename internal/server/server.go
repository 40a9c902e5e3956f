// Package server hosts the local admin HTTP surface of a running chanctl
// daemon: Prometheus metrics, liveness and readiness checks, and JSON
// snapshots of the session, channel and activity log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/activity"
	"github.com/LeoFranklin015/Median-sub000/internal/channel"
	"github.com/LeoFranklin015/Median-sub000/internal/session"
)

// SessionSource is the session view the admin server reports on.
type SessionSource interface {
	Authenticated() bool
	Info() session.Info
}

// ChannelSource is the channel view the admin server reports on.
type ChannelSource interface {
	Record() (channel.Record, bool)
	State() channel.State
}

// Config wires an AdminServer.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	// Registry serves /metrics and receives the admin collectors.
	Registry *prometheus.Registry
	Session  SessionSource
	Channel  ChannelSource
	Activity *activity.Log
	Log      *zap.Logger
}

// AdminServer serves the admin mux.
type AdminServer struct {
	cfg     Config
	log     *zap.Logger
	handler http.Handler
	http    *http.Server
	addr    atomic.Value
	closing atomic.Bool
}

type channelView struct {
	State  string          `json:"state"`
	Record *channel.Record `json:"record,omitempty"`
}

// New builds an AdminServer. Nothing listens until Start.
func New(cfg Config) *AdminServer {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &AdminServer{cfg: cfg, log: cfg.Log}

	var metrics *adminMetrics
	mux := http.NewServeMux()
	if cfg.Registry != nil {
		metrics = newAdminMetrics(cfg.Registry)
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/healthz", metrics.instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})))
	mux.Handle("/readyz", metrics.instrument("readyz", http.HandlerFunc(s.handleReady)))
	mux.Handle("/session", metrics.instrument("session", http.HandlerFunc(s.handleSession)))
	mux.Handle("/channel", metrics.instrument("channel", http.HandlerFunc(s.handleChannel)))
	mux.Handle("/activity", metrics.instrument("activity", http.HandlerFunc(s.handleActivity)))
	s.handler = mux
	return s
}

// Handler exposes the admin mux.
func (s *AdminServer) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
// An empty address disables the server.
func (s *AdminServer) Start() error {
	if s.cfg.Address == "" {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.addr.Store(lis.Addr().String())
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr is the bound listener address once started.
func (s *AdminServer) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

// Shutdown stops the server gracefully. Readiness reports false from here on.
func (s *AdminServer) Shutdown(ctx context.Context) {
	s.closing.Store(true)
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}

func (s *AdminServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.closing.Load() && s.cfg.Session != nil && s.cfg.Session.Authenticated() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not_ready"))
}

func (s *AdminServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Session == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Session.Info())
}

func (s *AdminServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Channel == nil {
		http.NotFound(w, r)
		return
	}
	rec, ok := s.cfg.Channel.Record()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, channelView{State: s.cfg.Channel.State().String()})
		return
	}
	s.writeJSON(w, http.StatusOK, channelView{State: s.cfg.Channel.State().String(), Record: &rec})
}

func (s *AdminServer) handleActivity(w http.ResponseWriter, _ *http.Request) {
	var entries []activity.Entry
	if s.cfg.Activity != nil {
		entries = s.cfg.Activity.Entries()
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write admin response", zap.Error(err))
	}
}
