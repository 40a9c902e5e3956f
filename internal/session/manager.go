package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/LeoFranklin015/Median-sub000/internal/activity"
	"github.com/LeoFranklin015/Median-sub000/internal/registry"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/sessionkey"
	"github.com/LeoFranklin015/Median-sub000/internal/signer"
	"github.com/LeoFranklin015/Median-sub000/internal/transport"
)

// DefaultSessionDuration is how long a session key authorisation lasts.
const DefaultSessionDuration = time.Hour

// Config wires a Manager.
type Config struct {
	URL             string
	Wallet          signer.TypedDataSigner
	SessionKeys     *sessionkey.Store
	AppName         string
	Scope           string
	Allowances      []signer.Allowance
	SessionDuration time.Duration
	RequestTimeout  time.Duration
	Reconnect       *transport.ReconnectPolicy
	Dialer          transport.Dialer
	Activity        *activity.Log
	Log             *zap.Logger
	Metrics         *Metrics
	// OnNotify receives unsolicited pushes after they are logged.
	OnNotify func(rpc.Response)
	// OnConnectionLost runs once when reconnect attempts are exhausted.
	OnConnectionLost func(error)
}

type pendingAuth struct {
	key       sessionkey.SessionKey
	expiresAt uint64
}

// Manager owns the connection to the clearing node: the authentication
// handshake, request correlation and reconnection.
type Manager struct {
	wallet     signer.TypedDataSigner
	keys       *sessionkey.Store
	appName    string
	scope      string
	allowances []signer.Allowance
	duration   time.Duration
	timeout    time.Duration
	policy     *transport.ReconnectPolicy
	transport  *transport.Transport
	registry   *registry.Registry
	activity   *activity.Log
	log        *zap.Logger
	metrics    *Metrics
	onNotify   func(rpc.Response)
	onLost     func(error)
	now        func() time.Time
	authSeq    atomic.Uint64

	mu         sync.Mutex
	status     Status
	changed    chan struct{}
	lastErr    error
	running    bool
	lostFired  bool
	auth       *pendingAuth
	authedKey  *sessionkey.SessionKey
	connGen    uint64
	expiresAt  time.Time
	runCtx     context.Context
	cancelRun  context.CancelFunc
	retryTimer *time.Timer

	ledger   singleflight.Group
	balMu    sync.RWMutex
	balances map[string]string
}

// New builds a Manager. Nothing is dialled until Connect.
func New(cfg Config) (*Manager, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("wallet signer is required")
	}
	if cfg.SessionKeys == nil {
		return nil, errors.New("session key store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Activity == nil {
		cfg.Activity = activity.New(0, cfg.Log)
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = registry.DefaultTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = transport.NewReconnectPolicy(0, 0)
	}

	m := &Manager{
		wallet:     cfg.Wallet,
		keys:       cfg.SessionKeys,
		appName:    cfg.AppName,
		scope:      cfg.Scope,
		allowances: cfg.Allowances,
		duration:   cfg.SessionDuration,
		timeout:    cfg.RequestTimeout,
		policy:     cfg.Reconnect,
		activity:   cfg.Activity,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		onNotify:   cfg.OnNotify,
		onLost:     cfg.OnConnectionLost,
		now:        time.Now,
		changed:    make(chan struct{}),
		balances:   make(map[string]string),
	}
	m.registry = registry.New(registry.Config{
		Timeout:  cfg.RequestTimeout,
		OnChange: m.metrics.setPending,
	})

	t, err := transport.New(transport.Config{
		URL:     cfg.URL,
		Dialer:  cfg.Dialer,
		Handler: socketHandler{m: m},
		Log:     cfg.Log.Named("transport"),
	})
	if err != nil {
		return nil, err
	}
	m.transport = t
	return m, nil
}

// Connect loads the session key and dials the clearing node. A failed dial
// is retried under the reconnect policy; WaitAuthenticated and AwaitReady
// observe the outcome.
func (m *Manager) Connect(ctx context.Context) error {
	if _, err := m.keys.GetOrCreate(ctx); err != nil {
		return fmt.Errorf("session key: %w", err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.lostFired = false
	m.lastErr = nil
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	m.setStatusLocked(Connecting)
	m.mu.Unlock()
	m.policy.Reset()

	if err := m.transport.Open(ctx); err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.dropped(err)
	}
	return nil
}

// Disconnect closes the socket intentionally; no reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.running = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	cancel := m.cancelRun
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := m.transport.Close()

	m.mu.Lock()
	m.auth = nil
	m.authedKey = nil
	m.setStatusLocked(Disconnected)
	m.mu.Unlock()

	m.metrics.setAuthenticated(false)
	m.registry.RejectAll(ErrDisconnected)
	m.activity.Add("Disconnected", nil)
	return err
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Authenticated reports whether requests can be sent.
func (m *Manager) Authenticated() bool {
	return m.Status() == Authenticated
}

// Info returns a snapshot for status output.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{
		Status:           m.status,
		State:            m.status.String(),
		Wallet:           m.wallet.Address(),
		ExpiresAt:        m.expiresAt,
		ReconnectAttempt: m.policy.Attempt(),
	}
	if m.authedKey != nil {
		info.SessionKey = m.authedKey.Address
	} else if key, ok := m.keys.Current(); ok {
		info.SessionKey = key.Address
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	return info
}

// WalletAddress is the primary wallet the session acts for.
func (m *Manager) WalletAddress() common.Address {
	return m.wallet.Address()
}

// WaitAuthenticated blocks until the handshake completes. It fails as soon as
// the handshake fails or the socket drops mid-handshake.
func (m *Manager) WaitAuthenticated(ctx context.Context) error {
	first := true
	for {
		m.mu.Lock()
		st, ch, running, last := m.status, m.changed, m.running, m.lastErr
		m.mu.Unlock()

		switch st {
		case Authenticated:
			return nil
		case Error:
			return errOr(last, ErrAuthFailed)
		case Disconnected:
			if !running || !first {
				return errOr(last, ErrDisconnected)
			}
		}
		first = false

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AwaitReady blocks until the session is authenticated, riding through
// reconnects. It fails once the manager stops trying.
func (m *Manager) AwaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		st, ch, running, last := m.status, m.changed, m.running, m.lastErr
		m.mu.Unlock()

		if st == Authenticated {
			return nil
		}
		if !running {
			return errOr(last, ErrDisconnected)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call sends a request signed by the session key and decodes the matching
// response into result. Only one request per method may be in flight.
func (m *Manager) Call(ctx context.Context, method rpc.Method, params any, result any) error {
	if !method.IsOperation() {
		return fmt.Errorf("%s is not a request method", method)
	}
	if err := m.AwaitReady(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	key, gen := m.authedKey, m.connGen
	m.mu.Unlock()
	if key == nil {
		return ErrNoSessionKey
	}

	start := time.Now()
	raw, err := m.roundTrip(ctx, method, params, *key, gen)
	m.metrics.observeRequest(string(method), time.Since(start), err)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := rpc.DecodeParams(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// roundTrip sends one request on connection gen. The frame is discarded
// rather than sent or replayed once that connection is no longer
// authenticated.
func (m *Manager) roundTrip(ctx context.Context, method rpc.Method, params any, key sessionkey.SessionKey, gen uint64) (json.RawMessage, error) {
	op, err := m.registry.Register(registry.Kind(method), m.timeout)
	if err != nil {
		return nil, err
	}
	frame, err := rpc.Encode(ctx, rpc.NewRequest(op.ID, method, params, m.now()), signer.NewKeySigner(key.PrivateKey))
	if err != nil {
		op.Cancel(err)
		return nil, err
	}
	err = m.transport.SendIf(frame, func() bool {
		select {
		case <-op.Done():
			return false
		default:
		}
		return m.onConnection(gen, Authenticated)
	})
	if errors.Is(err, transport.ErrStale) {
		err = ErrDisconnected
	}
	if err != nil {
		err = fmt.Errorf("send %s: %w", method, err)
		op.Cancel(err)
		return nil, err
	}
	m.log.Debug("request sent", zap.String("method", string(method)), zap.Uint64("id", op.ID))
	return op.Wait(ctx)
}

// onConnection reports whether connection gen is still current and in one of
// the given states.
func (m *Manager) onConnection(gen uint64, states ...Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connGen != gen {
		return false
	}
	for _, s := range states {
		if m.status == s {
			return true
		}
	}
	return false
}

// sendHandshake sends an auth frame that is only valid on connection gen
// while the handshake is still running.
func (m *Manager) sendHandshake(gen uint64, frame []byte) error {
	return m.transport.SendIf(frame, func() bool {
		return m.onConnection(gen, Connected, Authenticating, Signing)
	})
}

// Pending returns the number of requests awaiting a response.
func (m *Manager) Pending() int {
	return m.registry.Len()
}

// socketHandler receives transport callbacks on the reader goroutine.
type socketHandler struct {
	m *Manager
}

func (h socketHandler) OnOpen()                             { h.m.handleOpen() }
func (h socketHandler) OnMessage(data []byte)               { h.m.handleMessage(data) }
func (h socketHandler) OnClose(err error, intentional bool) { h.m.handleClose(err, intentional) }

func (m *Manager) handleOpen() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		_ = m.transport.Close()
		return
	}
	key, ok := m.keys.Current()
	if !ok {
		m.mu.Unlock()
		m.fail(ErrNoSessionKey)
		return
	}
	expires := m.now().Add(m.duration)
	m.auth = &pendingAuth{key: key, expiresAt: uint64(expires.Unix())}
	m.expiresAt = expires
	m.connGen++
	gen := m.connGen
	m.setStatusLocked(Connected)
	ctx := m.runCtx
	m.mu.Unlock()

	m.log.Info("connected to clearing node")
	params := rpc.AuthRequestParams{
		Address:     m.wallet.Address().Hex(),
		SessionKey:  key.Address.Hex(),
		Application: m.appName,
		Allowances:  rpcAllowances(m.allowances),
		ExpiresAt:   uint64(expires.Unix()),
		Scope:       m.scope,
	}
	frame, err := rpc.Encode(ctx, rpc.NewRequest(m.authSeq.Add(1), rpc.MethodAuthRequest, params, m.now()), nil)
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	m.setStatus(Authenticating)
	if err := m.sendHandshake(gen, frame); err != nil {
		m.abandonHandshake(gen, fmt.Errorf("send auth request: %w", err))
	}
}

func (m *Manager) handleMessage(data []byte) {
	resp, err := rpc.ParseResponse(data)
	if err != nil {
		m.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case resp.Method == rpc.MethodAuthChallenge:
		m.handleChallenge(resp)
	case resp.Method == rpc.MethodAuthVerify:
		m.handleVerify(resp)
	case resp.Method == rpc.MethodError:
		m.handleServerError(resp)
	case resp.Method.IsOperation():
		if !m.registry.Resolve(registry.Kind(resp.Method), resp.ID, resp.Params) {
			m.log.Debug("response without pending request", zap.String("method", string(resp.Method)), zap.Uint64("id", resp.ID))
		}
	case resp.Method.IsNotification():
		m.activity.Add(notificationMessage(resp.Method), resp.Params)
		if m.onNotify != nil {
			m.onNotify(resp)
		}
	default:
		m.log.Debug("ignoring frame", zap.String("method", string(resp.Method)))
	}
}

func (m *Manager) handleChallenge(resp rpc.Response) {
	m.mu.Lock()
	auth := m.auth
	if auth == nil {
		m.mu.Unlock()
		m.fail(ErrNoSessionKey)
		return
	}
	m.setStatusLocked(Signing)
	ctx, gen := m.runCtx, m.connGen
	m.mu.Unlock()

	var params rpc.AuthChallengeParams
	if err := resp.Decode(&params); err != nil || params.ChallengeMessage == "" {
		m.fail(fmt.Errorf("%w: malformed challenge", ErrAuthFailed))
		return
	}
	// wallet signing may prompt; keep the reader free
	go m.answerChallenge(ctx, gen, *auth, params.ChallengeMessage)
}

func (m *Manager) answerChallenge(ctx context.Context, gen uint64, auth pendingAuth, challenge string) {
	policy := signer.AuthPolicy{
		Challenge:  challenge,
		Scope:      m.scope,
		Wallet:     m.wallet.Address(),
		SessionKey: auth.key.Address,
		ExpiresAt:  auth.expiresAt,
		Allowances: m.allowances,
	}
	sig, err := m.wallet.SignTypedData(ctx, policy.TypedData(m.appName))
	if err != nil {
		m.fail(fmt.Errorf("%w: wallet signature: %v", ErrAuthFailed, err))
		return
	}
	req := rpc.NewRequest(m.authSeq.Add(1), rpc.MethodAuthVerify, rpc.AuthVerifyParams{Challenge: challenge}, m.now())
	frame, err := rpc.EncodeWithSignatures(req, sig)
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	if err := m.sendHandshake(gen, frame); err != nil {
		m.abandonHandshake(gen, fmt.Errorf("send auth verify: %w", err))
	}
}

// abandonHandshake fails the session for a send error on connection gen. A
// stale frame means that connection already dropped and the reconnect path
// owns the session.
func (m *Manager) abandonHandshake(gen uint64, err error) {
	if errors.Is(err, transport.ErrStale) {
		m.log.Debug("handshake frame for a dropped connection discarded", zap.Uint64("connection", gen))
		return
	}
	m.fail(err)
}

func (m *Manager) handleVerify(resp rpc.Response) {
	var res rpc.AuthVerifyResult
	if err := resp.Decode(&res); err != nil || !res.Success {
		m.fail(ErrAuthFailed)
		return
	}

	m.mu.Lock()
	auth := m.auth
	if auth == nil {
		m.mu.Unlock()
		m.log.Warn("auth_verify without a pending handshake")
		return
	}
	m.auth = nil
	m.authedKey = &auth.key
	m.lastErr = nil
	m.setStatusLocked(Authenticated)
	ctx := m.runCtx
	m.mu.Unlock()

	m.policy.Reset()
	m.metrics.setAuthenticated(true)
	m.log.Info("authenticated",
		zap.String("wallet", m.wallet.Address().Hex()),
		zap.String("session_key", auth.key.Address.Hex()))
	m.activity.Add("Authenticated", map[string]string{
		"wallet":      m.wallet.Address().Hex(),
		"session_key": auth.key.Address.Hex(),
	})
	go m.seedBalances(ctx)
}

func (m *Manager) handleServerError(resp rpc.Response) {
	msg := resp.ErrorMessage()
	serr := rpc.NewServerError(msg)
	m.log.Warn("clearing node error", zap.String("error", msg), zap.Stringer("kind", serr.Kind))
	m.activity.Add("Server error", map[string]string{"error": msg})

	if n := m.registry.RejectAll(serr); n > 0 {
		m.log.Debug("rejected pending requests", zap.Int("count", n))
	}
	if serr.Kind == rpc.KindSessionExpired {
		m.fail(fmt.Errorf("%w: %s", ErrSessionExpired, msg))
		return
	}

	m.mu.Lock()
	handshaking := m.status == Connected || m.status == Authenticating || m.status == Signing
	m.mu.Unlock()
	if handshaking {
		m.fail(fmt.Errorf("%w: %w", ErrAuthFailed, serr))
	}
}

func (m *Manager) handleClose(err error, intentional bool) {
	if intentional {
		m.mu.Lock()
		m.auth = nil
		if m.status != Error {
			m.setStatusLocked(Disconnected)
		}
		m.mu.Unlock()
		m.metrics.setAuthenticated(false)
		m.registry.RejectAll(ErrDisconnected)
		return
	}
	m.activity.Add("Connection closed", map[string]string{"error": errString(err)})
	m.dropped(err)
}

// dropped handles a failed dial or an unintentional close.
func (m *Manager) dropped(cause error) {
	m.mu.Lock()
	m.auth = nil
	m.authedKey = nil
	if cause != nil {
		m.lastErr = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	} else {
		m.lastErr = ErrDisconnected
	}
	if m.status != Error {
		m.setStatusLocked(Disconnected)
	}
	running := m.running
	m.mu.Unlock()

	m.metrics.setAuthenticated(false)
	m.registry.RejectAll(ErrDisconnected)
	if running {
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	delay, ok := m.policy.Next()
	if !ok {
		m.connectionLost()
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.retryTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	attempt := m.policy.Attempt()
	m.metrics.incReconnect()
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.activity.Add("Reconnecting", map[string]any{"attempt": attempt, "delay": delay.String()})
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	ctx := m.runCtx
	m.setStatusLocked(Connecting)
	m.mu.Unlock()

	if err := m.transport.Open(ctx); err != nil {
		m.log.Warn("reconnect failed", zap.Int("attempt", m.policy.Attempt()), zap.Error(err))
		m.dropped(err)
	}
}

func (m *Manager) connectionLost() {
	m.mu.Lock()
	if m.lostFired {
		m.mu.Unlock()
		return
	}
	m.lostFired = true
	m.running = false
	m.lastErr = ErrConnectionLost
	m.setStatusLocked(Disconnected)
	cancel := m.cancelRun
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.log.Error("connection lost", zap.Int("attempts", m.policy.MaxAttempts()))
	m.activity.Add("Connection lost", map[string]int{"attempts": m.policy.MaxAttempts()})
	if m.onLost != nil {
		m.onLost(ErrConnectionLost)
	}
}

// fail moves to the error state. No reconnect follows.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.running = false
	m.auth = nil
	m.authedKey = nil
	m.lastErr = err
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.setStatusLocked(Error)
	cancel := m.cancelRun
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.metrics.setAuthenticated(false)
	if errors.Is(err, ErrAuthFailed) {
		m.metrics.incAuthFailure()
	}
	m.log.Error("session failed", zap.Error(err))
	m.activity.Add("Session error", map[string]string{"error": err.Error()})
	m.registry.RejectAll(err)
	_ = m.transport.Close()
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.setStatusLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.log.Debug("status", zap.Stringer("from", m.status), zap.Stringer("to", s))
	m.status = s
	close(m.changed)
	m.changed = make(chan struct{})
}

func rpcAllowances(in []signer.Allowance) []rpc.Allowance {
	out := make([]rpc.Allowance, 0, len(in))
	for _, a := range in {
		out = append(out, rpc.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return out
}

func notificationMessage(m rpc.Method) string {
	switch m {
	case rpc.MethodBalanceUpdate:
		return "Balance update"
	case rpc.MethodChannelUpdate:
		return "Channel update"
	case rpc.MethodAssets:
		return "Assets"
	case rpc.MethodPong:
		return "Pong"
	default:
		return "Notification " + string(m)
	}
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
