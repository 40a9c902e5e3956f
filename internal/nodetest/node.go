// Package nodetest is an in-process clearing node speaking the websocket RPC
// protocol. It authenticates clients with the EIP-712 handshake, verifies
// session key signatures and answers every request kind with plausible
// defaults that tests may override per method.
package nodetest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/signer"
)

// ErrNoReply makes a handler swallow the request.
var ErrNoReply = errors.New("no reply")

// Request is an authenticated request as seen by a handler.
type Request struct {
	rpc.Incoming
	Wallet     common.Address
	SessionKey common.Address
}

// HandlerFunc answers one request. A returned error is sent as an "error"
// frame, except ErrNoReply which sends nothing.
type HandlerFunc func(req Request) (any, error)

// Config tunes a Node.
type Config struct {
	ChainID     uint64
	Token       string
	Adjudicator string
	// RejectAuth answers every auth_verify with success=false.
	RejectAuth bool
	// OffChainOnly omits the server signature from channel approvals, so
	// they carry no on-chain settlement payload.
	OffChainOnly bool
	Log        *zap.Logger
}

// Node is the mock clearing node. It implements http.Handler.
type Node struct {
	cfg      Config
	log      *zap.Logger
	broker   *ecdsa.PrivateKey
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[rpc.Method]HandlerFunc
	conns    map[*conn]struct{}
	requests []Request
	srv      *httptest.Server

	state *ledgerState
}

type conn struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	wallet     common.Address
	sessionKey common.Address
	authed     bool
	pending    *rpc.AuthRequestParams
	challenge  string
}

// New builds a Node with default handlers for every request kind.
func New(cfg Config) *Node {
	if cfg.ChainID == 0 {
		cfg.ChainID = 137
	}
	if cfg.Token == "" {
		cfg.Token = common.Address{}.Hex()
	}
	if cfg.Adjudicator == "" {
		cfg.Adjudicator = common.HexToAddress("0xad").Hex()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	broker, err := crypto.GenerateKey()
	if err != nil {
		panic(fmt.Sprintf("generate broker key: %v", err))
	}
	n := &Node{
		cfg:      cfg,
		log:      cfg.Log,
		broker:   broker,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		handlers: make(map[rpc.Method]HandlerFunc),
		conns:    make(map[*conn]struct{}),
		state:    newLedgerState(),
	}
	n.installDefaults()
	return n
}

// Start serves the node on a loopback listener and returns its ws:// URL.
func (n *Node) Start() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.srv == nil {
		n.srv = httptest.NewServer(n)
	}
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

// Close drops every connection and stops the listener.
func (n *Node) Close() {
	n.DropConnections()
	n.mu.Lock()
	srv := n.srv
	n.srv = nil
	n.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
}

// BrokerAddress is the node's signing address.
func (n *Node) BrokerAddress() common.Address {
	return crypto.PubkeyToAddress(n.broker.PublicKey)
}

// Handle overrides the handler for method.
func (n *Node) Handle(method rpc.Method, fn HandlerFunc) {
	n.mu.Lock()
	n.handlers[method] = fn
	n.mu.Unlock()
}

// Requests returns the authenticated requests received for method.
func (n *Node) Requests(method rpc.Method) []Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Request
	for _, r := range n.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Connections returns the number of open sockets.
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// DropConnections closes every socket without a close frame.
func (n *Node) DropConnections() {
	n.mu.Lock()
	conns := make([]*conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Push sends an unsolicited frame to every authenticated connection.
func (n *Node) Push(method rpc.Method, params any) error {
	frame, err := rpc.EncodeResponse(0, method, params, time.Now())
	if err != nil {
		return err
	}
	n.mu.Lock()
	conns := make([]*conn, 0, len(n.conns))
	for c := range n.conns {
		if c.authed {
			conns = append(conns, c)
		}
	}
	n.mu.Unlock()
	for _, c := range conns {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

// SendError broadcasts an "error" frame to every connection.
func (n *Node) SendError(msg string) error {
	frame, err := rpc.EncodeResponse(0, rpc.MethodError, rpc.ErrorParams{Error: msg}, time.Now())
	if err != nil {
		return err
	}
	n.mu.Lock()
	conns := make([]*conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
	return nil
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws}
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		n.dispatch(c, data)
	}
}

func (n *Node) dispatch(c *conn, data []byte) {
	in, err := rpc.ParseRequest(data)
	if err != nil {
		n.reply(c, 0, rpc.MethodError, rpc.ErrorParams{Error: "invalid message format"})
		return
	}

	switch in.Method {
	case rpc.MethodAuthRequest:
		n.handleAuthRequest(c, in)
		return
	case rpc.MethodAuthVerify:
		n.handleAuthVerify(c, in)
		return
	case rpc.MethodPing:
		n.reply(c, in.ID, rpc.MethodPong, struct{}{})
		return
	}

	if !c.authed {
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: "authentication required"})
		return
	}
	if err := verifySessionSig(in, c.sessionKey); err != nil {
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: err.Error()})
		return
	}

	req := Request{Incoming: in, Wallet: c.wallet, SessionKey: c.sessionKey}
	n.mu.Lock()
	n.requests = append(n.requests, req)
	fn := n.handlers[in.Method]
	n.mu.Unlock()

	if fn == nil {
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: fmt.Sprintf("unsupported method %s", in.Method)})
		return
	}
	result, err := fn(req)
	switch {
	case errors.Is(err, ErrNoReply):
	case err != nil:
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: err.Error()})
	default:
		n.reply(c, in.ID, in.Method, result)
	}
}

func (n *Node) handleAuthRequest(c *conn, in rpc.Incoming) {
	var params rpc.AuthRequestParams
	if err := rpc.DecodeParams(in.Params, &params); err != nil || !common.IsHexAddress(params.Address) || !common.IsHexAddress(params.SessionKey) {
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: "invalid auth request"})
		return
	}
	c.pending = &params
	c.challenge = uuid.NewString()
	n.reply(c, in.ID, rpc.MethodAuthChallenge, rpc.AuthChallengeParams{ChallengeMessage: c.challenge})
}

func (n *Node) handleAuthVerify(c *conn, in rpc.Incoming) {
	var params rpc.AuthVerifyParams
	if err := rpc.DecodeParams(in.Params, &params); err != nil || c.pending == nil || params.Challenge != c.challenge {
		n.reply(c, in.ID, rpc.MethodError, rpc.ErrorParams{Error: "invalid challenge"})
		return
	}
	pending := c.pending
	c.pending = nil

	if n.cfg.RejectAuth || len(in.Sig) == 0 {
		n.reply(c, in.ID, rpc.MethodAuthVerify, rpc.AuthVerifyResult{Success: false})
		return
	}
	sig, err := rpc.ParseSignature(in.Sig[0])
	if err != nil {
		n.reply(c, in.ID, rpc.MethodAuthVerify, rpc.AuthVerifyResult{Success: false})
		return
	}

	allowances := make([]signer.Allowance, 0, len(pending.Allowances))
	for _, a := range pending.Allowances {
		allowances = append(allowances, signer.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	policy := signer.AuthPolicy{
		Challenge:  params.Challenge,
		Scope:      pending.Scope,
		Wallet:     common.HexToAddress(pending.Address),
		SessionKey: common.HexToAddress(pending.SessionKey),
		ExpiresAt:  pending.ExpiresAt,
		Allowances: allowances,
	}
	recovered, err := signer.RecoverTypedData(policy.TypedData(pending.Application), sig)
	if err != nil || recovered != policy.Wallet {
		n.log.Debug("auth signature mismatch", zap.String("recovered", recovered.Hex()), zap.Error(err))
		n.reply(c, in.ID, rpc.MethodAuthVerify, rpc.AuthVerifyResult{Success: false})
		return
	}

	n.mu.Lock()
	c.wallet = policy.Wallet
	c.sessionKey = policy.SessionKey
	c.authed = true
	n.mu.Unlock()

	n.reply(c, in.ID, rpc.MethodAuthVerify, rpc.AuthVerifyResult{
		Success:    true,
		Address:    policy.Wallet.Hex(),
		SessionKey: policy.SessionKey.Hex(),
		JWTToken:   uuid.NewString(),
	})
}

func verifySessionSig(in rpc.Incoming, key common.Address) error {
	if len(in.Sig) == 0 {
		return errors.New("missing signature")
	}
	sig, err := rpc.ParseSignature(in.Sig[0])
	if err != nil {
		return errors.New("invalid signature")
	}
	addr, err := signer.RecoverMessage(in.Raw, sig)
	if err != nil || addr != key {
		return errors.New("invalid signature")
	}
	return nil
}

func (n *Node) reply(c *conn, id uint64, method rpc.Method, params any) {
	frame, err := rpc.EncodeResponse(id, method, params, time.Now())
	if err != nil {
		n.log.Warn("encode response", zap.Error(err))
		return
	}
	if err := c.write(frame); err != nil {
		n.log.Debug("write response", zap.Error(err))
	}
}

func (c *conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
