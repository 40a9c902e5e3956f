package nodetest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
)

// Channel intents as understood by the custody contract.
const (
	intentInitialize uint8 = 1
	intentResize     uint8 = 2
	intentFinalize   uint8 = 3
)

type openChannel struct {
	desc    rpc.ChannelDescriptor
	wallet  common.Address
	amount  *big.Int
	version int64
}

type ledgerState struct {
	mu       sync.Mutex
	nonce    uint64
	channels map[string]*openChannel
	sessions map[string]*rpc.AppSession
	ledger   []rpc.LedgerEntry
	nextTx   uint64
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		channels: make(map[string]*openChannel),
		sessions: make(map[string]*rpc.AppSession),
	}
}

// SetLedger replaces the ledger rows served by get_ledger_entries.
func (n *Node) SetLedger(entries []rpc.LedgerEntry) {
	n.state.mu.Lock()
	n.state.ledger = append([]rpc.LedgerEntry(nil), entries...)
	n.state.mu.Unlock()
}

// OpenChannels returns the ids of channels the node considers open.
func (n *Node) OpenChannels() []string {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	out := make([]string, 0, len(n.state.channels))
	for id := range n.state.channels {
		out = append(out, id)
	}
	return out
}

func (n *Node) installDefaults() {
	n.handlers[rpc.MethodCreateChannel] = n.createChannel
	n.handlers[rpc.MethodResizeChannel] = n.resizeChannel
	n.handlers[rpc.MethodCloseChannel] = n.closeChannel
	n.handlers[rpc.MethodCreateAppSession] = n.createAppSession
	n.handlers[rpc.MethodSubmitAppState] = n.submitAppState
	n.handlers[rpc.MethodCloseAppSession] = n.closeAppSession
	n.handlers[rpc.MethodGetAppSessions] = n.getAppSessions
	n.handlers[rpc.MethodGetLedgerEntries] = n.getLedgerEntries
	n.handlers[rpc.MethodTransfer] = n.transfer
}

func (n *Node) createChannel(req Request) (any, error) {
	var params rpc.CreateChannelParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid create_channel params: %v", err)
	}
	chainID := params.ChainID
	if chainID == 0 {
		chainID = n.cfg.ChainID
	}
	token := params.Token
	if token == "" {
		token = n.cfg.Token
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.channels {
		if ch.wallet == req.Wallet {
			return nil, fmt.Errorf("an open channel with broker already exists: %s", id)
		}
	}
	s.nonce++
	desc := rpc.ChannelDescriptor{
		Participants: []string{req.Wallet.Hex(), n.BrokerAddress().Hex()},
		Adjudicator:  n.cfg.Adjudicator,
		Challenge:    3600,
		Nonce:        s.nonce,
	}
	id, err := chain.ChannelID(chain.Channel{
		Participants: []common.Address{req.Wallet, n.BrokerAddress()},
		Adjudicator:  common.HexToAddress(desc.Adjudicator),
		Challenge:    desc.Challenge,
		Nonce:        desc.Nonce,
	}, chainID)
	if err != nil {
		return nil, err
	}
	ch := &openChannel{desc: desc, wallet: req.Wallet, amount: new(big.Int)}
	s.channels[id.Hex()] = ch
	return n.approve(id.Hex(), ch, intentInitialize, token)
}

func (n *Node) resizeChannel(req Request) (any, error) {
	var params rpc.ResizeChannelParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid resize_channel params: %v", err)
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[strings.ToLower(params.ChannelID)]
	if !ok || ch.wallet != req.Wallet {
		return nil, fmt.Errorf("channel %s not found", params.ChannelID)
	}
	next := new(big.Int).Add(ch.amount, params.ResizeAmount.Big())
	next.Sub(next, params.AllocateAmount.Big())
	if next.Sign() < 0 {
		return nil, fmt.Errorf("insufficient channel balance for %s", params.ChannelID)
	}
	ch.amount = next
	ch.version++
	return n.approve(strings.ToLower(params.ChannelID), ch, intentResize, n.cfg.Token)
}

func (n *Node) closeChannel(req Request) (any, error) {
	var params rpc.CloseChannelParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid close_channel params: %v", err)
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.ToLower(params.ChannelID)
	ch, ok := s.channels[id]
	if !ok || ch.wallet != req.Wallet {
		return nil, fmt.Errorf("channel %s not found", params.ChannelID)
	}
	delete(s.channels, id)
	ch.version++
	return n.approve(id, ch, intentFinalize, n.cfg.Token)
}

// approve builds the co-signed state for ch. The caller holds state.mu.
func (n *Node) approve(id string, ch *openChannel, intent uint8, token string) (rpc.ChannelResult, error) {
	st := chain.State{
		Intent:  intent,
		Version: big.NewInt(ch.version),
		Data:    []byte{},
		Allocations: []chain.Allocation{
			{Destination: ch.wallet, Token: common.HexToAddress(token), Amount: new(big.Int).Set(ch.amount)},
			{Destination: n.BrokerAddress(), Token: common.HexToAddress(token), Amount: new(big.Int)},
		},
	}
	sig, err := chain.SignState(common.HexToHash(id), st, n.broker)
	if err != nil {
		return rpc.ChannelResult{}, err
	}

	allocs := make([]rpc.Allocation, 0, len(st.Allocations))
	for _, a := range st.Allocations {
		allocs = append(allocs, rpc.Allocation{
			Destination: a.Destination.Hex(),
			Token:       a.Token.Hex(),
			Amount:      rpc.NewBigInt(a.Amount),
		})
	}
	desc := ch.desc
	serverSig := rpc.HexSignature(sig)
	if n.cfg.OffChainOnly {
		serverSig = ""
	}
	return rpc.ChannelResult{
		ChannelID: id,
		Channel:   &desc,
		State: &rpc.ChannelState{
			Intent:      intent,
			Version:     rpc.NewBigInt(st.Version),
			StateData:   "0x",
			Allocations: allocs,
		},
		ServerSignature: serverSig,
	}, nil
}

func (n *Node) createAppSession(req Request) (any, error) {
	var params rpc.CreateAppSessionParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid create_app_session params: %v", err)
	}
	if len(params.Definition.Participants) == 0 {
		return nil, fmt.Errorf("app definition has no participants")
	}

	id := common.BytesToHash(uuidBytes()).Hex()
	now := time.Now().UTC().Format(time.RFC3339)
	s := n.state
	s.mu.Lock()
	s.sessions[id] = &rpc.AppSession{
		AppSessionID: id,
		Status:       "open",
		Participants: params.Definition.Participants,
		Protocol:     params.Definition.Protocol,
		SessionData:  params.SessionData,
		Version:      1,
		Quorum:       params.Definition.Quorum,
		Nonce:        params.Definition.Nonce,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Unlock()
	return rpc.AppSessionResult{AppSessionID: id, Version: 1, Status: "open"}, nil
}

func (n *Node) submitAppState(req Request) (any, error) {
	var params rpc.SubmitAppStateParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid submit_app_state params: %v", err)
	}
	return n.updateSession(params.AppSessionID, params.SessionData, "open")
}

func (n *Node) closeAppSession(req Request) (any, error) {
	var params rpc.CloseAppSessionParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid close_app_session params: %v", err)
	}
	return n.updateSession(params.AppSessionID, params.SessionData, "closed")
}

func (n *Node) updateSession(id, data, status string) (any, error) {
	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("app session %s not found", id)
	}
	if sess.Status != "open" {
		return nil, fmt.Errorf("app session %s is %s", id, sess.Status)
	}
	sess.Version++
	sess.Status = status
	if data != "" {
		sess.SessionData = data
	}
	sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return rpc.AppSessionResult{AppSessionID: id, Version: sess.Version, Status: status}, nil
}

func (n *Node) getAppSessions(req Request) (any, error) {
	var params rpc.GetAppSessionsParams
	if len(req.Params) > 0 {
		_ = rpc.DecodeParams(req.Params, &params)
	}
	participant := params.Participant
	if participant == "" {
		participant = req.Wallet.Hex()
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rpc.AppSession{}
	for _, sess := range s.sessions {
		if params.Status != "" && sess.Status != params.Status {
			continue
		}
		for _, p := range sess.Participants {
			if strings.EqualFold(p, participant) {
				out = append(out, *sess)
				break
			}
		}
	}
	return rpc.GetAppSessionsResult{AppSessions: out}, nil
}

func (n *Node) getLedgerEntries(req Request) (any, error) {
	var params rpc.GetLedgerEntriesParams
	if len(req.Params) > 0 {
		_ = rpc.DecodeParams(req.Params, &params)
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rpc.LedgerEntry{}
	for _, e := range s.ledger {
		if params.Wallet != "" && !strings.EqualFold(e.Participant, params.Wallet) {
			continue
		}
		if params.Asset != "" && e.Asset != params.Asset {
			continue
		}
		if params.AccountID != "" && e.AccountID != params.AccountID {
			continue
		}
		out = append(out, e)
	}
	return rpc.GetLedgerEntriesResult{LedgerEntries: out}, nil
}

func (n *Node) transfer(req Request) (any, error) {
	var params rpc.TransferParams
	if err := rpc.DecodeParams(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid transfer params: %v", err)
	}
	if !common.IsHexAddress(params.Destination) {
		return nil, fmt.Errorf("invalid destination %q", params.Destination)
	}

	s := n.state
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	txs := make([]rpc.LedgerTransaction, 0, len(params.Allocations))
	for _, a := range params.Allocations {
		s.nextTx++
		txs = append(txs, rpc.LedgerTransaction{
			ID:          s.nextTx,
			TxType:      "transfer",
			FromAccount: req.Wallet.Hex(),
			ToAccount:   params.Destination,
			Asset:       a.Asset,
			Amount:      json.Number(a.Amount),
			CreatedAt:   now,
		})
	}
	return rpc.TransferResult{Transactions: txs}, nil
}

func uuidBytes() []byte {
	id := uuid.New()
	return id[:]
}
