package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// BigInt is a big.Int that marshals as a decimal string and accepts either
// quoted or bare numbers.
type BigInt struct {
	big.Int
}

// NewBigInt copies v; nil means zero.
func NewBigInt(v *big.Int) BigInt {
	var b BigInt
	if v != nil {
		b.Set(v)
	}
	return b
}

// Big returns a copy as *big.Int.
func (b BigInt) Big() *big.Int {
	return new(big.Int).Set(&b.Int)
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		b.SetInt64(0)
		return nil
	}
	text := string(bytes.Trim(data, `"`))
	if text == "" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(text, 0); !ok {
		return fmt.Errorf("invalid integer %q", text)
	}
	return nil
}

// Allowance is an asset spending cap requested during authentication.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthRequestParams opens the handshake.
type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

// AuthChallengeParams carries the server's challenge.
type AuthChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams answers the challenge; the wallet signature travels in sig.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthVerifyResult closes the handshake.
type AuthVerifyResult struct {
	Success    bool   `json:"success"`
	Address    string `json:"address,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	JWTToken   string `json:"jwt_token,omitempty"`
}

// ChannelDescriptor is the fixed part of a channel as understood by the custody contract.
type ChannelDescriptor struct {
	Participants []string `json:"participants"`
	Adjudicator  string   `json:"adjudicator"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// Allocation assigns an amount of token to a destination in a channel state.
type Allocation struct {
	Destination string `json:"destination"`
	Token       string `json:"token"`
	Amount      BigInt `json:"amount"`
}

// ChannelState is a co-signable channel state.
type ChannelState struct {
	Intent      uint8        `json:"intent"`
	Version     BigInt       `json:"version"`
	StateData   string       `json:"state_data"`
	Allocations []Allocation `json:"allocations"`
}

// ChannelResult is the off-chain approval for create, resize and close.
// Channel and State together form the settlement payload.
type ChannelResult struct {
	ChannelID       string             `json:"channel_id"`
	Channel         *ChannelDescriptor `json:"channel,omitempty"`
	State           *ChannelState      `json:"state,omitempty"`
	ServerSignature string             `json:"server_signature,omitempty"`
}

// HasSettlement reports whether the approval carries an on-chain payload.
func (r ChannelResult) HasSettlement() bool {
	return r.State != nil && r.ServerSignature != ""
}

// AllocationSum totals the amounts of the approved state.
func (r ChannelResult) AllocationSum() *big.Int {
	sum := new(big.Int)
	if r.State == nil {
		return sum
	}
	for _, a := range r.State.Allocations {
		sum.Add(sum, &a.Amount.Int)
	}
	return sum
}

type CreateChannelParams struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
}

// ResizeChannelParams carries two independent signed deltas: ResizeAmount
// moves custody funds into the channel, AllocateAmount moves channel funds
// into the unified balance.
type ResizeChannelParams struct {
	ChannelID        string `json:"channel_id"`
	ResizeAmount     BigInt `json:"resize_amount"`
	AllocateAmount   BigInt `json:"allocate_amount"`
	FundsDestination string `json:"funds_destination"`
}

type CloseChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// AppDefinition fixes the participants and voting rules of an app session.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       uint64   `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// AppAllocation is a participant's share of an asset in an app session.
type AppAllocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition   `json:"definition"`
	Allocations []AppAllocation `json:"allocations"`
	SessionData string          `json:"session_data,omitempty"`
}

type SubmitAppStateParams struct {
	AppSessionID string          `json:"app_session_id"`
	Allocations  []AppAllocation `json:"allocations"`
	SessionData  string          `json:"session_data,omitempty"`
}

type CloseAppSessionParams struct {
	AppSessionID string          `json:"app_session_id"`
	Allocations  []AppAllocation `json:"allocations"`
	SessionData  string          `json:"session_data,omitempty"`
}

// AppSessionResult acknowledges create, submit and close.
type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

type GetAppSessionsParams struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// AppSession is one entry of get_app_sessions.
type AppSession struct {
	AppSessionID string   `json:"app_session_id"`
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
	Protocol     string   `json:"protocol"`
	SessionData  string   `json:"session_data,omitempty"`
	Version      uint64   `json:"version"`
	Quorum       uint64   `json:"quorum"`
	Nonce        uint64   `json:"nonce"`
	CreatedAt    string   `json:"created_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

type GetAppSessionsResult struct {
	AppSessions []AppSession `json:"app_sessions"`
}

type GetLedgerEntriesParams struct {
	AccountID string `json:"account_id,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
	Asset     string `json:"asset,omitempty"`
}

// LedgerEntry is one credit/debit row. Amounts are decimal strings.
type LedgerEntry struct {
	ID          uint64      `json:"id"`
	AccountID   string      `json:"account_id"`
	AccountType string      `json:"account_type"`
	Asset       string      `json:"asset"`
	Participant string      `json:"participant"`
	Credit      json.Number `json:"credit"`
	Debit       json.Number `json:"debit"`
	CreatedAt   string      `json:"created_at,omitempty"`
}

type GetLedgerEntriesResult struct {
	LedgerEntries []LedgerEntry `json:"ledger_entries"`
}

// TransferAllocation is an asset amount moved between unified balances.
type TransferAllocation struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type TransferParams struct {
	Destination string               `json:"destination"`
	Allocations []TransferAllocation `json:"allocations"`
}

// LedgerTransaction records one applied transfer.
type LedgerTransaction struct {
	ID          uint64      `json:"id"`
	TxType      string      `json:"tx_type"`
	FromAccount string      `json:"from_account"`
	ToAccount   string      `json:"to_account"`
	Asset       string      `json:"asset"`
	Amount      json.Number `json:"amount"`
	CreatedAt   string      `json:"created_at,omitempty"`
}

type TransferResult struct {
	Transactions []LedgerTransaction `json:"transactions"`
}

// BalanceUpdate is one asset row of a "bu" push.
type BalanceUpdate struct {
	Asset  string      `json:"asset"`
	Amount json.Number `json:"amount"`
}

type BalanceUpdateParams struct {
	BalanceUpdates []BalanceUpdate `json:"balance_updates"`
}

// ErrorParams is the body of an "error" frame.
type ErrorParams struct {
	Error string `json:"error"`
}
