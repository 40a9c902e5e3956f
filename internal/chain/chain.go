package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrDisabled is returned by callers that need a chain client when none is configured.
var ErrDisabled = errors.New("on-chain settlement is not configured")

// Channel is the fixed channel definition registered with the custody contract.
type Channel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

// Allocation is one destination's share of a token in a state.
type Allocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

// State is a channel state. Sigs holds the counterparty signatures supplied
// by the clearing node.
type State struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []Allocation
	Sigs        [][]byte
}

// ChannelData is the custody contract's view of a channel.
type ChannelData struct {
	Channel         Channel
	Status          uint8
	Wallets         []common.Address
	ChallengeExpiry *big.Int
	LastValidState  State
}

// Client is the on-chain settlement surface. Write methods return after the
// transaction is mined. Implementations add the wallet's own state signature
// ahead of the counterparty signatures in State.Sigs.
type Client interface {
	CreateChannel(ctx context.Context, ch Channel, initial State) (common.Hash, error)
	ResizeChannel(ctx context.Context, channelID common.Hash, candidate State, proofs []State) (common.Hash, error)
	CloseChannel(ctx context.Context, channelID common.Hash, candidate State, proofs []State) (common.Hash, error)
	GetChannelData(ctx context.Context, channelID common.Hash) (ChannelData, error)
	Deposit(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	ApproveTokens(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	GetAccountBalance(ctx context.Context, token common.Address) (*big.Int, error)
	GetTokenAllowance(ctx context.Context, token common.Address) (*big.Int, error)
}

var stateHashArgs = mustStateHashArgs()

func mustStateHashArgs() abi.Arguments {
	bytes32, _ := abi.NewType("bytes32", "", nil)
	uint8T, _ := abi.NewType("uint8", "", nil)
	uint256, _ := abi.NewType("uint256", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	allocations, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	if err != nil {
		panic(fmt.Sprintf("allocation abi type: %v", err))
	}
	return abi.Arguments{
		{Type: bytes32},
		{Type: uint8T},
		{Type: uint256},
		{Type: bytesT},
		{Type: allocations},
	}
}

// StateHash is keccak256(abi.encode(channelId, intent, version, data, allocations)).
func StateHash(channelID common.Hash, st State) (common.Hash, error) {
	version := st.Version
	if version == nil {
		version = new(big.Int)
	}
	allocs := st.Allocations
	if allocs == nil {
		allocs = []Allocation{}
	}
	data := st.Data
	if data == nil {
		data = []byte{}
	}
	packed, err := stateHashArgs.Pack(channelID, st.Intent, version, data, allocs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack state: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignState signs the state hash with key.
func SignState(channelID common.Hash, st State, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := StateHash(channelID, st)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign state: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
