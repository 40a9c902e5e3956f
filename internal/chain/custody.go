package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const (
	channelTuple = `{"name":"%s","type":"tuple","components":[` +
		`{"name":"participants","type":"address[]"},` +
		`{"name":"adjudicator","type":"address"},` +
		`{"name":"challenge","type":"uint64"},` +
		`{"name":"nonce","type":"uint64"}]}`
	stateComponents = `[` +
		`{"name":"intent","type":"uint8"},` +
		`{"name":"version","type":"uint256"},` +
		`{"name":"data","type":"bytes"},` +
		`{"name":"allocations","type":"tuple[]","components":[` +
		`{"name":"destination","type":"address"},` +
		`{"name":"token","type":"address"},` +
		`{"name":"amount","type":"uint256"}]},` +
		`{"name":"sigs","type":"bytes[]"}]`
)

func stateArg(name, typ string) string {
	return fmt.Sprintf(`{"name":"%s","type":"%s","components":%s}`, name, typ, stateComponents)
}

var custodyABIJSON = `[` +
	`{"type":"function","name":"create","stateMutability":"nonpayable","inputs":[` +
	fmt.Sprintf(channelTuple, "ch") + `,` + stateArg("initial", "tuple") +
	`],"outputs":[{"name":"channelId","type":"bytes32"}]},` +
	`{"type":"function","name":"resize","stateMutability":"nonpayable","inputs":[` +
	`{"name":"channelId","type":"bytes32"},` + stateArg("candidate", "tuple") + `,` + stateArg("proofs", "tuple[]") +
	`],"outputs":[]},` +
	`{"type":"function","name":"close","stateMutability":"nonpayable","inputs":[` +
	`{"name":"channelId","type":"bytes32"},` + stateArg("candidate", "tuple") + `,` + stateArg("proofs", "tuple[]") +
	`],"outputs":[]},` +
	`{"type":"function","name":"getChannelData","stateMutability":"view","inputs":[` +
	`{"name":"channelId","type":"bytes32"}],"outputs":[` +
	fmt.Sprintf(channelTuple, "channel") + `,` +
	`{"name":"status","type":"uint8"},` +
	`{"name":"wallets","type":"address[]"},` +
	`{"name":"challengeExpiry","type":"uint256"},` +
	stateArg("lastValidState", "tuple") + `]},` +
	`{"type":"function","name":"deposit","stateMutability":"payable","inputs":[` +
	`{"name":"account","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},` +
	`{"type":"function","name":"getAccountsBalances","stateMutability":"view","inputs":[` +
	`{"name":"accounts","type":"address[]"},{"name":"tokens","type":"address[]"}],` +
	`"outputs":[{"name":"","type":"uint256[][]"}]}` +
	`]`

const erc20ABIJSON = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	custodyABI = mustParseABI(custodyABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Backend is what the client needs from a node connection.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthConfig wires an EthClient.
type EthConfig struct {
	Backend Backend
	Key     *ecdsa.PrivateKey
	ChainID uint64
	Custody common.Address
	Log     *zap.Logger
}

// EthClient settles channels against the custody contract via go-ethereum.
type EthClient struct {
	backend Backend
	key     *ecdsa.PrivateKey
	wallet  common.Address
	custody common.Address
	chainID *big.Int
	auth    *bind.TransactOpts
	log     *zap.Logger

	custodyContract *bind.BoundContract
}

// NewEthClient builds a client over an existing backend.
func NewEthClient(cfg EthConfig) (*EthClient, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chain backend is required")
	}
	if cfg.Key == nil {
		return nil, errors.New("wallet key is required for settlement")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.Custody == (common.Address{}) {
		return nil, errors.New("custody address is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	auth, err := bind.NewKeyedTransactorWithChainID(cfg.Key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	return &EthClient{
		backend:         cfg.Backend,
		key:             cfg.Key,
		wallet:          crypto.PubkeyToAddress(cfg.Key.PublicKey),
		custody:         cfg.Custody,
		chainID:         chainID,
		auth:            auth,
		log:             cfg.Log,
		custodyContract: bind.NewBoundContract(cfg.Custody, custodyABI, cfg.Backend, cfg.Backend, cfg.Backend),
	}, nil
}

// Dial connects to rpcURL and builds a client.
func Dial(ctx context.Context, rpcURL string, cfg EthConfig) (*EthClient, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	cfg.Backend = backend
	client, err := NewEthClient(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}

// Close releases the underlying RPC connection when the backend owns one.
func (c *EthClient) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// ChannelID derives the custody channel id: keccak256(abi.encode(participants, adjudicator, challenge, nonce, chainId)).
func ChannelID(ch Channel, chainID uint64) (common.Hash, error) {
	addrs, _ := abi.NewType("address[]", "", nil)
	addr, _ := abi.NewType("address", "", nil)
	u64, _ := abi.NewType("uint64", "", nil)
	u256, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{{Type: addrs}, {Type: addr}, {Type: u64}, {Type: u64}, {Type: u256}}
	packed, err := args.Pack(ch.Participants, ch.Adjudicator, ch.Challenge, ch.Nonce, new(big.Int).SetUint64(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack channel: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

func (c *EthClient) CreateChannel(ctx context.Context, ch Channel, initial State) (common.Hash, error) {
	id, err := ChannelID(ch, c.chainID.Uint64())
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := c.withWalletSig(id, initial)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, c.custodyContract, "create", nil, ch, signed)
}

func (c *EthClient) ResizeChannel(ctx context.Context, channelID common.Hash, candidate State, proofs []State) (common.Hash, error) {
	signed, err := c.withWalletSig(channelID, candidate)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, c.custodyContract, "resize", nil, channelID, signed, normalizeStates(proofs))
}

func (c *EthClient) CloseChannel(ctx context.Context, channelID common.Hash, candidate State, proofs []State) (common.Hash, error) {
	signed, err := c.withWalletSig(channelID, candidate)
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, c.custodyContract, "close", nil, channelID, signed, normalizeStates(proofs))
}

func (c *EthClient) GetChannelData(ctx context.Context, channelID common.Hash) (ChannelData, error) {
	var out []interface{}
	if err := c.custodyContract.Call(&bind.CallOpts{Context: ctx}, &out, "getChannelData", channelID); err != nil {
		return ChannelData{}, fmt.Errorf("getChannelData: %w", err)
	}
	return decodeChannelData(out)
}

func (c *EthClient) Deposit(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	var value *big.Int
	if token == (common.Address{}) {
		value = amount
	}
	return c.transact(ctx, c.custodyContract, "deposit", value, c.wallet, token, amount)
}

func (c *EthClient) ApproveTokens(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, c.erc20(token), "approve", nil, c.custody, amount)
}

func (c *EthClient) GetAccountBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	var out []interface{}
	err := c.custodyContract.Call(&bind.CallOpts{Context: ctx}, &out, "getAccountsBalances",
		[]common.Address{c.wallet}, []common.Address{token})
	if err != nil {
		return nil, fmt.Errorf("getAccountsBalances: %w", err)
	}
	balances := *abi.ConvertType(out[0], new([][]*big.Int)).(*[][]*big.Int)
	if len(balances) == 0 || len(balances[0]) == 0 {
		return new(big.Int), nil
	}
	return balances[0][0], nil
}

func (c *EthClient) GetTokenAllowance(ctx context.Context, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		// native asset needs no approval
		return new(big.Int).Set(abi.MaxUint256), nil
	}
	var out []interface{}
	if err := c.erc20(token).Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.wallet, c.custody); err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthClient) erc20(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, erc20ABI, c.backend, c.backend, c.backend)
}

func (c *EthClient) withWalletSig(channelID common.Hash, st State) (State, error) {
	sig, err := SignState(channelID, st, c.key)
	if err != nil {
		return State{}, err
	}
	out := normalizeState(st)
	out.Sigs = append([][]byte{sig}, st.Sigs...)
	return out, nil
}

func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	opts := *c.auth
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: submit: %w", method, err)
	}
	c.log.Info("transaction submitted", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("%s: wait mined: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%s: transaction %s reverted", method, tx.Hash().Hex())
	}
	c.log.Info("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))
	return tx.Hash(), nil
}

func decodeChannelData(out []interface{}) (ChannelData, error) {
	if len(out) != 5 {
		return ChannelData{}, fmt.Errorf("getChannelData: expected 5 outputs, got %d", len(out))
	}
	data := ChannelData{
		Channel:         *abi.ConvertType(out[0], new(Channel)).(*Channel),
		Status:          *abi.ConvertType(out[1], new(uint8)).(*uint8),
		Wallets:         *abi.ConvertType(out[2], new([]common.Address)).(*[]common.Address),
		ChallengeExpiry: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		LastValidState:  *abi.ConvertType(out[4], new(State)).(*State),
	}
	return data, nil
}

func normalizeState(st State) State {
	if st.Version == nil {
		st.Version = new(big.Int)
	}
	if st.Data == nil {
		st.Data = []byte{}
	}
	if st.Allocations == nil {
		st.Allocations = []Allocation{}
	}
	if st.Sigs == nil {
		st.Sigs = [][]byte{}
	}
	return st
}

func normalizeStates(states []State) []State {
	out := make([]State, 0, len(states))
	for _, st := range states {
		out = append(out, normalizeState(st))
	}
	return out
}
