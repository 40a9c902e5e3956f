package channel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/activity"
	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/sessionkey"
)

var (
	// ErrNoChannel is returned when an operation needs a channel and none is held.
	ErrNoChannel = errors.New("no open channel")
	// ErrUnconfirmed is returned when a channel's creation has not been
	// confirmed on-chain yet.
	ErrUnconfirmed = errors.New("channel creation not confirmed on-chain")
)

// State is the controller's lifecycle position.
type State int

const (
	NoChannel State = iota
	OffChainCreated
	OnChainSettling
	Funded
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case NoChannel:
		return "no_channel"
	case OffChainCreated:
		return "off_chain_created"
	case OnChainSettling:
		return "on_chain_settling"
	case Funded:
		return "funded"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Caller issues a signed request to the clearing node and decodes its result.
type Caller interface {
	Call(ctx context.Context, method rpc.Method, params any, result any) error
	WalletAddress() common.Address
}

// Config wires a Controller. Chain may be nil; approvals that carry a
// settlement payload then fail with chain.ErrDisabled and leave the channel
// as it was.
type Config struct {
	Caller   Caller
	Chain    chain.Client
	Store    *Store
	Activity *activity.Log
	Log      *zap.Logger
	Metrics  *Metrics
	ChainID  uint64
	Token    string
}

// Controller drives the channel through create, resize and close. Chain
// transactions are only submitted after the clearing node has approved the
// matching state.
type Controller struct {
	caller   Caller
	chain    chain.Client
	store    *Store
	activity *activity.Log
	log      *zap.Logger
	metrics  *Metrics
	chainID  uint64
	token    string
	now      func() time.Time

	// opMu serialises lifecycle operations.
	opMu sync.Mutex

	mu     sync.RWMutex
	state  State
	record *Record
}

// New builds a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Caller == nil {
		return nil, errors.New("caller is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Activity == nil {
		cfg.Activity = activity.New(0, cfg.Log)
	}
	return &Controller{
		caller:   cfg.Caller,
		chain:    cfg.Chain,
		store:    cfg.Store,
		activity: cfg.Activity,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		chainID:  cfg.ChainID,
		token:    cfg.Token,
		now:      time.Now,
	}, nil
}

// Load restores the persisted record, if any.
func (c *Controller) Load(ctx context.Context) (Record, bool, error) {
	if c.store == nil {
		return Record{}, false, nil
	}
	rec, ok, err := c.store.Load(ctx)
	if err != nil || !ok {
		return Record{}, false, err
	}
	state := Funded
	if rec.Unconfirmed {
		state = OffChainCreated
	}
	c.mu.Lock()
	c.record = &rec
	c.state = state
	c.mu.Unlock()
	c.metrics.setOpen(true)
	c.log.Info("restored channel", zap.Stringer("state", state), zap.String("channel_id", rec.ChannelID), zap.String("balance", rec.Balance))
	return rec, true, nil
}

// Record returns the current channel record.
func (c *Controller) Record() (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.record == nil {
		return Record{}, false
	}
	return *c.record, true
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Create opens a channel. An existing record is returned as is. When the
// approval needs on-chain settlement and no chain client is configured, the
// channel stays tracked in OffChainCreated and chain.ErrDisabled is returned.
func (c *Controller) Create(ctx context.Context) (Record, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if rec, ok := c.Record(); ok {
		return rec, nil
	}
	rec, err := c.createLocked(ctx)
	c.metrics.recordOperation("create", err)
	return rec, err
}

func (c *Controller) createLocked(ctx context.Context) (Record, error) {
	params := rpc.CreateChannelParams{ChainID: c.chainID, Token: c.token}
	var res rpc.ChannelResult
	err := c.caller.Call(ctx, rpc.MethodCreateChannel, params, &res)
	if err != nil {
		serr, ok := rpc.AsServerError(err)
		if !ok || serr.Kind != rpc.KindChannelExists || serr.ChannelID == "" {
			return Record{}, fmt.Errorf("create channel: %w", err)
		}
		rec, err := c.commit(ctx, c.newRecord(serr.ChannelID), Funded)
		if err != nil {
			return Record{}, err
		}
		c.metrics.recordRecovery("create")
		c.activity.Add("Adopted existing channel", map[string]string{"channel_id": rec.ChannelID})
		c.log.Info("adopted existing channel", zap.String("channel_id", rec.ChannelID))
		return rec, nil
	}
	if res.ChannelID == "" {
		return Record{}, errors.New("create channel: empty channel id in approval")
	}

	rec, err := c.commit(ctx, c.newRecord(res.ChannelID), OffChainCreated)
	if err != nil {
		return Record{}, err
	}
	c.activity.Add("Channel approved off-chain", map[string]string{"channel_id": rec.ChannelID})

	if !res.HasSettlement() {
		return c.commit(ctx, rec, Funded)
	}
	if c.chain == nil {
		c.log.Warn("settlement payload received without chain client", zap.String("channel_id", rec.ChannelID))
		return Record{}, fmt.Errorf("settle channel %s: %w", rec.ChannelID, chain.ErrDisabled)
	}

	c.setState(OnChainSettling)
	if err := c.settleCreate(ctx, res); err != nil {
		if clearErr := c.discardLocked(ctx); clearErr != nil {
			c.log.Warn("discard channel after failed settlement", zap.Error(clearErr))
		}
		return Record{}, fmt.Errorf("settle channel %s: %w", rec.ChannelID, err)
	}
	if rec, err = c.commit(ctx, rec, Funded); err != nil {
		return Record{}, err
	}
	c.activity.Add("Channel created on-chain", map[string]string{"channel_id": rec.ChannelID})
	return rec, nil
}

func (c *Controller) settleCreate(ctx context.Context, res rpc.ChannelResult) error {
	if res.Channel == nil {
		return errors.New("approval is missing the channel definition")
	}
	ch, err := toChainChannel(*res.Channel)
	if err != nil {
		return err
	}
	initial, err := toChainState(res.State, res.ServerSignature)
	if err != nil {
		return err
	}
	tx, err := c.chain.CreateChannel(ctx, ch, initial)
	if err != nil {
		return err
	}
	c.log.Info("channel creation mined", zap.String("channel_id", res.ChannelID), zap.String("tx", tx.Hex()))
	return nil
}

// Resize moves resizeAmount from custody into the channel and allocateAmount
// from the channel into the unified balance. Either may be negative. The
// balance changes only once the approved state is settled on-chain, or
// immediately when the approval carries no settlement payload.
func (c *Controller) Resize(ctx context.Context, resizeAmount, allocateAmount *big.Int) (Record, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rec, err := c.resizeLocked(ctx, resizeAmount, allocateAmount)
	c.metrics.recordOperation("resize", err)
	return rec, err
}

func (c *Controller) resizeLocked(ctx context.Context, resizeAmount, allocateAmount *big.Int) (Record, error) {
	rec, ok := c.Record()
	if !ok {
		return Record{}, ErrNoChannel
	}
	if rec.Unconfirmed {
		return Record{}, fmt.Errorf("resize channel %s: %w", rec.ChannelID, ErrUnconfirmed)
	}

	res, err := c.requestResize(ctx, rec, resizeAmount, allocateAmount)
	if err != nil {
		switch rpc.KindOf(err) {
		case rpc.KindResizeOngoing:
			c.log.Warn("resize already ongoing; recreating channel", zap.String("channel_id", rec.ChannelID))
			c.activity.Add("Resize already ongoing, closing channel", map[string]string{"channel_id": rec.ChannelID})
			if err := c.closeLocked(ctx, rec); err != nil {
				return Record{}, fmt.Errorf("close stuck channel: %w", err)
			}
		case rpc.KindChannelNotFound:
			c.log.Warn("channel unknown to clearing node; recreating", zap.String("channel_id", rec.ChannelID))
			c.activity.Add("Channel not found, recreating", map[string]string{"channel_id": rec.ChannelID})
			if err := c.discardLocked(ctx); err != nil {
				return Record{}, err
			}
		default:
			return Record{}, fmt.Errorf("resize channel: %w", err)
		}

		c.metrics.recordRecovery("resize")
		if rec, err = c.createLocked(ctx); err != nil {
			return Record{}, err
		}
		if res, err = c.requestResize(ctx, rec, resizeAmount, allocateAmount); err != nil {
			return Record{}, fmt.Errorf("resize channel after recreate: %w", err)
		}
	}

	if res.HasSettlement() {
		if c.chain == nil {
			return Record{}, fmt.Errorf("settle resize of %s: %w", rec.ChannelID, chain.ErrDisabled)
		}
		if err := c.settleResize(ctx, rec.ChannelID, res); err != nil {
			return Record{}, fmt.Errorf("settle resize of %s: %w", rec.ChannelID, err)
		}
	}

	rec.Balance = res.AllocationSum().String()
	if rec, err = c.commit(ctx, rec, Funded); err != nil {
		return Record{}, err
	}
	c.activity.Add("Channel resized", map[string]string{"channel_id": rec.ChannelID, "balance": rec.Balance})
	return rec, nil
}

func (c *Controller) requestResize(ctx context.Context, rec Record, resizeAmount, allocateAmount *big.Int) (rpc.ChannelResult, error) {
	params := rpc.ResizeChannelParams{
		ChannelID:        rec.ChannelID,
		ResizeAmount:     rpc.NewBigInt(resizeAmount),
		AllocateAmount:   rpc.NewBigInt(allocateAmount),
		FundsDestination: c.caller.WalletAddress().Hex(),
	}
	var res rpc.ChannelResult
	if err := c.caller.Call(ctx, rpc.MethodResizeChannel, params, &res); err != nil {
		return rpc.ChannelResult{}, err
	}
	return res, nil
}

func (c *Controller) settleResize(ctx context.Context, channelID string, res rpc.ChannelResult) error {
	id := common.HexToHash(channelID)
	data, err := c.chain.GetChannelData(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch proof state: %w", err)
	}
	candidate, err := toChainState(res.State, res.ServerSignature)
	if err != nil {
		return err
	}
	tx, err := c.chain.ResizeChannel(ctx, id, candidate, []chain.State{data.LastValidState})
	if err != nil {
		return err
	}
	c.log.Info("channel resize mined", zap.String("channel_id", channelID), zap.String("tx", tx.Hex()))
	return nil
}

// Close settles and forgets the channel. A channel the clearing node no
// longer knows is forgotten without error.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rec, ok := c.Record()
	if !ok {
		return ErrNoChannel
	}
	err := c.closeLocked(ctx, rec)
	c.metrics.recordOperation("close", err)
	return err
}

func (c *Controller) closeLocked(ctx context.Context, rec Record) error {
	prev := c.State()
	c.setState(Closing)

	params := rpc.CloseChannelParams{
		ChannelID:        rec.ChannelID,
		FundsDestination: c.caller.WalletAddress().Hex(),
	}
	var res rpc.ChannelResult
	if err := c.caller.Call(ctx, rpc.MethodCloseChannel, params, &res); err != nil {
		if rpc.KindOf(err) == rpc.KindChannelNotFound {
			c.log.Info("closing channel unknown to clearing node", zap.String("channel_id", rec.ChannelID))
			return c.discardLocked(ctx)
		}
		c.setState(prev)
		return fmt.Errorf("close channel: %w", err)
	}

	if res.HasSettlement() {
		if c.chain == nil {
			c.setState(prev)
			return fmt.Errorf("settle close of %s: %w", rec.ChannelID, chain.ErrDisabled)
		}
		final, err := toChainState(res.State, res.ServerSignature)
		if err != nil {
			c.setState(prev)
			return err
		}
		tx, err := c.chain.CloseChannel(ctx, common.HexToHash(rec.ChannelID), final, nil)
		if err != nil {
			c.setState(prev)
			return fmt.Errorf("settle close of %s: %w", rec.ChannelID, err)
		}
		c.log.Info("channel close mined", zap.String("channel_id", rec.ChannelID), zap.String("tx", tx.Hex()))
	}

	c.setState(Closed)
	c.activity.Add("Channel closed", map[string]string{"channel_id": rec.ChannelID})
	return c.discardLocked(ctx)
}

// Discard forgets the local channel record without touching the clearing
// node or the chain.
func (c *Controller) Discard(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.discardLocked(ctx)
}

// HandleSessionReset is registered with the session key store; channels bound
// to a replaced session key cannot be signed for.
func (c *Controller) HandleSessionReset(key sessionkey.SessionKey) {
	if err := c.Discard(context.Background()); err != nil {
		c.log.Warn("discard channel on session reset", zap.Error(err))
		return
	}
	c.activity.Add("Channel discarded after session key reset", map[string]string{"session_key": key.Address.Hex()})
}

// Deposit moves amount of the configured token from the wallet into custody,
// approving the custody contract first when the allowance is short. It
// returns the custody balance afterwards.
func (c *Controller) Deposit(ctx context.Context, amount *big.Int) (*big.Int, error) {
	bal, err := c.deposit(ctx, amount)
	c.metrics.recordOperation("deposit", err)
	return bal, err
}

func (c *Controller) deposit(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if c.chain == nil {
		return nil, chain.ErrDisabled
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("deposit amount must be positive")
	}
	token := common.HexToAddress(c.token)

	allowance, err := c.chain.GetTokenAllowance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		if _, err := c.chain.ApproveTokens(ctx, token, amount); err != nil {
			return nil, fmt.Errorf("approve custody: %w", err)
		}
		c.activity.Add("Approved custody allowance", map[string]string{"amount": amount.String()})
	}
	if _, err := c.chain.Deposit(ctx, token, amount); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	bal, err := c.chain.GetAccountBalance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("read custody balance: %w", err)
	}
	c.activity.Add("Deposited to custody", map[string]string{"amount": amount.String(), "custody_balance": bal.String()})
	return bal, nil
}

// CustodyBalance reads the wallet's custody balance of the configured token.
func (c *Controller) CustodyBalance(ctx context.Context) (*big.Int, error) {
	if c.chain == nil {
		return nil, chain.ErrDisabled
	}
	return c.chain.GetAccountBalance(ctx, common.HexToAddress(c.token))
}

func (c *Controller) newRecord(id string) Record {
	return Record{
		ChannelID: id,
		Token:     c.token,
		ChainID:   c.chainID,
		Balance:   "0",
		CreatedAt: c.now().UTC(),
	}
}

// commit persists rec before publishing it in memory.
func (c *Controller) commit(ctx context.Context, rec Record, state State) (Record, error) {
	rec.Unconfirmed = state == OffChainCreated || state == OnChainSettling
	if c.store != nil {
		if err := c.store.Save(ctx, rec); err != nil {
			return Record{}, err
		}
	}
	c.mu.Lock()
	c.record = &rec
	c.state = state
	c.mu.Unlock()
	c.metrics.setOpen(true)
	return rec, nil
}

func (c *Controller) discardLocked(ctx context.Context) error {
	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.record = nil
	c.state = NoChannel
	c.mu.Unlock()
	c.metrics.setOpen(false)
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
