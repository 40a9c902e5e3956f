package channel

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/LeoFranklin015/Median-sub000/internal/activity"
	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/sessionkey"
)

var (
	channelA = "0xabc" + strings.Repeat("0", 61)
	channelB = "0xdef" + strings.Repeat("0", 61)
	wallet   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token    = "0x00000000000000000000000000000000000000c0"
)

type memKeystore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func newMemKeystore() *memKeystore {
	return &memKeystore{secrets: make(map[string][]byte)}
}

func (m *memKeystore) Initialize(context.Context, string) error { return nil }
func (m *memKeystore) Unlock(context.Context, string) error     { return nil }

func (m *memKeystore) StoreSecret(_ context.Context, id string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = append([]byte(nil), secret...)
	return nil
}

func (m *memKeystore) LoadSecret(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), v...), nil
}

func (m *memKeystore) DeleteSecret(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, id)
	return nil
}

func (m *memKeystore) ListSecrets(context.Context) ([]string, error) { return nil, nil }

type reply struct {
	result any
	err    error
}

// fakeCaller answers each method from a queue of scripted replies.
type fakeCaller struct {
	mu      sync.Mutex
	replies map[rpc.Method][]reply
	calls   []rpc.Method
	params  []any
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{replies: make(map[rpc.Method][]reply)}
}

func (f *fakeCaller) on(method rpc.Method, result any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = append(f.replies[method], reply{result: result, err: err})
}

func (f *fakeCaller) Call(_ context.Context, method rpc.Method, params any, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	queue := f.replies[method]
	if len(queue) == 0 {
		f.mu.Unlock()
		return errors.New("unexpected call " + string(method))
	}
	r := queue[0]
	f.replies[method] = queue[1:]
	f.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	raw, err := json.Marshal(r.result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (f *fakeCaller) WalletAddress() common.Address { return wallet }

func (f *fakeCaller) methods() []rpc.Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.Method(nil), f.calls...)
}

type chainCall struct {
	name string
	id   common.Hash
}

type fakeChain struct {
	mu        sync.Mutex
	calls     []chainCall
	createErr error
	allowance *big.Int
	balance   *big.Int
}

func (f *fakeChain) record(name string, id common.Hash) {
	f.mu.Lock()
	f.calls = append(f.calls, chainCall{name: name, id: id})
	f.mu.Unlock()
}

func (f *fakeChain) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.name
	}
	return out
}

func (f *fakeChain) CreateChannel(_ context.Context, ch chain.Channel, _ chain.State) (common.Hash, error) {
	f.record("create", common.Hash{})
	if f.createErr != nil {
		return common.Hash{}, f.createErr
	}
	return common.HexToHash("0x01"), nil
}

func (f *fakeChain) ResizeChannel(_ context.Context, id common.Hash, candidate chain.State, proofs []chain.State) (common.Hash, error) {
	if len(proofs) != 1 || len(candidate.Sigs) != 1 {
		return common.Hash{}, errors.New("resize needs one proof and the server signature")
	}
	f.record("resize", id)
	return common.HexToHash("0x02"), nil
}

func (f *fakeChain) CloseChannel(_ context.Context, id common.Hash, _ chain.State, _ []chain.State) (common.Hash, error) {
	f.record("close", id)
	return common.HexToHash("0x03"), nil
}

func (f *fakeChain) GetChannelData(_ context.Context, id common.Hash) (chain.ChannelData, error) {
	f.record("data", id)
	return chain.ChannelData{LastValidState: chain.State{Version: big.NewInt(1)}}, nil
}

func (f *fakeChain) Deposit(_ context.Context, _ common.Address, amount *big.Int) (common.Hash, error) {
	f.record("deposit", common.Hash{})
	f.mu.Lock()
	f.balance = new(big.Int).Add(f.currentBalance(), amount)
	f.mu.Unlock()
	return common.HexToHash("0x04"), nil
}

func (f *fakeChain) ApproveTokens(_ context.Context, _ common.Address, amount *big.Int) (common.Hash, error) {
	f.record("approve", common.Hash{})
	f.mu.Lock()
	f.allowance = new(big.Int).Set(amount)
	f.mu.Unlock()
	return common.HexToHash("0x05"), nil
}

func (f *fakeChain) GetAccountBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.currentBalance()), nil
}

func (f *fakeChain) GetTokenAllowance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeChain) currentBalance() *big.Int {
	if f.balance == nil {
		return new(big.Int)
	}
	return f.balance
}

func approval(id string, amounts ...int64) rpc.ChannelResult {
	allocs := make([]rpc.Allocation, 0, len(amounts))
	for _, a := range amounts {
		allocs = append(allocs, rpc.Allocation{
			Destination: wallet.Hex(),
			Token:       token,
			Amount:      rpc.NewBigInt(big.NewInt(a)),
		})
	}
	return rpc.ChannelResult{
		ChannelID: id,
		Channel: &rpc.ChannelDescriptor{
			Participants: []string{wallet.Hex(), "0x00000000000000000000000000000000000000bb"},
			Adjudicator:  "0x00000000000000000000000000000000000000dd",
			Challenge:    3600,
			Nonce:        1,
		},
		State: &rpc.ChannelState{
			Intent:      1,
			Version:     rpc.NewBigInt(big.NewInt(0)),
			StateData:   "0x",
			Allocations: allocs,
		},
		ServerSignature: rpc.HexSignature(make([]byte, 65)),
	}
}

type harness struct {
	ctrl   *Controller
	caller *fakeCaller
	chain  *fakeChain
	store  *Store
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, withChain bool) *harness {
	t.Helper()
	store, err := NewStore(newMemKeystore(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	h := &harness{caller: newFakeCaller(), store: store, reg: prometheus.NewRegistry()}
	cfg := Config{
		Caller:   h.caller,
		Store:    store,
		Activity: activity.New(20, nil),
		Log:      zaptest.NewLogger(t),
		Metrics:  NewMetrics(h.reg),
		ChainID:  137,
		Token:    token,
	}
	if withChain {
		h.chain = &fakeChain{}
		cfg.Chain = h.chain
	}
	h.ctrl, err = New(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return h
}

func TestCreateSettlesAndPersists(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)

	rec, err := h.ctrl.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ChannelID != channelA || rec.Balance != "0" || rec.ChainID != 137 || rec.Token != token {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.ctrl.State() != Funded {
		t.Fatalf("expected funded, got %s", h.ctrl.State())
	}
	if got := h.chain.names(); len(got) != 1 || got[0] != "create" {
		t.Fatalf("expected one on-chain create, got %v", got)
	}

	stored, ok, err := h.store.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load persisted: ok=%v err=%v", ok, err)
	}
	if stored.ChannelID != rec.ChannelID || stored.Balance != rec.Balance || !stored.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("persisted %+v differs from memory %+v", stored, rec)
	}
	if v := testutil.ToFloat64(h.ctrl.metrics.operations.WithLabelValues("create", "ok")); v != 1 {
		t.Fatalf("expected create metric 1, got %v", v)
	}
}

func TestCreateReturnsExistingRecord(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := h.ctrl.Create(context.Background())
	if err != nil || rec.ChannelID != channelA {
		t.Fatalf("second create: rec=%+v err=%v", rec, err)
	}
	if n := len(h.caller.methods()); n != 1 {
		t.Fatalf("expected a single create request, got %d", n)
	}
}

func TestCreateAdoptsExistingChannel(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, nil, rpc.NewServerError("an open channel with broker already exists: "+channelB))

	rec, err := h.ctrl.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ChannelID != channelB || h.ctrl.State() != Funded {
		t.Fatalf("expected adopted %s, got %+v (%s)", channelB, rec, h.ctrl.State())
	}
	if len(h.chain.names()) != 0 {
		t.Fatal("adoption must not touch the chain")
	}
}

func TestCreateSettlementFailureClearsRecord(t *testing.T) {
	h := newHarness(t, true)
	h.chain.createErr = errors.New("reverted")
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)

	if _, err := h.ctrl.Create(context.Background()); err == nil {
		t.Fatal("expected settlement error")
	}
	if _, ok := h.ctrl.Record(); ok {
		t.Fatal("record must be cleared after failed settlement")
	}
	if _, ok, _ := h.store.Load(context.Background()); ok {
		t.Fatal("persisted record must be cleared after failed settlement")
	}
	if h.ctrl.State() != NoChannel {
		t.Fatalf("expected no_channel, got %s", h.ctrl.State())
	}
}

func TestCreateSurfacesOtherServerErrors(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, nil, rpc.NewServerError("insufficient funds"))
	_, err := h.ctrl.Create(context.Background())
	if _, ok := rpc.AsServerError(err); !ok {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestResizeUpdatesBalanceAfterSettlement(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)
	h.caller.on(rpc.MethodResizeChannel, approval(channelA, 60, 40), nil)

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := h.ctrl.Resize(context.Background(), big.NewInt(100), big.NewInt(-5))
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rec.Balance != "100" {
		t.Fatalf("expected balance 100, got %s", rec.Balance)
	}
	want := []string{"create", "data", "resize"}
	if got := h.chain.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("chain calls = %v, want %v", got, want)
	}

	h.caller.mu.Lock()
	params := h.caller.params[1].(rpc.ResizeChannelParams)
	h.caller.mu.Unlock()
	if params.ResizeAmount.String() != "100" || params.AllocateAmount.String() != "-5" || params.FundsDestination != wallet.Hex() {
		t.Fatalf("unexpected resize params %+v", params)
	}
}

func TestResizeWithoutChannel(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.ctrl.Resize(context.Background(), big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}

func TestResizeCollisionRecreatesChannel(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)
	h.caller.on(rpc.MethodResizeChannel, nil, rpc.NewServerError("resize already ongoing for channel "+channelA))
	h.caller.on(rpc.MethodCloseChannel, approval(channelA, 0), nil)
	h.caller.on(rpc.MethodCreateChannel, approval(channelB, 0), nil)
	h.caller.on(rpc.MethodResizeChannel, approval(channelB, 250), nil)

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := h.ctrl.Resize(context.Background(), big.NewInt(250), big.NewInt(0))
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rec.ChannelID != channelB || rec.Balance != "250" {
		t.Fatalf("expected %s with balance 250, got %+v", channelB, rec)
	}

	h.chain.mu.Lock()
	calls := append([]chainCall(nil), h.chain.calls...)
	h.chain.mu.Unlock()
	want := []chainCall{
		{name: "create"},
		{name: "close", id: common.HexToHash(channelA)},
		{name: "create"},
		{name: "data", id: common.HexToHash(channelB)},
		{name: "resize", id: common.HexToHash(channelB)},
	}
	if len(calls) != len(want) {
		t.Fatalf("chain calls = %+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("chain call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}

	stored, _, _ := h.store.Load(context.Background())
	if stored.ChannelID != channelB || stored.Balance != "250" {
		t.Fatalf("unexpected persisted record %+v", stored)
	}
	if v := testutil.ToFloat64(h.ctrl.metrics.operations.WithLabelValues("resize", "recovered")); v != 1 {
		t.Fatalf("expected one recovery, got %v", v)
	}
}

func TestResizeRetriesOnlyOnce(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)
	h.caller.on(rpc.MethodResizeChannel, nil, rpc.NewServerError("channel "+channelA+" not found"))
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelB}, nil)
	h.caller.on(rpc.MethodResizeChannel, nil, rpc.NewServerError("channel "+channelB+" not found"))

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ctrl.Resize(context.Background(), big.NewInt(1), big.NewInt(0)); rpc.KindOf(err) != rpc.KindChannelNotFound {
		t.Fatalf("expected channel not found after single retry, got %v", err)
	}
	want := "create_channel,resize_channel,create_channel,resize_channel"
	if got := joinMethods(h.caller.methods()); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	rec, ok := h.ctrl.Record()
	if !ok || rec.ChannelID != channelB {
		t.Fatalf("expected recreated channel to be kept, got %+v", rec)
	}
}

func TestCloseSettlesAndClears(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)
	h.caller.on(rpc.MethodCloseChannel, approval(channelA, 0), nil)

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.ctrl.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := h.ctrl.Record(); ok || h.ctrl.State() != NoChannel {
		t.Fatalf("expected no channel after close, state %s", h.ctrl.State())
	}
	if _, ok, _ := h.store.Load(context.Background()); ok {
		t.Fatal("persisted record must be cleared")
	}
	if got := h.chain.names(); strings.Join(got, ",") != "create,close" {
		t.Fatalf("chain calls = %v", got)
	}
}

func TestCloseUnknownChannelSucceeds(t *testing.T) {
	h := newHarness(t, true)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)
	h.caller.on(rpc.MethodCloseChannel, nil, rpc.NewServerError("channel "+channelA+" does not exist"))

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.ctrl.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := h.ctrl.Record(); ok {
		t.Fatal("record must be discarded")
	}
	if len(h.chain.names()) != 0 {
		t.Fatal("unknown channel must not be settled on-chain")
	}
}

func TestCloseFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)
	h.caller.on(rpc.MethodCloseChannel, nil, errors.New("operation timed out"))

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.ctrl.Close(context.Background()); err == nil {
		t.Fatal("expected close error")
	}
	if _, ok := h.ctrl.Record(); !ok || h.ctrl.State() != Funded {
		t.Fatalf("record must survive a failed close, state %s", h.ctrl.State())
	}
}

func TestCloseWithoutChannel(t *testing.T) {
	h := newHarness(t, false)
	if err := h.ctrl.Close(context.Background()); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}

func TestLoadRestoresRecord(t *testing.T) {
	h := newHarness(t, false)
	rec := Record{ChannelID: channelA, Token: token, ChainID: 137, Balance: "42"}
	if err := h.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := h.ctrl.Load(context.Background())
	if err != nil || !ok || got.Balance != "42" {
		t.Fatalf("load: rec=%+v ok=%v err=%v", got, ok, err)
	}
	if h.ctrl.State() != Funded {
		t.Fatalf("expected funded, got %s", h.ctrl.State())
	}
}

func TestSessionResetDiscardsChannel(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)
	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.ctrl.HandleSessionReset(sessionkey.SessionKey{})
	if _, ok := h.ctrl.Record(); ok {
		t.Fatal("record must be discarded on session reset")
	}
	if _, ok, _ := h.store.Load(context.Background()); ok {
		t.Fatal("persisted record must be discarded on session reset")
	}
}

func TestSettlementWithoutChainLeavesChannelUnchanged(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, approval(channelA, 0), nil)

	if _, err := h.ctrl.Create(context.Background()); !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled from create, got %v", err)
	}
	rec, ok := h.ctrl.Record()
	if !ok || rec.ChannelID != channelA || !rec.Unconfirmed || h.ctrl.State() != OffChainCreated {
		t.Fatalf("expected unconfirmed %s, got %+v (%s)", channelA, rec, h.ctrl.State())
	}

	// an unconfirmed channel is not usable
	if _, err := h.ctrl.Resize(context.Background(), big.NewInt(75), big.NewInt(0)); !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if got := joinMethods(h.caller.methods()); got != "create_channel" {
		t.Fatalf("resize must not reach the clearing node, calls = %s", got)
	}

	// a restart keeps the channel unconfirmed
	again, err := New(Config{Caller: h.caller, Store: h.store})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if _, ok, err := again.Load(context.Background()); err != nil || !ok || again.State() != OffChainCreated {
		t.Fatalf("expected restored off_chain_created, ok=%v err=%v state=%s", ok, err, again.State())
	}

	h.caller.on(rpc.MethodCloseChannel, approval(channelA, 0), nil)
	if err := h.ctrl.Close(context.Background()); !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled from close, got %v", err)
	}
	if _, ok, _ := h.store.Load(context.Background()); !ok {
		t.Fatal("record must stay persisted until the close is settled on-chain")
	}
	if h.ctrl.State() != OffChainCreated {
		t.Fatalf("expected state restored after failed close, got %s", h.ctrl.State())
	}
}

func TestResizeSettlementWithoutChainKeepsBalance(t *testing.T) {
	h := newHarness(t, false)
	h.caller.on(rpc.MethodCreateChannel, rpc.ChannelResult{ChannelID: channelA}, nil)
	h.caller.on(rpc.MethodResizeChannel, approval(channelA, 75), nil)

	if _, err := h.ctrl.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ctrl.Resize(context.Background(), big.NewInt(75), big.NewInt(0)); !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	rec, _ := h.ctrl.Record()
	if rec.Balance != "0" || h.ctrl.State() != Funded {
		t.Fatalf("balance must not move without settlement, got %+v (%s)", rec, h.ctrl.State())
	}
	stored, _, _ := h.store.Load(context.Background())
	if stored.Balance != "0" {
		t.Fatalf("persisted balance = %s", stored.Balance)
	}
}

func TestDepositApprovesWhenAllowanceShort(t *testing.T) {
	h := newHarness(t, true)
	bal, err := h.ctrl.Deposit(context.Background(), big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if bal.Int64() != 500 {
		t.Fatalf("expected custody balance 500, got %s", bal)
	}
	if got := strings.Join(h.chain.names(), ","); got != "approve,deposit" {
		t.Fatalf("chain calls = %s", got)
	}

	// allowance now covers a smaller deposit
	if _, err := h.ctrl.Deposit(context.Background(), big.NewInt(100)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if got := strings.Join(h.chain.names(), ","); got != "approve,deposit,deposit" {
		t.Fatalf("chain calls = %s", got)
	}
}

func TestDepositRequiresChain(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.ctrl.Deposit(context.Background(), big.NewInt(1)); !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := h.ctrl.CustodyBalance(context.Background()); !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNewRequiresCaller(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without caller")
	}
}

func joinMethods(ms []rpc.Method) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}
