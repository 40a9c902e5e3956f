package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
)

// GetLedgerEntries lists ledger rows matching params.
func (m *Manager) GetLedgerEntries(ctx context.Context, params rpc.GetLedgerEntriesParams) ([]rpc.LedgerEntry, error) {
	var raw json.RawMessage
	if err := m.Call(ctx, rpc.MethodGetLedgerEntries, params, &raw); err != nil {
		return nil, err
	}
	var res rpc.GetLedgerEntriesResult
	if err := rpc.DecodeParams(raw, &res); err == nil && res.LedgerEntries != nil {
		return res.LedgerEntries, nil
	}
	var entries []rpc.LedgerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger entries: %w", err)
	}
	return entries, nil
}

// GetAppSessions lists app sessions matching params.
func (m *Manager) GetAppSessions(ctx context.Context, params rpc.GetAppSessionsParams) ([]rpc.AppSession, error) {
	var raw json.RawMessage
	if err := m.Call(ctx, rpc.MethodGetAppSessions, params, &raw); err != nil {
		return nil, err
	}
	var res rpc.GetAppSessionsResult
	if err := rpc.DecodeParams(raw, &res); err == nil && res.AppSessions != nil {
		return res.AppSessions, nil
	}
	var sessions []rpc.AppSession
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decode app sessions: %w", err)
	}
	return sessions, nil
}

// CreateAppSession opens an app session. A zero nonce is replaced with a
// random one.
func (m *Manager) CreateAppSession(ctx context.Context, params rpc.CreateAppSessionParams) (rpc.AppSessionResult, error) {
	if params.Definition.Nonce == 0 {
		id := uuid.New()
		params.Definition.Nonce = binary.BigEndian.Uint64(id[:8])
	}
	var res rpc.AppSessionResult
	if err := m.Call(ctx, rpc.MethodCreateAppSession, params, &res); err != nil {
		return rpc.AppSessionResult{}, err
	}
	m.activity.Add("App session created", map[string]string{"app_session_id": res.AppSessionID})
	return res, nil
}

// SubmitAppState proposes a new allocation for an app session.
func (m *Manager) SubmitAppState(ctx context.Context, params rpc.SubmitAppStateParams) (rpc.AppSessionResult, error) {
	var res rpc.AppSessionResult
	if err := m.Call(ctx, rpc.MethodSubmitAppState, params, &res); err != nil {
		return rpc.AppSessionResult{}, err
	}
	m.activity.Add("App state submitted", map[string]any{"app_session_id": res.AppSessionID, "version": res.Version})
	return res, nil
}

// CloseAppSession finalises an app session with its closing allocation.
func (m *Manager) CloseAppSession(ctx context.Context, params rpc.CloseAppSessionParams) (rpc.AppSessionResult, error) {
	var res rpc.AppSessionResult
	if err := m.Call(ctx, rpc.MethodCloseAppSession, params, &res); err != nil {
		return rpc.AppSessionResult{}, err
	}
	m.activity.Add("App session closed", map[string]string{"app_session_id": res.AppSessionID})
	return res, nil
}

// Transfer moves unified balance to another account.
func (m *Manager) Transfer(ctx context.Context, params rpc.TransferParams) ([]rpc.LedgerTransaction, error) {
	var raw json.RawMessage
	if err := m.Call(ctx, rpc.MethodTransfer, params, &raw); err != nil {
		return nil, err
	}
	var res rpc.TransferResult
	if err := rpc.DecodeParams(raw, &res); err == nil && res.Transactions != nil {
		m.activity.Add("Transfer sent", map[string]any{"destination": params.Destination, "transactions": len(res.Transactions)})
		return res.Transactions, nil
	}
	var txs []rpc.LedgerTransaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, fmt.Errorf("decode transfer result: %w", err)
	}
	m.activity.Add("Transfer sent", map[string]any{"destination": params.Destination, "transactions": len(txs)})
	return txs, nil
}

// RefreshBalances recomputes the unified balance from the wallet's ledger.
// Concurrent callers, including the refresh that follows authentication,
// share one get_ledger_entries request.
func (m *Manager) RefreshBalances(ctx context.Context) (map[string]string, error) {
	ch := m.ledger.DoChan("balances", m.fetchBalances)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyBalances(res.Val.(map[string]string)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UnifiedBalances returns the last computed balance per asset.
func (m *Manager) UnifiedBalances() map[string]string {
	m.balMu.RLock()
	defer m.balMu.RUnlock()
	return copyBalances(m.balances)
}

// fetchBalances runs detached from any single caller, bounded by the
// connection's lifetime and the request timeout.
func (m *Manager) fetchBalances() (any, error) {
	m.mu.Lock()
	parent := m.runCtx
	m.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	entries, err := m.GetLedgerEntries(ctx, rpc.GetLedgerEntriesParams{Wallet: m.wallet.Address().Hex()})
	if err != nil {
		return nil, err
	}
	balances, err := UnifiedBalance(entries)
	if err != nil {
		return nil, err
	}

	m.balMu.Lock()
	m.balances = balances
	m.balMu.Unlock()
	m.activity.Add("Unified balance refreshed", balances)
	return balances, nil
}

func (m *Manager) seedBalances(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.RefreshBalances(ctx); err != nil {
		m.log.Debug("seed unified balance", zap.Error(err))
	}
}

// UnifiedBalance sums credits minus debits per asset. Results keep the
// largest number of decimal places seen for the asset.
func UnifiedBalance(entries []rpc.LedgerEntry) (map[string]string, error) {
	sums := make(map[string]*big.Rat)
	scale := make(map[string]int)
	for _, e := range entries {
		credit, cScale, err := parseDecimal(e.Credit)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %d credit: %w", e.ID, err)
		}
		debit, dScale, err := parseDecimal(e.Debit)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %d debit: %w", e.ID, err)
		}
		sum, ok := sums[e.Asset]
		if !ok {
			sum = new(big.Rat)
			sums[e.Asset] = sum
		}
		sum.Add(sum, credit)
		sum.Sub(sum, debit)
		scale[e.Asset] = max(scale[e.Asset], cScale, dScale)
	}

	out := make(map[string]string, len(sums))
	for asset, sum := range sums {
		out[asset] = sum.FloatString(scale[asset])
	}
	return out, nil
}

func parseDecimal(n json.Number) (*big.Rat, int, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return new(big.Rat), 0, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, 0, fmt.Errorf("invalid decimal %q", s)
	}
	places := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		places = len(s) - i - 1
	}
	return r, places, nil
}

func copyBalances(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
