package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Allowance is one asset spending cap granted to the session key.
type Allowance struct {
	Asset  string
	Amount string
}

// AuthPolicy mirrors the fields of an auth request so the clearing node can
// check the wallet authorized exactly what was asked for.
type AuthPolicy struct {
	Challenge  string
	Scope      string
	Wallet     common.Address
	SessionKey common.Address
	ExpiresAt  uint64
	Allowances []Allowance
}

// TypedData renders the policy as an EIP-712 payload in the application's domain.
func (p AuthPolicy) TypedData(appName string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: appName},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"session_key": p.SessionKey.Hex(),
			"expires_at":  new(big.Int).SetUint64(p.ExpiresAt),
			"allowances":  allowances,
		},
	}
}
