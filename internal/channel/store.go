package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/LeoFranklin015/Median-sub000/internal/keystore"
)

// DefaultSecretID is the keystore entry holding the last known channel.
const DefaultSecretID = "last_channel"

// Record is the locally tracked channel. Balance is a decimal string in the
// token's smallest unit.
type Record struct {
	ChannelID string    `json:"channel_id"`
	Token     string    `json:"token"`
	ChainID   uint64    `json:"chain_id"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	// Unconfirmed is set until the channel's creation is settled on-chain.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Store persists the channel record in the sealed keystore.
type Store struct {
	ks       keystore.KeyBackend
	secretID string
}

// NewStore builds a Store; an empty secretID selects DefaultSecretID.
func NewStore(ks keystore.KeyBackend, secretID string) (*Store, error) {
	if ks == nil {
		return nil, errors.New("keystore is required for channel records")
	}
	if secretID == "" {
		secretID = DefaultSecretID
	}
	return &Store{ks: ks, secretID: secretID}, nil
}

// Load returns the persisted record. ok is false when none is stored.
func (s *Store) Load(ctx context.Context) (rec Record, ok bool, err error) {
	raw, err := s.ks.LoadSecret(ctx, s.secretID)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load channel record: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode channel record: %w", err)
	}
	if rec.ChannelID == "" {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save replaces the persisted record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode channel record: %w", err)
	}
	if err := s.ks.StoreSecret(ctx, s.secretID, raw); err != nil {
		return fmt.Errorf("store channel record: %w", err)
	}
	return nil
}

// Clear removes the persisted record. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.ks.DeleteSecret(ctx, s.secretID); err != nil {
		return fmt.Errorf("clear channel record: %w", err)
	}
	return nil
}
