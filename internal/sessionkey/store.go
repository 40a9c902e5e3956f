package sessionkey

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/LeoFranklin015/Median-sub000/internal/keystore"
)

// DefaultSecretID is the keystore entry holding the session private key.
const DefaultSecretID = "session_key"

// SessionKey is the ephemeral keypair that signs routine channel RPCs.
type SessionKey struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// Config wires the store to its keystore.
type Config struct {
	Keystore keystore.KeyBackend
	SecretID string
	Log      *zap.Logger
}

// Store generates, persists and rotates the session key.
type Store struct {
	ks       keystore.KeyBackend
	secretID string
	log      *zap.Logger

	mu      sync.Mutex
	current *SessionKey
	hooks   []func(SessionKey)
}

// New builds a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Keystore == nil {
		return nil, errors.New("keystore is required for session keys")
	}
	if cfg.SecretID == "" {
		cfg.SecretID = DefaultSecretID
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Store{
		ks:       cfg.Keystore,
		secretID: cfg.SecretID,
		log:      cfg.Log,
	}, nil
}

// OnReset registers fn to run after every Reset with the replacement key.
func (s *Store) OnReset(fn func(SessionKey)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// GetOrCreate returns the persisted session key, generating and storing one when absent.
func (s *Store) GetOrCreate(ctx context.Context) (SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return *s.current, nil
	}

	raw, err := s.ks.LoadSecret(ctx, s.secretID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return SessionKey{}, fmt.Errorf("load session key: %w", err)
		}
		key, genErr := s.generateLocked(ctx)
		if genErr != nil {
			return SessionKey{}, genErr
		}
		s.log.Info("generated session key", zap.String("address", key.Address.Hex()))
		return key, nil
	}
	defer zeroBytes(raw)

	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return SessionKey{}, fmt.Errorf("session key secret is invalid: %w", err)
	}
	key := SessionKey{PrivateKey: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}
	s.current = &key
	return key, nil
}

// Reset discards the persisted key and replaces it with a fresh one.
// Channel state bound to the old key is invalidated through the OnReset hooks.
func (s *Store) Reset(ctx context.Context) (SessionKey, error) {
	s.mu.Lock()
	if err := s.ks.DeleteSecret(ctx, s.secretID); err != nil {
		s.mu.Unlock()
		return SessionKey{}, fmt.Errorf("delete session key: %w", err)
	}
	s.current = nil
	key, err := s.generateLocked(ctx)
	hooks := append([]func(SessionKey){}, s.hooks...)
	s.mu.Unlock()
	if err != nil {
		return SessionKey{}, err
	}

	s.log.Info("session key reset", zap.String("address", key.Address.Hex()))
	for _, fn := range hooks {
		fn(key)
	}
	return key, nil
}

// Current returns the cached key without touching the keystore.
func (s *Store) Current() (SessionKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return SessionKey{}, false
	}
	return *s.current, true
}

func (s *Store) generateLocked(ctx context.Context) (SessionKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return SessionKey{}, fmt.Errorf("generate session key: %w", err)
	}
	raw := crypto.FromECDSA(priv)
	defer zeroBytes(raw)
	if err := s.ks.StoreSecret(ctx, s.secretID, raw); err != nil {
		return SessionKey{}, fmt.Errorf("store session key: %w", err)
	}
	key := SessionKey{PrivateKey: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}
	s.current = &key
	return key, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
