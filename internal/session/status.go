package session

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrConnectionLost = errors.New("connection lost")
	ErrSessionExpired = errors.New("session expired; reset the session key")
	ErrNoSessionKey   = errors.New("no session key available")
	ErrDisconnected   = errors.New("disconnected from clearing node")
)

// Status is the connection's position in the authentication state machine.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Authenticating
	Signing
	Authenticated
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Signing:
		return "signing"
	case Authenticated:
		return "authenticated"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of the session.
type Info struct {
	Status           Status         `json:"-"`
	State            string         `json:"status"`
	Wallet           common.Address `json:"wallet"`
	SessionKey       common.Address `json:"session_key"`
	ExpiresAt        time.Time      `json:"expires_at,omitempty"`
	ReconnectAttempt int            `json:"reconnect_attempt"`
	LastError        string         `json:"last_error,omitempty"`
}
