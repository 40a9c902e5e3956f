package rpc

import (
	"errors"
	"regexp"
	"strings"
)

// ErrorKind classifies server error text into the cases the client recovers from.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindChannelExists
	KindResizeOngoing
	KindChannelNotFound
	KindSessionExpired
)

func (k ErrorKind) String() string {
	switch k {
	case KindChannelExists:
		return "channel_exists"
	case KindResizeOngoing:
		return "resize_ongoing"
	case KindChannelNotFound:
		return "channel_not_found"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// ServerError is an "error" frame from the clearing node.
type ServerError struct {
	Message   string
	Kind      ErrorKind
	ChannelID string
}

// NewServerError classifies msg.
func NewServerError(msg string) *ServerError {
	kind, id := Classify(msg)
	return &ServerError{Message: msg, Kind: kind, ChannelID: id}
}

func (e *ServerError) Error() string {
	return "clearnode: " + e.Message
}

// KindOf returns the classification of err if it wraps a *ServerError.
func KindOf(err error) ErrorKind {
	var serr *ServerError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindUnknown
}

// AsServerError unwraps a *ServerError.
func AsServerError(err error) (*ServerError, bool) {
	var serr *ServerError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}

// Channel ids are bytes32; some messages only carry an address-length value.
var channelIDPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}|0x[0-9a-fA-F]{40}`)

// Classify maps server error text to an ErrorKind and extracts the first
// hex identifier found in it. Unrecognised text is KindUnknown.
func Classify(msg string) (ErrorKind, string) {
	lower := strings.ToLower(msg)
	id := channelIDPattern.FindString(msg)

	switch {
	case strings.Contains(lower, "resize") &&
		(strings.Contains(lower, "ongoing") || strings.Contains(lower, "in progress") || strings.Contains(lower, "pending")):
		return KindResizeOngoing, id
	case strings.Contains(lower, "channel") && strings.Contains(lower, "already exist"):
		return KindChannelExists, id
	case strings.Contains(lower, "channel") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist") ||
			strings.Contains(lower, "unknown channel") || strings.Contains(lower, "no open channel")):
		return KindChannelNotFound, id
	case strings.Contains(lower, "expired") &&
		(strings.Contains(lower, "session") || strings.Contains(lower, "token") || strings.Contains(lower, "jwt")):
		return KindSessionExpired, id
	default:
		return KindUnknown, id
	}
}
