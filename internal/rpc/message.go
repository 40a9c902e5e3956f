package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Method names an RPC on the clearing node.
type Method string

const (
	MethodAuthRequest      Method = "auth_request"
	MethodAuthChallenge    Method = "auth_challenge"
	MethodAuthVerify       Method = "auth_verify"
	MethodCreateChannel    Method = "create_channel"
	MethodResizeChannel    Method = "resize_channel"
	MethodCloseChannel     Method = "close_channel"
	MethodCreateAppSession Method = "create_app_session"
	MethodSubmitAppState   Method = "submit_app_state"
	MethodCloseAppSession  Method = "close_app_session"
	MethodGetAppSessions   Method = "get_app_sessions"
	MethodGetLedgerEntries Method = "get_ledger_entries"
	MethodTransfer         Method = "transfer"
	MethodError            Method = "error"

	// Unsolicited pushes.
	MethodBalanceUpdate Method = "bu"
	MethodChannelUpdate Method = "cu"
	MethodAssets        Method = "assets"
	MethodPing          Method = "ping"
	MethodPong          Method = "pong"
)

// Operations lists the request kinds correlated through the pending registry.
var Operations = []Method{
	MethodCreateChannel,
	MethodResizeChannel,
	MethodCloseChannel,
	MethodCreateAppSession,
	MethodSubmitAppState,
	MethodCloseAppSession,
	MethodGetAppSessions,
	MethodGetLedgerEntries,
	MethodTransfer,
}

// IsOperation reports whether m is a correlated request/response kind.
func (m Method) IsOperation() bool {
	for _, op := range Operations {
		if op == m {
			return true
		}
	}
	return false
}

// IsNotification reports whether m is an unsolicited server push.
func (m Method) IsNotification() bool {
	switch m {
	case MethodBalanceUpdate, MethodChannelUpdate, MethodAssets, MethodPing, MethodPong:
		return true
	}
	return false
}

var (
	ErrMalformed = errors.New("malformed rpc message")
)

// Request is the [id, method, params, timestamp] tuple carried under "req".
type Request struct {
	ID        uint64
	Method    Method
	Params    any
	Timestamp int64
}

// NewRequest stamps a request with the wall clock in milliseconds.
func NewRequest(id uint64, method Method, params any, now time.Time) Request {
	if params == nil {
		params = struct{}{}
	}
	return Request{ID: id, Method: method, Params: params, Timestamp: now.UnixMilli()}
}

func (r Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal([]any{r.ID, r.Method, params, r.Timestamp})
}

// Envelope is the outbound frame. Req holds the exact bytes that were signed.
type Envelope struct {
	Req json.RawMessage `json:"req"`
	Sig []string        `json:"sig"`
}

// Signer produces a signature over the marshalled request tuple.
type Signer interface {
	SignMessage(ctx context.Context, payload []byte) ([]byte, error)
}

// Encode marshals req and wraps it in an envelope signed by s. A nil signer
// yields an empty signature list.
func Encode(ctx context.Context, req Request, s Signer) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Method, err)
	}
	env := Envelope{Req: payload, Sig: []string{}}
	if s != nil {
		sig, err := s.SignMessage(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("sign %s request: %w", req.Method, err)
		}
		env.Sig = append(env.Sig, HexSignature(sig))
	}
	return json.Marshal(env)
}

// EncodeWithSignatures wraps req with precomputed signatures.
func EncodeWithSignatures(req Request, sigs ...[]byte) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Method, err)
	}
	env := Envelope{Req: payload, Sig: make([]string, 0, len(sigs))}
	for _, sig := range sigs {
		env.Sig = append(env.Sig, HexSignature(sig))
	}
	return json.Marshal(env)
}

// Incoming is a request frame as seen by a server.
type Incoming struct {
	ID        uint64
	Method    Method
	Params    json.RawMessage
	Timestamp int64
	Raw       json.RawMessage
	Sig       []string
}

// ParseRequest decodes an outbound envelope on the receiving side.
func ParseRequest(data []byte) (Incoming, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Incoming{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Req) == 0 {
		return Incoming{}, fmt.Errorf("%w: missing req", ErrMalformed)
	}
	id, method, params, ts, err := decodeTuple(env.Req)
	if err != nil {
		return Incoming{}, err
	}
	return Incoming{ID: id, Method: method, Params: params, Timestamp: ts, Raw: env.Req, Sig: env.Sig}, nil
}

// Response is an inbound frame from the clearing node.
type Response struct {
	ID        uint64
	Method    Method
	Params    json.RawMessage
	Timestamp int64
	Sig       []string
}

type inboundFrame struct {
	Res    json.RawMessage `json:"res"`
	Sig    []string        `json:"sig"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ParseResponse accepts both {"res":[id,method,params,ts]} and {"method","params"} frames.
func ParseResponse(data []byte) (Response, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(frame.Res) > 0 {
		id, method, params, ts, err := decodeTuple(frame.Res)
		if err != nil {
			return Response{}, err
		}
		return Response{ID: id, Method: method, Params: params, Timestamp: ts, Sig: frame.Sig}, nil
	}
	if frame.Method == "" {
		return Response{}, fmt.Errorf("%w: no method", ErrMalformed)
	}
	return Response{Method: frame.Method, Params: frame.Params, Sig: frame.Sig}, nil
}

// EncodeResponse builds a {"res": [...], "sig": [...]} frame.
func EncodeResponse(id uint64, method Method, params any, now time.Time, sigs ...string) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	raw, err := json.Marshal([]any{id, method, params, now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("marshal %s response: %w", method, err)
	}
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(struct {
		Res json.RawMessage `json:"res"`
		Sig []string        `json:"sig"`
	}{Res: raw, Sig: sigs})
}

// Decode unmarshals the params into v. A single-element array is unwrapped
// when v is not itself a slice.
func (r Response) Decode(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%w: %s has no params", ErrMalformed, r.Method)
	}
	return DecodeParams(r.Params, v)
}

// DecodeParams applies Response.Decode rules to raw params.
func DecodeParams(raw json.RawMessage, v any) error {
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return err
	}
	var items []json.RawMessage
	if jsonErr := json.Unmarshal(trimmed, &items); jsonErr != nil || len(items) != 1 {
		return err
	}
	return json.Unmarshal(items[0], v)
}

// ErrorMessage extracts the text of an "error" frame. Params may be
// {"error": "..."}, a bare string, or either wrapped in a one-element array.
func (r Response) ErrorMessage() string {
	var obj struct {
		Error string `json:"error"`
	}
	if err := DecodeParams(r.Params, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	var text string
	if err := DecodeParams(r.Params, &text); err == nil && text != "" {
		return text
	}
	if len(r.Params) == 0 {
		return "unknown server error"
	}
	return string(r.Params)
}

func decodeTuple(raw json.RawMessage) (uint64, Method, json.RawMessage, int64, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return 0, "", nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) < 3 {
		return 0, "", nil, 0, fmt.Errorf("%w: tuple has %d elements", ErrMalformed, len(parts))
	}

	var id uint64
	if string(parts[0]) != "null" {
		if err := json.Unmarshal(parts[0], &id); err != nil {
			return 0, "", nil, 0, fmt.Errorf("%w: id: %v", ErrMalformed, err)
		}
	}
	var method Method
	if err := json.Unmarshal(parts[1], &method); err != nil || method == "" {
		return 0, "", nil, 0, fmt.Errorf("%w: method", ErrMalformed)
	}
	var ts int64
	if len(parts) > 3 {
		_ = json.Unmarshal(parts[3], &ts)
	}
	return id, method, parts[2], ts, nil
}

// HexSignature renders sig as 0x-prefixed hex.
func HexSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return raw, nil
}
