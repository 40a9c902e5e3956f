// Package faucet requests sandbox test funds for a wallet.
package faucet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config wires a Client.
type Config struct {
	URL     string
	HTTP    *http.Client
	Log     *zap.Logger
	Timeout time.Duration
}

// Client posts faucet requests. Funds arrive asynchronously as ledger
// credits; the response only acknowledges the request.
type Client struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

type request struct {
	UserAddress string `json:"userAddress"`
}

// Response is the faucet's acknowledgement. Fields the faucet omits stay empty.
type Response struct {
	RequestID string `json:"-"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	TxID      string `json:"txId,omitempty"`
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("faucet url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Client{url: cfg.URL, http: cfg.HTTP, log: cfg.Log}, nil
}

// Request asks the faucet to fund addr.
func (c *Client) Request(ctx context.Context, addr common.Address) (Response, error) {
	body, err := json.Marshal(request{UserAddress: addr.Hex()})
	if err != nil {
		return Response{}, err
	}
	reqID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("faucet request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Response{}, fmt.Errorf("read faucet response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("faucet rejected request",
			zap.String("request_id", reqID),
			zap.Int("status", resp.StatusCode))
		return Response{}, fmt.Errorf("faucet request failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	out := Response{RequestID: reqID, Success: true}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			// plain-text acknowledgements are accepted as-is
			out = Response{RequestID: reqID, Success: true, Message: strings.TrimSpace(string(raw))}
		}
		out.RequestID = reqID
	}
	c.log.Info("faucet request accepted",
		zap.String("request_id", reqID),
		zap.String("address", addr.Hex()))
	return out, nil
}
