// Package relay asks the chat relay bot to prepare and execute a transaction
// on a user's behalf. The relay answers immediately; the transaction itself
// runs later and is observed through reconciliation.
package relay

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

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
)

var (
	ErrRejected    = errors.New("relay: request rejected")
	ErrUnavailable = errors.New("relay: unavailable")
	ErrDisabled    = errors.New("relay: no relay URL configured")
)

// RejectedError carries the relay's refusal.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay: rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Request is the body of POST /api/request-transaction.
type Request struct {
	DealID             string `json:"dealId"`
	Action             string `json:"action"`
	UserID             string `json:"userId"`
	ChannelID          string `json:"channelId"`
	SmartWalletAddress string `json:"smartWalletAddress,omitempty"`
}

// Response is the relay's acknowledgement.
type Response struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client talks to the relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBreaker replaces the default breaker (3 failures, 30s open).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// New creates a relay client. An empty baseURL yields a client whose
// requests fail with ErrDisabled.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    circuitbreaker.New(3, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a relay URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

const breakerKey = "relay"

// RequestTransaction submits req. It is not retried.
func (c *Client) RequestTransaction(ctx context.Context, req Request) (*Response, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	var out *Response
	err := c.breaker.Call(breakerKey, func() error {
		resp, err := c.post(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}, func(err error) bool {
		// Only outages trip the breaker; refusals are answers.
		return errors.Is(err, ErrUnavailable)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}

func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/request-transaction", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	var out Response
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
	out.OK = true
	return &out, nil
}
