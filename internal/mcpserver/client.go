package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to an escrowsync server.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	APIKey        string // Optional bearer token for a gateway in front of the API
	WalletAddress string // Acting wallet, e.g. "0x..."
	UserID        string // Chat user id, used for delegated actions
	ChannelID     string // Chat channel; enables delegated mode when set
}

// DealClient is a pure HTTP client for the escrowsync API.
type DealClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewDealClient creates a new client for the escrowsync API.
func NewDealClient(cfg Config) *DealClient {
	return &DealClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *DealClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (c *DealClient) viewerQuery() url.Values {
	q := url.Values{}
	if c.cfg.WalletAddress != "" {
		q.Set("wallet", c.cfg.WalletAddress)
	}
	if c.cfg.UserID != "" {
		q.Set("userId", c.cfg.UserID)
	}
	return q
}

func dealPath(dealID string) string {
	return "/v1/deals/" + url.PathEscape(dealID)
}

// GetDeal returns the deal as the configured identity sees it.
func (c *DealClient) GetDeal(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, dealPath(dealID), c.viewerQuery(), nil)
}

// RequestAction asks the server to perform action on the deal. favorSeller
// is only sent for resolve.
func (c *DealClient) RequestAction(ctx context.Context, dealID, action string, favorSeller *bool) (json.RawMessage, error) {
	body := map[string]any{
		"action": action,
		"viewer": map[string]any{
			"walletAddress": c.cfg.WalletAddress,
			"userId":        c.cfg.UserID,
		},
		"relay": map[string]any{
			"active":    c.cfg.ChannelID != "",
			"channelId": c.cfg.ChannelID,
		},
	}
	if favorSeller != nil {
		body["favorSeller"] = *favorSeller
	}
	return c.doRequest(ctx, http.MethodPost, dealPath(dealID)+"/actions", nil, body)
}

// Reconcile runs a reconciliation pass immediately.
func (c *DealClient) Reconcile(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, dealPath(dealID)+"/reconcile", nil, nil)
}

// ListSessions returns the deal ids with live sessions.
func (c *DealClient) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions", nil, nil)
}
