package deal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/retry"
)

// HTTPStore reads and updates deal records through the backend API:
//
//	GET   {base}/api/deals/{id}         -> {"deal": Record}
//	PATCH {base}/api/deals/{id}/status  <- {"status": ..., "escrowAddress": ...}
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	breaker    *circuitbreaker.Breaker
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.httpClient = c }
}

// WithRetryPolicy overrides retry.Default.
func WithRetryPolicy(p retry.Policy) HTTPOption {
	return func(s *HTTPStore) { s.policy = p }
}

// WithBreaker shares a circuit breaker with other clients.
func WithBreaker(b *circuitbreaker.Breaker) HTTPOption {
	return func(s *HTTPStore) { s.breaker = b }
}

// NewHTTPStore creates a store backed by the deal API at baseURL.
func NewHTTPStore(baseURL, apiKey string, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     retry.Default,
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const breakerKey = "deal_api"

type fetchResponse struct {
	Deal *Record `json:"deal"`
}

type updateRequest struct {
	Status        Status `json:"status"`
	EscrowAddress string `json:"escrowAddress,omitempty"`
}

func (s *HTTPStore) Fetch(ctx context.Context, dealID string) (*Record, error) {
	var rec *Record
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.breaker.Call(breakerKey, func() error {
			body, err := s.do(ctx, http.MethodGet, s.dealPath(dealID), nil)
			if err != nil {
				return err
			}
			var resp fetchResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return retry.Permanent(fmt.Errorf("decode deal: %w", err))
			}
			if resp.Deal == nil {
				return retry.Permanent(ErrDealNotFound)
			}
			rec = resp.Deal
			return nil
		}, countable)
	})
	if err != nil {
		return nil, err
	}
	if rec.DealID == "" {
		rec.DealID = dealID
	}
	return rec, nil
}

func (s *HTTPStore) UpdateStatus(ctx context.Context, dealID string, status Status, escrowAddress string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	payload := updateRequest{Status: status, EscrowAddress: escrowAddress}

	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.breaker.Call(breakerKey, func() error {
			_, err := s.do(ctx, http.MethodPatch, s.dealPath(dealID)+"/status", payload)
			return err
		}, countable)
	})
}

func (s *HTTPStore) dealPath(dealID string) string {
	return s.baseURL + "/api/deals/" + url.PathEscape(dealID)
}

func (s *HTTPStore) do(ctx context.Context, method, u string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, retry.Permanent(ErrDealNotFound)
	}
	if err := retry.ClassifyStatus(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}
	return respBody, nil
}

// countable keeps client-side rejections from tripping the breaker.
func countable(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe)
}
