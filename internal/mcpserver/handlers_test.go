package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler, channel string) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:        ts.URL,
		APIKey:        "sk_test_key",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		UserID:        "u-buyer",
		ChannelID:     channel,
	}
	h := NewHandlers(NewDealClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const draftDeal = `{
	"dealId": "deal-1",
	"loaded": true,
	"record": {
		"dealId": "deal-1",
		"buyerAddress": "0x1111111111111111111111111111111111111111",
		"sellerAddress": "0x2222222222222222222222222222222222222222",
		"amount": "100",
		"token": "USDC",
		"status": "draft"
	},
	"role": "buyer",
	"legalActions": ["create"],
	"notifications": [{"level": "info", "message": "Sent create request to chat."}]
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewDealClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_NoKeyNoHeader(t *testing.T) {
	gotAuth := "unset"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewDealClient(Config{APIURL: ts.URL})
	_, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_allowed",
			"message": "dispatch: action not allowed: fund requires a created escrow",
		})
	}))
	defer ts.Close()

	client := NewDealClient(Config{APIURL: ts.URL})
	_, err := client.RequestAction(context.Background(), "deal-1", "fund", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "not_allowed")
	assert.Contains(t, err.Error(), "fund requires a created escrow")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewDealClient(Config{APIURL: ts.URL})
	_, err := client.GetDeal(context.Background(), "deal-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewDealClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetDeal(context.Background(), "deal-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_GetDeal_SendsViewer(t *testing.T) {
	var gotPath, gotWallet, gotUser string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotWallet = r.URL.Query().Get("wallet")
		gotUser = r.URL.Query().Get("userId")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewDealClient(Config{APIURL: ts.URL, WalletAddress: "0xabc", UserID: "u-1"})
	_, err := client.GetDeal(context.Background(), "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/deals/deal-1", gotPath)
	assert.Equal(t, "0xabc", gotWallet)
	assert.Equal(t, "u-1", gotUser)
}

func TestClient_RequestAction_Body(t *testing.T) {
	tests := []struct {
		name        string
		channel     string
		favorSeller *bool
		wantActive  bool
	}{
		{"direct", "", nil, false},
		{"delegated", "ch-1", nil, true},
		{"resolve", "", new(bool), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1/deals/deal-1/actions", r.URL.Path)
				_ = json.NewDecoder(r.Body).Decode(&body)
				_, _ = w.Write([]byte(`{}`))
			}))
			defer ts.Close()

			client := NewDealClient(Config{APIURL: ts.URL, ChannelID: tt.channel, UserID: "u-1"})
			_, err := client.RequestAction(context.Background(), "deal-1", "create", tt.favorSeller)
			require.NoError(t, err)

			relay := body["relay"].(map[string]any)
			assert.Equal(t, tt.wantActive, relay["active"])
			_, hasFavor := body["favorSeller"]
			assert.Equal(t, tt.favorSeller != nil, hasFavor)
		})
	}
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetDeal(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(draftDeal))
	}), "")
	defer cleanup()

	result, err := h.HandleGetDeal(context.Background(), makeRequest(map[string]any{"deal_id": "deal-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Deal deal-1")
	assert.Contains(t, text, "Status: draft")
	assert.Contains(t, text, "Your role: buyer")
	assert.Contains(t, text, "You can: create")
	assert.Contains(t, text, "[info] Sent create request to chat.")
}

func TestHandleGetDeal_NotLoaded(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealId":"deal-9","loaded":false}`))
	}), "")
	defer cleanup()

	result, err := h.HandleGetDeal(context.Background(), makeRequest(map[string]any{"deal_id": "deal-9"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "not loaded")
}

func TestHandleGetDeal_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler(), "")
	defer cleanup()

	result, err := h.HandleGetDeal(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListActions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"buyer can create", draftDeal, "Available actions (role: buyer): create"},
		{"observer", `{"dealId":"deal-1","role":"none","legalActions":[]}`, "No actions available to you (role: none)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}), "")
			defer cleanup()

			result, err := h.HandleListActions(context.Background(), makeRequest(map[string]any{"deal_id": "deal-1"}))
			require.NoError(t, err)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleRequestAction_Delegated(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"result":{"action":"create","mode":"delegated","outcome":"pending","message":"request sent to chat"}}`))
	}), "ch-1")
	defer cleanup()

	result, err := h.HandleRequestAction(context.Background(), makeRequest(map[string]any{
		"deal_id": "deal-1",
		"action":  "create",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Mode: delegated")
	assert.Contains(t, text, "Outcome: pending")
	assert.Contains(t, text, "request sent to chat")
}

func TestHandleRequestAction_Refused(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"not_allowed","message":"fund requires a created escrow"}`))
	}), "")
	defer cleanup()

	result, err := h.HandleRequestAction(context.Background(), makeRequest(map[string]any{
		"deal_id": "deal-1",
		"action":  "fund",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "fund requires a created escrow")
}

func TestHandleRequestAction_ResolveNeedsSide(t *testing.T) {
	called := false
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), "")
	defer cleanup()

	result, err := h.HandleRequestAction(context.Background(), makeRequest(map[string]any{
		"deal_id": "deal-1",
		"action":  "resolve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.False(t, called)
}

func TestHandleReconcileDeal(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"in sync", `{"errors":[],"snapshot":{"record":{"status":"funded"}}}`, "Deal is in sync"},
		{"with problems", `{"errors":["write back: store down"],"snapshot":{"record":{"status":"funded"}}}`, "write back: store down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/deals/deal-1/reconcile", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}), "")
			defer cleanup()

			result, err := h.HandleReconcileDeal(context.Background(), makeRequest(map[string]any{"deal_id": "deal-1"}))
			require.NoError(t, err)
			text := resultText(t, result)
			assert.Contains(t, text, "Status: funded")
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestHandleListSessions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealIds":["deal-1","deal-2"]}`))
	}), "")
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Tracking 2 deal(s)")
	assert.Contains(t, text, "deal-2")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
