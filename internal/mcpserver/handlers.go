package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DealClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DealClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetDeal summarises a deal.
func (h *Handlers) HandleGetDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.GetDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deal: %v", err)), nil
	}

	text, err := formatDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListActions lists the legal actions for the configured identity.
func (h *Handlers) HandleListActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.GetDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deal: %v", err)), nil
	}

	var view dealView
	if err := json.Unmarshal(raw, &view); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}
	if len(view.LegalActions) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No actions available to you (role: %s).", orNone(view.Role))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Available actions (role: %s): %s",
		view.Role, strings.Join(view.LegalActions, ", "))), nil
}

// HandleRequestAction dispatches an action.
func (h *Handlers) HandleRequestAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	action := req.GetString("action", "")
	if dealID == "" || action == "" {
		return mcp.NewToolResultError("deal_id and action are required"), nil
	}

	var favorSeller *bool
	if v, ok := req.GetArguments()["favor_seller"].(bool); ok {
		favorSeller = &v
	}
	if action == "resolve" && favorSeller == nil {
		return mcp.NewToolResultError("favor_seller is required for resolve"), nil
	}

	raw, err := h.client.RequestAction(ctx, dealID, action, favorSeller)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Action %s failed: %v", action, err)), nil
	}

	var resp struct {
		Result struct {
			Mode    string `json:"mode"`
			TxHash  string `json:"txHash"`
			Outcome string `json:"outcome"`
			Message string `json:"message"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Action: %s\n", action)
	fmt.Fprintf(&sb, "Mode: %s\n", resp.Result.Mode)
	fmt.Fprintf(&sb, "Outcome: %s\n", resp.Result.Outcome)
	if resp.Result.TxHash != "" {
		fmt.Fprintf(&sb, "Transaction: %s\n", resp.Result.TxHash)
	}
	if resp.Result.Message != "" {
		fmt.Fprintf(&sb, "Note: %s\n", resp.Result.Message)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcileDeal forces a reconciliation pass.
func (h *Handlers) HandleReconcileDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconcile failed: %v", err)), nil
	}

	var resp struct {
		Errors   []string `json:"errors"`
		Snapshot dealView `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	if resp.Snapshot.Record != nil {
		fmt.Fprintf(&sb, "Status: %s\n", resp.Snapshot.Record.Status)
	}
	if len(resp.Errors) > 0 {
		sb.WriteString("Problems:\n")
		for _, e := range resp.Errors {
			fmt.Fprintf(&sb, "  - %s\n", e)
		}
	} else {
		sb.WriteString("Deal is in sync with the chain.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListSessions lists tracked deals.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	var resp struct {
		DealIDs []string `json:"dealIds"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}
	if len(resp.DealIDs) == 0 {
		return mcp.NewToolResultText("No deals are being tracked."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Tracking %d deal(s):\n%s",
		len(resp.DealIDs), strings.Join(resp.DealIDs, "\n"))), nil
}

// --- Formatting helpers ---

type dealRecord struct {
	DealID        string `json:"dealId"`
	BuyerAddress  string `json:"buyerAddress"`
	SellerAddress string `json:"sellerAddress"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Deadline      int64  `json:"deadline"`
	Status        string `json:"status"`
	EscrowAddress string `json:"escrowAddress"`
}

type dealView struct {
	DealID   string      `json:"dealId"`
	NotFound bool        `json:"notFound"`
	Record   *dealRecord `json:"record"`
	Pending  *struct {
		Action  string `json:"action"`
		Mode    string `json:"mode"`
		Outcome string `json:"outcome"`
		TxHash  string `json:"txHash"`
	} `json:"pending"`
	Winner        string   `json:"winner"`
	Role          string   `json:"role"`
	LegalActions  []string `json:"legalActions"`
	Notifications []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"notifications"`
}

func formatDeal(raw json.RawMessage) (string, error) {
	var v dealView
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	if v.Record == nil {
		return fmt.Sprintf("Deal %s is not loaded yet.", v.DealID), nil
	}

	r := v.Record
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deal %s\n", r.DealID)
	fmt.Fprintf(&sb, "  Status: %s\n", r.Status)
	fmt.Fprintf(&sb, "  Amount: %s %s\n", r.Amount, r.Token)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", orNone(r.BuyerAddress))
	fmt.Fprintf(&sb, "  Seller: %s\n", orNone(r.SellerAddress))
	if r.EscrowAddress != "" {
		fmt.Fprintf(&sb, "  Escrow: %s\n", r.EscrowAddress)
	}
	if v.Winner != "" {
		fmt.Fprintf(&sb, "  Dispute winner: %s\n", v.Winner)
	}
	fmt.Fprintf(&sb, "  Your role: %s\n", orNone(v.Role))
	if len(v.LegalActions) > 0 {
		fmt.Fprintf(&sb, "  You can: %s\n", strings.Join(v.LegalActions, ", "))
	}
	if p := v.Pending; p != nil {
		fmt.Fprintf(&sb, "  In flight: %s via %s (%s)", p.Action, p.Mode, p.Outcome)
		if p.TxHash != "" {
			fmt.Fprintf(&sb, " tx %s", p.TxHash)
		}
		sb.WriteString("\n")
	}
	for _, n := range v.Notifications {
		fmt.Fprintf(&sb, "  [%s] %s\n", n.Level, n.Message)
	}
	return sb.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
