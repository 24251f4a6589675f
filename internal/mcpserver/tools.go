package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowsync MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetDeal = mcp.NewTool("get_deal",
	mcp.WithDescription(
		"Show an escrow deal: parties, amount, status, the on-chain escrow contract, "+
			"any in-flight action and your role in the deal."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal identifier")),
)

var ToolListActions = mcp.NewTool("list_actions",
	mcp.WithDescription(
		"List the actions you may take on a deal right now. "+
			"Depends on your role (buyer, seller or arbitrator), the deal status, "+
			"the refund deadline and your token allowance."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal identifier")),
)

var ToolRequestAction = mcp.NewTool("request_action",
	mcp.WithDescription(
		"Perform an action on a deal. When a chat channel is configured the request is "+
			"sent to chat for confirmation; otherwise the server signs and submits the transaction. "+
			"Call list_actions first: illegal actions are refused."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal identifier")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The action to take"),
		mcp.Enum("create", "approve", "fund", "release", "refund", "dispute", "resolve")),
	mcp.WithBoolean("favor_seller",
		mcp.Description("Required for resolve: true pays the seller, false refunds the buyer")),
)

var ToolReconcileDeal = mcp.NewTool("reconcile_deal",
	mcp.WithDescription(
		"Re-read the escrow contract now and bring the deal record in line with the chain. "+
			"Use this after confirming a transaction outside this tool."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal identifier")),
)

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription("List deals the server is currently tracking."),
)
