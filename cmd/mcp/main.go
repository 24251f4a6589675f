// escrowsync MCP server - exposes deal tools to LLMs over stdio
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowsync/internal/mcpserver"
	"github.com/mbd888/escrowsync/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("ESCROWSYNC_API_URL", "http://localhost:8080"),
		APIKey:        os.Getenv("ESCROWSYNC_API_KEY"),
		WalletAddress: os.Getenv("ESCROWSYNC_WALLET"),
		UserID:        os.Getenv("ESCROWSYNC_USER_ID"),
		ChannelID:     os.Getenv("ESCROWSYNC_CHANNEL_ID"),
	}

	if cfg.WalletAddress == "" && cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "ESCROWSYNC_WALLET or ESCROWSYNC_USER_ID is required")
		os.Exit(1)
	}
	if cfg.WalletAddress != "" && !validation.IsValidEthAddress(cfg.WalletAddress) {
		fmt.Fprintln(os.Stderr, "ESCROWSYNC_WALLET must be a 0x-prefixed address")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
