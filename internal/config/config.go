// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins string // Comma-separated; "*" allows any
	APIKeys     string // Comma-separated "sk_..." or "sk_...:0xwallet"; empty leaves mutations open

	// Deal record store: DEAL_API_URL wins over DATABASE_URL; neither means in-memory
	DatabaseURL string
	AutoMigrate bool // Apply embedded migrations on startup (postgres only)
	DealAPIURL  string
	DealAPIKey  string

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Optional; enables direct-mode actions
	FactoryContract string
	TokenContract   string
	TokenDecimals   int
	ArbiterAddress  string

	// Delegated relay
	RelayURL string // Optional; delegated actions fail without it

	// Loop timing
	RefreshInterval         time.Duration
	ActiveReconcileInterval time.Duration // created / funded
	IdleReconcileInterval   time.Duration
	NotifyTTL               time.Duration
	PendingTimeout          time.Duration
	ConfirmTimeout          time.Duration
	SessionIdleTimeout      time.Duration // Unused sessions are closed after this
	MaxSessions             int

	// Outbound deal events
	WebhookURLs   string // Comma-separated; empty disables webhooks
	WebhookSecret string // Optional HMAC key for X-Escrowsync-Signature

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultTokenDecimals = 6
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"

	DefaultRefreshInterval         = 5 * time.Second
	DefaultActiveReconcileInterval = 4 * time.Second
	DefaultIdleReconcileInterval   = 15 * time.Second
	DefaultNotifyTTL               = 8 * time.Second
	DefaultPendingTimeout          = 10 * time.Minute
	DefaultConfirmTimeout          = 2 * time.Minute
	DefaultSessionIdleTimeout      = 15 * time.Minute
	DefaultMaxSessions             = 1000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:             getEnv("CORS_ORIGINS", "*"),
		APIKeys:                 os.Getenv("API_KEYS"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		AutoMigrate:             getEnvBool("AUTO_MIGRATE", false),
		DealAPIURL:              os.Getenv("DEAL_API_URL"),
		DealAPIKey:              os.Getenv("DEAL_API_KEY"),
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		FactoryContract:         os.Getenv("FACTORY_CONTRACT"), // Required, no default
		TokenContract:           getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		TokenDecimals:           int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		ArbiterAddress:          os.Getenv("ARBITER_ADDRESS"),
		RelayURL:                os.Getenv("RELAY_URL"),
		RefreshInterval:         getEnvDuration("REFRESH_INTERVAL", DefaultRefreshInterval),
		ActiveReconcileInterval: getEnvDuration("ACTIVE_RECONCILE_INTERVAL", DefaultActiveReconcileInterval),
		IdleReconcileInterval:   getEnvDuration("IDLE_RECONCILE_INTERVAL", DefaultIdleReconcileInterval),
		NotifyTTL:               getEnvDuration("NOTIFY_TTL", DefaultNotifyTTL),
		PendingTimeout:          getEnvDuration("PENDING_TIMEOUT", DefaultPendingTimeout),
		ConfirmTimeout:          getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		SessionIdleTimeout:      getEnvDuration("SESSION_IDLE_TIMEOUT", DefaultSessionIdleTimeout),
		MaxSessions:             int(getEnvInt64("MAX_SESSIONS", DefaultMaxSessions)),
		WebhookURLs:             os.Getenv("WEBHOOK_URLS"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.FactoryContract == "" {
		return fmt.Errorf("FACTORY_CONTRACT is required")
	}
	if !common.IsHexAddress(c.FactoryContract) {
		return fmt.Errorf("FACTORY_CONTRACT must be a hex address")
	}
	if !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a hex address")
	}
	if c.ArbiterAddress != "" && !common.IsHexAddress(c.ArbiterAddress) {
		return fmt.Errorf("ARBITER_ADDRESS must be a hex address")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36")
	}

	// Allow both with and without 0x prefix
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	for _, u := range c.Webhooks() {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("WEBHOOK_URLS contains an invalid URL: %q", u)
		}
	}

	for name, d := range map[string]time.Duration{
		"REFRESH_INTERVAL":          c.RefreshInterval,
		"ACTIVE_RECONCILE_INTERVAL": c.ActiveReconcileInterval,
		"IDLE_RECONCILE_INTERVAL":   c.IdleReconcileInterval,
		"SESSION_IDLE_TIMEOUT":      c.SessionIdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive")
	}

	return nil
}

// DirectEnabled reports whether a signer key is configured.
func (c *Config) DirectEnabled() bool {
	return c.PrivateKey != ""
}

// Webhooks returns the configured webhook URLs.
func (c *Config) Webhooks() []string {
	var out []string
	for _, u := range strings.Split(c.WebhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// StoreKind names the deal store the configuration selects.
func (c *Config) StoreKind() string {
	switch {
	case c.DealAPIURL != "":
		return "http"
	case c.DatabaseURL != "":
		return "postgres"
	}
	return "memory"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("4s") or bare milliseconds ("4000").
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
