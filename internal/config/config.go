// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mintflow/launchpad/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	RPCURL     string
	Commitment string // "processed", "confirmed", "finalized"

	// Escrow key vault
	EscrowMasterKey string // Hex-encoded 32-byte AES key for escrow blob decryption

	// Settlement timing
	LockTTL             time.Duration // Lease lifetime before self-expiry
	LockWait            time.Duration // Bounded wait for lock acquisition
	ConfirmTimeout      time.Duration // Bounded wait for on-chain confirmation
	ConfirmPollInterval time.Duration // Signature status polling cadence

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty
}

// Defaults target Solana devnet.
const (
	DefaultRPCURL     = "https://api.devnet.solana.com"
	DefaultCommitment = "confirmed"
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultRateLimit  = 100
)

// Default settlement timing bounds.
const (
	DefaultLockTTL             = 90 * time.Second
	DefaultLockWait            = 10 * time.Second
	DefaultConfirmTimeout      = 2 * time.Minute
	DefaultConfirmPollInterval = 2 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		Commitment:          getEnv("COMMITMENT", DefaultCommitment),
		EscrowMasterKey:     os.Getenv("ESCROW_MASTER_KEY"), // Required, no default
		LockTTL:             getEnvDuration("LOCK_TTL", DefaultLockTTL),
		LockWait:            getEnvDuration("LOCK_WAIT", DefaultLockWait),
		ConfirmTimeout:      getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		ConfirmPollInterval: getEnvDuration("CONFIRM_POLL_INTERVAL", DefaultConfirmPollInterval),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowMasterKey == "" {
		return fmt.Errorf("ESCROW_MASTER_KEY is required")
	}

	key, err := hex.DecodeString(c.EscrowMasterKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("ESCROW_MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	// Local validators are fine in development; production must not aim RPC
	// traffic at internal infrastructure.
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.RPCURL); err != nil {
			return fmt.Errorf("RPC_URL: %w", err)
		}
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("COMMITMENT must be one of processed, confirmed, finalized")
	}

	if c.LockTTL <= 0 || c.LockWait <= 0 {
		return fmt.Errorf("LOCK_TTL and LOCK_WAIT must be positive")
	}
	if c.ConfirmTimeout < c.ConfirmPollInterval {
		return fmt.Errorf("CONFIRM_TIMEOUT must be at least CONFIRM_POLL_INTERVAL")
	}

	return nil
}

// MasterKey returns the decoded escrow master key. Validate must have passed.
func (c *Config) MasterKey() []byte {
	key, _ := hex.DecodeString(c.EscrowMasterKey)
	return key
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
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
