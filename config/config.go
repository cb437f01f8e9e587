package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the flat environment-derived configuration for the gateway.
// Every consumer receives it (or a slice of it) through its constructor;
// there are no config globals.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string

	// Network is the payment network identifier, e.g. "eip155:84532".
	Network string

	// FacilitatorURLs is the ordered facilitator endpoint list; earlier
	// entries are preferred, later ones are fallbacks.
	FacilitatorURLs []string

	// FacilitatorKeyID and FacilitatorKeySecret enable the bearer-auth
	// provider when both are set. Empty is valid for public facilitators.
	FacilitatorKeyID     string
	FacilitatorKeySecret string

	FacilitatorTimeout time.Duration
	BreakerMaxFailures int
	BreakerCooldown    time.Duration

	// RPCEndpoints are JSON-RPC URLs for the on-chain fallback resolver.
	RPCEndpoints []string

	// OnchainStartBlock is where Transfer-log scanning begins, normally
	// the marketplace deployment block.
	OnchainStartBlock uint64
	OnchainChunkSize  uint64

	// TokenSecret signs receipt and session tokens. TokenPreviousSecret,
	// when set, keeps tokens minted before a rotation verifiable.
	TokenSecret         string
	TokenPreviousSecret string
	SessionTTL          time.Duration

	// SellerAddress is the default payTo for demo catalog assets.
	SellerAddress string
}

// Load reads configuration from the environment, optionally seeded from a
// .env file when one exists. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		Network:              getEnv("PAYMENT_NETWORK", "eip155:84532"),
		FacilitatorURLs:      splitList(getEnv("FACILITATOR_URLS", "https://x402.org/facilitator")),
		FacilitatorKeyID:     os.Getenv("FACILITATOR_KEY_ID"),
		FacilitatorKeySecret: os.Getenv("FACILITATOR_KEY_SECRET"),
		FacilitatorTimeout:   getDuration("FACILITATOR_TIMEOUT", 10*time.Second),
		BreakerMaxFailures:   getInt("BREAKER_MAX_FAILURES", 3),
		BreakerCooldown:      getDuration("BREAKER_COOLDOWN", 30*time.Second),
		RPCEndpoints:         splitList(os.Getenv("RPC_ENDPOINTS")),
		OnchainStartBlock:    getUint64("ONCHAIN_START_BLOCK", 0),
		OnchainChunkSize:     getUint64("ONCHAIN_CHUNK_SIZE", 10000),
		TokenSecret:          os.Getenv("TOKEN_SECRET"),
		TokenPreviousSecret:  os.Getenv("TOKEN_PREVIOUS_SECRET"),
		SessionTTL:           getDuration("SESSION_TTL", 24*time.Hour),
		SellerAddress:        os.Getenv("SELLER_ADDRESS"),
	}

	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	if len(cfg.FacilitatorURLs) == 0 {
		return nil, fmt.Errorf("FACILITATOR_URLS must name at least one endpoint")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
