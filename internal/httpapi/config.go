package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultTokenIssuer        = "powerbank"
	defaultTokenTTL           = time.Hour
	defaultRatePerMinuteCents = 10
	defaultDepositCents       = 500
	defaultHistoryLimit       = 10
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	JWTSigningKey      string
	JWTIssuer          string
	TokenTTL           time.Duration
	RatePerMinuteCents int64
	DepositCents       int64
	SignupBonusCents   int64
	WalletHistoryLimit int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultTokenIssuer)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.RatePerMinuteCents == 0 {
		cfg.RatePerMinuteCents = defaultRatePerMinuteCents
	}
	if cfg.DepositCents == 0 {
		cfg.DepositCents = defaultDepositCents
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultHistoryLimit
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.RatePerMinuteCents <= 0 {
		return fmt.Errorf("rate per minute must be positive")
	}
	if cfg.DepositCents < 0 {
		return fmt.Errorf("deposit threshold must not be negative")
	}
	if cfg.SignupBonusCents < 0 {
		return fmt.Errorf("signup bonus must not be negative")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
