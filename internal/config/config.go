// Package config collects the server's runtime configuration from the
// environment, with defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"spotex/internal/money"
)

// Config is the runtime configuration for the server binaries.
type Config struct {
	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory ledger (dev mode, state lost on exit).
	DatabaseURL string
	ListenAddr  string
	JWTSecret   string
	// Symbols is the allowed trading symbol set.
	Symbols []string
	// CommissionRate is the fraction of trade value charged to the buyer.
	CommissionRate decimal.Decimal
}

// FromEnv builds a Config from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret"),
	}

	for _, s := range strings.Split(getenv("SYMBOLS", "BTC,ETH"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS must name at least one symbol")
	}

	rate, err := money.Parse(getenv("COMMISSION_RATE", "0.015"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: %w", err)
	}
	if rate.Sign() < 0 {
		return nil, fmt.Errorf("COMMISSION_RATE must not be negative")
	}
	cfg.CommissionRate = rate

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
