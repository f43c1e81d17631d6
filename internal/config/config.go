// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	SettlementAddress string `env:"SETTLEMENT_ADDRESS"`
	SigningSecret     string `env:"SIGNING_SECRET"`
	WalletKey         string `env:"WALLET_ENCRYPTION_KEY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSettlementAddress := cfg.SettlementAddress
	envSigningSecret := cfg.SigningSecret
	envWalletKey := cfg.WalletKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SettlementAddress, "r", "", "settlement gateway address")
	flag.StringVar(&cfg.SigningSecret, "s", "", "global fallback secret for scan codes")
	flag.StringVar(&cfg.WalletKey, "k", "", "hex-encoded AES-256 key for wallet secrets")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSettlementAddress != "" {
		cfg.SettlementAddress = envSettlementAddress
	}
	if envSigningSecret != "" {
		cfg.SigningSecret = envSigningSecret
	}
	if envWalletKey != "" {
		cfg.WalletKey = envWalletKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
