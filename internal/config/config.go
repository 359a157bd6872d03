// Package config содержит логику чтения конфигурации движка расчётов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка расчётов.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	OracleAddress   string        `env:"ORACLE_ADDRESS"`
	TokenAPIAddress string        `env:"TOKEN_API_ADDRESS"`
	ExecutorAddress string        `env:"EXECUTOR_ADDRESS"`
	ChainID         int           `env:"CHAIN_ID"`
	PriceMaxAge     time.Duration `env:"PRICE_MAX_AGE"`
	PriceFeeds      string        `env:"PRICE_FEEDS"`
}

// Фиды по умолчанию: нативный ETH и EUR/USD, идентификаторы Pyth.
const defaultPriceFeeds = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee=" +
	"0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace," +
	"EUR=0xa995d00bb36a63cef7fd2c287dc105fc8f3d93779f062f09551b0af3e81ec30b"

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOracleAddress := cfg.OracleAddress
	envTokenAPIAddress := cfg.TokenAPIAddress
	envExecutorAddress := cfg.ExecutorAddress
	envChainID := cfg.ChainID
	envPriceMaxAge := cfg.PriceMaxAge
	envPriceFeeds := cfg.PriceFeeds

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OracleAddress, "o", "https://hermes.pyth.network", "price oracle address")
	flag.StringVar(&cfg.TokenAPIAddress, "t", "", "token metadata API address")
	flag.StringVar(&cfg.ExecutorAddress, "x", "", "transfer executor address")
	flag.IntVar(&cfg.ChainID, "c", 10, "chain id for token metadata lookups")
	flag.DurationVar(&cfg.PriceMaxAge, "p", time.Minute, "maximum accepted price data age")
	flag.StringVar(&cfg.PriceFeeds, "f", defaultPriceFeeds, "price feed mapping, key=feed_id pairs")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOracleAddress != "" {
		cfg.OracleAddress = envOracleAddress
	}
	if envTokenAPIAddress != "" {
		cfg.TokenAPIAddress = envTokenAPIAddress
	}
	if envExecutorAddress != "" {
		cfg.ExecutorAddress = envExecutorAddress
	}
	if envChainID != 0 {
		cfg.ChainID = envChainID
	}
	if envPriceMaxAge != 0 {
		cfg.PriceMaxAge = envPriceMaxAge
	}
	if envPriceFeeds != "" {
		cfg.PriceFeeds = envPriceFeeds
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = time.Minute
	}

	return cfg, nil
}
