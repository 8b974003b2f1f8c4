package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Rpc         rpcItem
	Jupiter     jupiterConfig
	Fulfillment fulfillmentConfig
	Player      playerConfig
	Wallet      walletConfig
	Purchase    purchaseConfig
	Metrics     metricsConfig
}

type rpcItem struct {
	URL string `default:"https://api.mainnet-beta.solana.com"`
}

type jupiterConfig struct {
	URL    string
	APIKey string
}

type fulfillmentConfig struct {
	URL   string
	Token string
}

type playerConfig struct {
	URL    string
	APIKey string
}

type walletConfig struct {
	KeypairPath string
	Cluster     string `default:"mainnet-beta"`
}

type metricsConfig struct {
	// Addr enables the /metrics listener when set, e.g. ":9090".
	Addr string
}

type purchaseConfig struct {
	SettleDelay     time.Duration `default:"5s"`
	FulfillAttempts int           `default:"8"`
	FulfillDelay    time.Duration `default:"3s"`
	RefreshAttempts int           `default:"3"`
	RefreshDelay    time.Duration `default:"2s"`
}

func newConfig() (config, error) {
	var cfg config
	err := envconfig.Process("shop", &cfg)
	if err != nil {
		return config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	return cfg, nil
}
