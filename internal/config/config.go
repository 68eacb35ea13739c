// Package config содержит логику чтения конфигурации сервиса фудмаркет.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса фудмаркет.
type Config struct {
	RunAddress              string        `env:"RUN_ADDRESS"`
	DatabaseURI             string        `env:"DATABASE_URI"`
	OrderSystemAddress      string        `env:"ORDER_SYSTEM_ADDRESS"`
	OrderSystemToken        string        `env:"ORDER_SYSTEM_TOKEN"`
	GatewayAddress          string        `env:"GATEWAY_ADDRESS"`
	GatewaySecretKey        string        `env:"GATEWAY_SECRET_KEY"`
	GatewayBootstrapTimeout time.Duration `env:"GATEWAY_BOOTSTRAP_TIMEOUT"`
	PaymentTimeout          time.Duration `env:"PAYMENT_TIMEOUT"`
	JWTSecret               string        `env:"JWT_SECRET"`
	Currency                string        `env:"CURRENCY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOrderSystem := cfg.OrderSystemAddress
	envGateway := cfg.GatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OrderSystemAddress, "o", "", "order management system address")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOrderSystem != "" {
		cfg.OrderSystemAddress = envOrderSystem
	}
	if envGateway != "" {
		cfg.GatewayAddress = envGateway
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.GatewayBootstrapTimeout <= 0 {
		cfg.GatewayBootstrapTimeout = 5 * time.Second
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 15 * time.Minute
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "foodmarket-secret"
	}
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}

	return cfg, nil
}
