// Package config содержит логику чтения конфигурации сервиса сертификатов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
)

// Config содержит параметры конфигурации сервиса сертификатов.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	CatalogAddress string `env:"CATALOG_ADDRESS"`

	AMQPURL  string `env:"AMQP_URL"`
	RedisURL string `env:"REDIS_URL"`

	JWTSecret     string `env:"JWT_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	BillingSchedule string        `env:"BILLING_SCHEDULE" envDefault:"0 3 * * *"`
	ExpirySchedule  string        `env:"EXPIRY_SCHEDULE" envDefault:"*/15 * * * *"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"10m"`

	RedeemRetries         int             `env:"REDEEM_RETRIES" envDefault:"3"`
	CodeRetryBudget       int             `env:"CODE_RETRY_BUDGET" envDefault:"5"`
	DefaultCommissionRate decimal.Decimal `env:"DEFAULT_COMMISSION_RATE" envDefault:"5"`
	// ScanRateLimit задаёт допустимое число проверок в минуту на участника.
	ScanRateLimit int `env:"SCAN_RATE_LIMIT" envDefault:"60"`

	LogLevel zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCatalogAddress := cfg.CatalogAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "offer catalog address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCatalogAddress != "" {
		cfg.CatalogAddress = envCatalogAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedeemRetries <= 0 {
		return fmt.Errorf("REDEEM_RETRIES must be positive, got %d", c.RedeemRetries)
	}
	if c.CodeRetryBudget <= 0 {
		return fmt.Errorf("CODE_RETRY_BUDGET must be positive, got %d", c.CodeRetryBudget)
	}
	if c.DefaultCommissionRate.IsNegative() || c.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_COMMISSION_RATE must be within [0, 100], got %s", c.DefaultCommissionRate)
	}
	if c.ScanRateLimit < 0 {
		return fmt.Errorf("SCAN_RATE_LIMIT must not be negative, got %d", c.ScanRateLimit)
	}
	return nil
}
