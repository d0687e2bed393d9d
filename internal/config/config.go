// Package config содержит логику чтения конфигурации сервиса оплаты.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

const (
	// StoreDriverPostgres хранит покупки в PostgreSQL.
	StoreDriverPostgres = "postgres"
	// StoreDriverBolt хранит покупки во встроенной базе BoltDB.
	StoreDriverBolt = "bolt"

	environmentProduction = "production"
)

// MercadoPago содержит параметры доступа к API MercadoPago.
type MercadoPago struct {
	AccessToken    string        `env:"MP_ACCESS_TOKEN"`
	WebhookSecret  string        `env:"MP_WEBHOOK_SECRET"`
	APIURL         string        `env:"MP_API_URL" envDefault:"https://api.mercadopago.com"`
	Sandbox        bool          `env:"MP_SANDBOX"`
	Currency       string        `env:"MP_CURRENCY" envDefault:"ARS"`
	FetchTimeout   time.Duration `env:"MP_FETCH_TIMEOUT" envDefault:"800ms"`
	RequestTimeout time.Duration `env:"MP_REQUEST_TIMEOUT" envDefault:"10s"`
}

// Config содержит параметры конфигурации сервиса оплаты.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	BaseURL     string `env:"APP_BASE_URL"`
	StoreDriver string `env:"STORE_DRIVER"`
	BoltPath    string `env:"BOLT_PATH" envDefault:"purchases.db"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	MercadoPago MercadoPago

	RawAmountCeilings map[string]string `env:"AMOUNT_CEILINGS" envDefault:"ARS:10000000,BRL:100000,MXN:200000,CLP:50000000,COP:200000000,PEN:50000,UYU:2000000"`
	AmountCeilings    map[string]decimal.Decimal

	SweepInterval time.Duration `env:"PENDING_SWEEP_INTERVAL" envDefault:"1m"`
	SweepAge      time.Duration `env:"PENDING_SWEEP_AGE" envDefault:"10m"`
}

// IsProduction сообщает, запущен ли сервис в боевом режиме.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, environmentProduction)
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
	envBaseURL := cfg.BaseURL
	envStoreDriver := cfg.StoreDriver

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BaseURL, "b", "", "public base URL used for callback and notification URLs")
	flag.StringVar(&cfg.StoreDriver, "s", StoreDriverPostgres, "purchase store driver: postgres or bolt")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBaseURL != "" {
		cfg.BaseURL = envBaseURL
	}
	if envStoreDriver != "" {
		cfg.StoreDriver = envStoreDriver
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}

	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverBolt {
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	cfg.MercadoPago.Currency = strings.ToUpper(cfg.MercadoPago.Currency)

	ceilings, err := parseCeilings(cfg.RawAmountCeilings)
	if err != nil {
		return nil, err
	}
	cfg.AmountCeilings = ceilings

	return cfg, nil
}

func parseCeilings(raw map[string]string) (map[string]decimal.Decimal, error) {
	res := make(map[string]decimal.Decimal, len(raw))
	for currency, value := range raw {
		limit, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("parse amount ceiling for %s: %w", currency, err)
		}
		if !limit.IsPositive() {
			return nil, fmt.Errorf("amount ceiling for %s must be positive", currency)
		}
		res[strings.ToUpper(strings.TrimSpace(currency))] = limit
	}
	return res, nil
}
