// Package config loads the vault engine configuration from a TOML file and
// the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/solvency"
)

const (
	OracleStatic = "static"
	OracleHTTP   = "http"
)

type Config struct {
	Server struct {
		Port            string        `toml:"port"`
		ReadTimeout     time.Duration `toml:"read_timeout"`
		WriteTimeout    time.Duration `toml:"write_timeout"`
		RequestTimeout  time.Duration `toml:"request_timeout"`
		ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	} `toml:"server"`

	Storage struct {
		DatabaseURL string        `toml:"database_url"`
		RedisURL    string        `toml:"redis_url"`
		CacheTTL    time.Duration `toml:"cache_ttl"`
		Migrate     bool          `toml:"migrate"`
	} `toml:"storage"`

	Risk struct {
		LiquidationThresholdBps uint64          `toml:"liquidation_threshold_bps"`
		MinHealthFactor         decimal.Decimal `toml:"min_health_factor"`
		MaxCommitAttempts       int             `toml:"max_commit_attempts"`
	} `toml:"risk"`

	Oracle struct {
		Source        string                     `toml:"source"`
		BaseURL       string                     `toml:"base_url"`
		Timeout       time.Duration              `toml:"timeout"`
		RatePerSecond float64                    `toml:"rate_per_second"`
		Burst         int                        `toml:"burst"`
		MaxQuoteAge   time.Duration              `toml:"max_quote_age"`
		Prices        map[string]decimal.Decimal `toml:"prices"`
	} `toml:"oracle"`

	Vault struct {
		DebtAsset string `toml:"debt_asset"`
	} `toml:"vault"`

	Assets []model.Asset `toml:"assets"`
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Risk.LiquidationThresholdBps == 0 {
		cfg.Risk.LiquidationThresholdBps = model.MaxBps
	}
	if cfg.Risk.MinHealthFactor.IsZero() {
		cfg.Risk.MinHealthFactor = decimal.RequireFromString("1.05")
	}
	if cfg.Risk.MaxCommitAttempts <= 0 {
		cfg.Risk.MaxCommitAttempts = 3
	}
	cfg.Oracle.Source = strings.ToLower(strings.TrimSpace(cfg.Oracle.Source))
	if cfg.Oracle.Source == "" {
		cfg.Oracle.Source = OracleStatic
	}
	if cfg.Oracle.Source == OracleHTTP && cfg.Oracle.BaseURL == "" {
		cfg.Oracle.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	if cfg.Oracle.RatePerSecond <= 0 {
		cfg.Oracle.RatePerSecond = 5
	}
	if cfg.Oracle.Burst <= 0 {
		cfg.Oracle.Burst = 5
	}
	if cfg.Oracle.MaxQuoteAge <= 0 {
		cfg.Oracle.MaxQuoteAge = 5 * time.Minute
	}
	if cfg.Vault.DebtAsset == "" {
		cfg.Vault.DebtAsset = "DAI"
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = registry.DefaultAssets()
	}
	if cfg.Oracle.Source == OracleStatic && len(cfg.Oracle.Prices) == 0 {
		cfg.Oracle.Prices = map[string]decimal.Decimal{
			"stETH": decimal.NewFromInt(2000),
			"rETH":  decimal.NewFromInt(2200),
			"bETH":  decimal.NewFromInt(1950),
		}
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.RiskParams(); err != nil {
		return err
	}
	switch cfg.Oracle.Source {
	case OracleStatic:
		for id, p := range cfg.Oracle.Prices {
			if !p.IsPositive() {
				return fmt.Errorf("oracle.prices.%s must be positive", id)
			}
		}
	case OracleHTTP:
		if strings.TrimSpace(cfg.Oracle.BaseURL) == "" {
			return errors.New("oracle.base_url empty but source is http")
		}
	default:
		return fmt.Errorf("oracle.source %q: want %q or %q", cfg.Oracle.Source, OracleStatic, OracleHTTP)
	}
	// Asset invariants are checked by the registry itself.
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry builds the asset registry described by the config.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Assets, c.Vault.DebtAsset)
}

// RiskParams converts the [risk] section into solvency parameters.
func (c *Config) RiskParams() (solvency.Params, error) {
	minHF, err := model.ToWad(c.Risk.MinHealthFactor)
	if err != nil {
		return solvency.Params{}, fmt.Errorf("risk.min_health_factor: %w", err)
	}
	params := solvency.Params{
		LiquidationThresholdBps: c.Risk.LiquidationThresholdBps,
		MinHealthFactor:         minHF,
	}
	return params, params.Validate()
}
