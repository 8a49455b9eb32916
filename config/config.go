package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"stablecoin/crypto"
	"stablecoin/native/stablecoin"
	"stablecoin/observability/logging"
	"stablecoin/observability/otel"
)

// Config captures runtime configuration for stabled.
type Config struct {
	ListenAddress string          `toml:"ListenAddress" yaml:"listen"`
	Environment   string          `toml:"Environment" yaml:"environment"`
	Pauses        []string        `toml:"Pauses" yaml:"pauses"`
	Storage       StorageConfig   `toml:"storage" yaml:"storage"`
	Audit         AuditConfig     `toml:"audit" yaml:"audit"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Logging       LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Protocol      ProtocolConfig  `toml:"protocol" yaml:"protocol"`
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		ListenAddress: ":8087",
		Environment:   "local",
		Pauses:        []string{},
		Storage:       StorageConfig{Backend: "leveldb", Path: "./stabled-data/state"},
		Audit:         AuditConfig{Driver: "sqlite", DSN: "file:./stabled-data/audit.db"},
		Auth:          AuthConfig{Issuer: "stabled", Audience: "stabled", ClockSkew: Duration{30 * time.Second}},
		RateLimit:     RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Logging:       LoggingConfig{Level: "info"},
		Telemetry:     TelemetryConfig{Endpoint: "localhost:4318", Insecure: true, SampleRatio: 1},
		Protocol: ProtocolConfig{
			DebtToken:            "USDS",
			CollateralToken:      "SOL",
			PriceFeed:            "SOL/USD",
			MinHealthFactor:      stablecoin.DefaultMinHealthFactor,
			LiquidationThreshold: stablecoin.DefaultLiquidationThreshold,
			LiquidationBonus:     stablecoin.DefaultLiquidationBonus,
			MaxPriceAge:          Duration{stablecoin.DefaultMaxPriceAge},
			MaxConfidenceBps:     stablecoin.DefaultMaxConfidenceBps,
			CollateralDecimals:   stablecoin.DefaultCollateralDecimals,
			DebtDecimals:         stablecoin.DefaultDebtDecimals,
		},
	}
}

// Load reads the configuration at path. YAML files are recognised by their
// extension; everything else is decoded as TOML. A missing TOML file is
// created with defaults. Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := persist(path, cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	if cfg.Pauses == nil {
		cfg.Pauses = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// AuthorityAddress decodes the configured protocol authority.
func (c *Config) AuthorityAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.Protocol.Authority))
}

// OperatorAddresses decodes the operator identities.
func (c *Config) OperatorAddresses() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(c.Auth.Operators))
	for _, raw := range c.Auth.Operators {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("auth.Operators %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// ProtocolOptions converts the launch parameters into engine config options.
func (c *Config) ProtocolOptions() []stablecoin.ConfigOption {
	p := c.Protocol
	return []stablecoin.ConfigOption{
		stablecoin.WithMinHealthFactor(p.MinHealthFactor),
		stablecoin.WithLiquidation(p.LiquidationThreshold, p.LiquidationBonus),
		stablecoin.WithOracle(p.PriceFeed, p.MaxPriceAge.Duration, p.MaxConfidenceBps),
		stablecoin.WithDecimals(p.CollateralDecimals, p.DebtDecimals),
	}
}

// LoggingOptions returns the logger settings for service.
func (c *Config) LoggingOptions(service string) logging.Options {
	return logging.Options{
		Service:    service,
		Env:        c.Environment,
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// TelemetryOptions returns the OTLP settings for service.
func (c *Config) TelemetryOptions(service string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: c.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Traces:      c.Telemetry.Traces,
		Metrics:     c.Telemetry.Metrics,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}
