package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "90s" in both TOML and
// YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings (TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

// MarshalText renders the duration for TOML encoders.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// StorageConfig selects the key-value backend for protocol state.
type StorageConfig struct {
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
}

// AuditConfig selects the SQL database that records operations and oracle
// samples.
type AuditConfig struct {
	// Driver is sqlite or postgres.
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string `toml:"Issuer" yaml:"issuer"`
	Audience   string `toml:"Audience" yaml:"audience"`
	// Operators lists the identities allowed to push prices and fund collateral.
	Operators []string `toml:"Operators" yaml:"operators"`
	ClockSkew Duration `toml:"ClockSkew" yaml:"clock_skew"`
}

// RateLimitConfig throttles requests per caller identity.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// ProtocolConfig holds the launch parameters for the stablecoin config
// singleton. They are applied only when the store holds no config yet and
// AutoInitialize is set.
type ProtocolConfig struct {
	AutoInitialize       bool     `toml:"AutoInitialize" yaml:"auto_initialize"`
	Authority            string   `toml:"Authority" yaml:"authority"`
	DebtToken            string   `toml:"DebtToken" yaml:"debt_token"`
	CollateralToken      string   `toml:"CollateralToken" yaml:"collateral_token"`
	PriceFeed            string   `toml:"PriceFeed" yaml:"price_feed"`
	MinHealthFactor      uint64   `toml:"MinHealthFactor" yaml:"min_health_factor"`
	LiquidationThreshold uint64   `toml:"LiquidationThreshold" yaml:"liquidation_threshold"`
	LiquidationBonus     uint64   `toml:"LiquidationBonus" yaml:"liquidation_bonus"`
	MaxPriceAge          Duration `toml:"MaxPriceAge" yaml:"max_price_age"`
	MaxConfidenceBps     uint64   `toml:"MaxConfidenceBps" yaml:"max_confidence_bps"`
	CollateralDecimals   uint8    `toml:"CollateralDecimals" yaml:"collateral_decimals"`
	DebtDecimals         uint8    `toml:"DebtDecimals" yaml:"debt_decimals"`
}
