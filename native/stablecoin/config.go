package stablecoin

import (
	"fmt"
	"strings"
	"time"

	"stablecoin/crypto"
)

// ConfigStore persists the protocol config singleton. GetConfig returns
// (nil, nil) when no config exists.
type ConfigStore interface {
	GetConfig() (*ProtocolConfig, error)
	PutConfig(cfg *ProtocolConfig) error
}

// ConfigOption customises the config created by InitializeConfig.
type ConfigOption func(*ProtocolConfig)

// WithMinHealthFactor overrides the default minimum health factor.
func WithMinHealthFactor(v uint64) ConfigOption {
	return func(c *ProtocolConfig) { c.MinHealthFactor = v }
}

// WithLiquidation overrides the liquidation threshold and bonus percentages.
func WithLiquidation(thresholdPct, bonusPct uint64) ConfigOption {
	return func(c *ProtocolConfig) {
		c.LiquidationThreshold = thresholdPct
		c.LiquidationBonus = bonusPct
	}
}

// WithOracle sets the price feed reference and its acceptance bounds.
func WithOracle(feed string, maxAge time.Duration, maxConfidenceBps uint64) ConfigOption {
	return func(c *ProtocolConfig) {
		c.PriceFeed = strings.TrimSpace(feed)
		c.MaxPriceAge = maxAge
		c.MaxConfidenceBps = maxConfidenceBps
	}
}

// WithDecimals sets the collateral and debt token precisions.
func WithDecimals(collateral, debt uint8) ConfigOption {
	return func(c *ProtocolConfig) {
		c.CollateralDecimals = collateral
		c.DebtDecimals = debt
	}
}

// DefaultConfig returns the launch parameters for the supplied authority and
// debt token.
func DefaultConfig(authority crypto.Address, debtToken string) *ProtocolConfig {
	return &ProtocolConfig{
		Authority:            authority,
		DebtToken:            strings.TrimSpace(debtToken),
		MinHealthFactor:      DefaultMinHealthFactor,
		LiquidationThreshold: DefaultLiquidationThreshold,
		LiquidationBonus:     DefaultLiquidationBonus,
		MaxPriceAge:          DefaultMaxPriceAge,
		MaxConfidenceBps:     DefaultMaxConfidenceBps,
		CollateralDecimals:   DefaultCollateralDecimals,
		DebtDecimals:         DefaultDebtDecimals,
	}
}

// InitializeConfig creates the protocol config singleton. It fails with
// ErrConfigExists when the store already holds one.
func InitializeConfig(store ConfigStore, authority crypto.Address, debtToken string, opts ...ConfigOption) (*ProtocolConfig, error) {
	if store == nil {
		return nil, errNilStore
	}
	existing, err := store.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if existing != nil {
		return nil, ErrConfigExists
	}
	cfg := DefaultConfig(authority, debtToken)
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := store.PutConfig(cfg); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	return cfg.Clone(), nil
}

// UpdateConfig sets a new minimum health factor. Only the config authority may
// call it and the value must be positive.
func UpdateConfig(store ConfigStore, caller crypto.Address, minHealthFactor uint64) (*ProtocolConfig, error) {
	cfg, err := LoadConfig(store)
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || !caller.Equal(cfg.Authority) {
		return nil, ErrUnauthorized
	}
	if minHealthFactor == 0 {
		return nil, ErrInvalidHealthFactor
	}
	cfg.MinHealthFactor = minHealthFactor
	if err := store.PutConfig(cfg); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	return cfg.Clone(), nil
}

// LoadConfig returns a copy of the stored config or ErrConfigNotFound.
func LoadConfig(store ConfigStore) (*ProtocolConfig, error) {
	if store == nil {
		return nil, errNilStore
	}
	cfg, err := store.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}
	return cfg.Clone(), nil
}
