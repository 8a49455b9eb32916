package config

import (
	"fmt"
	"strings"

	"stablecoin/storage"
)

// Validate checks the loaded configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage: Path required for %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Audit.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit: unsupported driver %q", c.Audit.Driver)
	}
	if strings.TrimSpace(c.Audit.DSN) == "" {
		return fmt.Errorf("audit: DSN required")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit: Burst must be positive when RequestsPerSecond is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within 0..1")
	}
	if _, err := c.OperatorAddresses(); err != nil {
		return err
	}

	p := c.Protocol
	if strings.TrimSpace(p.CollateralToken) == "" || strings.TrimSpace(p.DebtToken) == "" {
		return fmt.Errorf("protocol: CollateralToken and DebtToken required")
	}
	if strings.EqualFold(strings.TrimSpace(p.CollateralToken), strings.TrimSpace(p.DebtToken)) {
		return fmt.Errorf("protocol: collateral and debt tokens must differ")
	}
	if p.MinHealthFactor == 0 {
		return fmt.Errorf("protocol: MinHealthFactor must be positive")
	}
	if p.LiquidationThreshold == 0 || p.LiquidationThreshold > 100 {
		return fmt.Errorf("protocol: LiquidationThreshold must be within 1..100")
	}
	if p.LiquidationBonus > 100 {
		return fmt.Errorf("protocol: LiquidationBonus must not exceed 100")
	}
	if p.AutoInitialize {
		if _, err := c.AuthorityAddress(); err != nil {
			return fmt.Errorf("protocol: Authority: %w", err)
		}
		if strings.TrimSpace(p.PriceFeed) == "" {
			return fmt.Errorf("protocol: PriceFeed required")
		}
	}
	return nil
}
