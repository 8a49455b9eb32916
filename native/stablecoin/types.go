package stablecoin

import (
	"fmt"
	"strings"
	"time"

	"stablecoin/crypto"
)

const (
	// PriceDecimals is the fixed-point precision of every trusted price.
	PriceDecimals = 8
	// HealthFactorScale is the health factor value representing a ratio of 1.00.
	HealthFactorScale = 100
	// MaxHealthFactor is the sentinel reported for debt-free positions.
	MaxHealthFactor = ^uint64(0)

	maxTokenDecimals = 18
)

// Defaults mirror the parameters the protocol launched with.
const (
	DefaultMinHealthFactor      = HealthFactorScale
	DefaultLiquidationThreshold = 50
	DefaultLiquidationBonus     = 10
	DefaultMaxPriceAge          = 100 * time.Second
	DefaultMaxConfidenceBps     = 200
	DefaultCollateralDecimals   = 9
	DefaultDebtDecimals         = 9
)

// ProtocolConfig holds the protocol-wide solvency parameters. Exactly one
// instance exists per store; it is mutated only by Authority.
type ProtocolConfig struct {
	// Authority is the admin identity allowed to update the config.
	Authority crypto.Address
	// DebtToken identifies the single debt-token ledger minted against.
	DebtToken string
	// PriceFeed is the oracle feed reference for the collateral price.
	PriceFeed string
	// MinHealthFactor is the solvency floor scaled by HealthFactorScale.
	MinHealthFactor uint64
	// LiquidationThreshold is the percentage of collateral value counted
	// toward solvency.
	LiquidationThreshold uint64
	// LiquidationBonus is the percentage of seized collateral awarded to
	// liquidators on top of the repaid value.
	LiquidationBonus uint64
	// MaxPriceAge bounds how old an accepted price may be.
	MaxPriceAge time.Duration
	// MaxConfidenceBps bounds confidence/price in basis points. Zero disables
	// the check.
	MaxConfidenceBps   uint64
	CollateralDecimals uint8
	DebtDecimals       uint8
}

// Clone returns a copy of the config.
func (c *ProtocolConfig) Clone() *ProtocolConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if b := c.Authority.Bytes(); len(b) > 0 {
		clone.Authority = crypto.NewAddress(c.Authority.Prefix(), b)
	}
	return &clone
}

// Validate checks the config invariants.
func (c *ProtocolConfig) Validate() error {
	if c == nil {
		return ErrConfigNotFound
	}
	if c.Authority.IsZero() {
		return fmt.Errorf("%w: authority required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DebtToken) == "" {
		return fmt.Errorf("%w: debt token required", ErrInvalidConfig)
	}
	if c.MinHealthFactor == 0 {
		return ErrInvalidHealthFactor
	}
	if c.LiquidationThreshold == 0 || c.LiquidationThreshold > 100 {
		return fmt.Errorf("%w: liquidation threshold must be within 1..100", ErrInvalidConfig)
	}
	if c.LiquidationBonus > 100 {
		return fmt.Errorf("%w: liquidation bonus must not exceed 100", ErrInvalidConfig)
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("%w: max price age must be positive", ErrInvalidConfig)
	}
	if c.MaxConfidenceBps > 10_000 {
		return fmt.Errorf("%w: max confidence exceeds 100%%", ErrInvalidConfig)
	}
	if c.CollateralDecimals > maxTokenDecimals || c.DebtDecimals > maxTokenDecimals {
		return fmt.Errorf("%w: token decimals exceed %d", ErrInvalidConfig, maxTokenDecimals)
	}
	return nil
}

// Position records the collateral held and debt minted by one owner.
type Position struct {
	Owner      crypto.Address
	Collateral uint64
	Debt       uint64
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Collateral: p.Collateral, Debt: p.Debt}
	if b := p.Owner.Bytes(); len(b) > 0 {
		clone.Owner = crypto.NewAddress(p.Owner.Prefix(), b)
	}
	return clone
}

// Empty reports whether the position holds neither collateral nor debt.
func (p *Position) Empty() bool {
	return p == nil || (p.Collateral == 0 && p.Debt == 0)
}

// PriceReading is a validated price produced per operation. It is never
// cached across operations.
type PriceReading struct {
	// Price is fixed-point with PriceDecimals.
	Price uint64
	// Confidence uses the same scale as Price.
	Confidence  uint64
	PublishTime time.Time
}

// LiquidationResult summarises a committed liquidation.
type LiquidationResult struct {
	Repaid           uint64
	CollateralSeized uint64
	Bonus            uint64
	HealthBefore     uint64
	HealthAfter      uint64
	Position         *Position
}
