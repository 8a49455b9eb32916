package stablecoin

import (
	"fmt"

	"github.com/holiman/uint256"
)

// HealthFactor computes the scaled solvency ratio of a position:
//
//	collateral value * LiquidationThreshold / debt
//
// where HealthFactorScale (100) represents a ratio of 1.00. Debt-free
// positions report MaxHealthFactor. Results saturate at MaxHealthFactor.
func HealthFactor(collateral, debt uint64, price PriceReading, cfg *ProtocolConfig) uint64 {
	if debt == 0 {
		return MaxHealthFactor
	}
	if cfg == nil {
		return 0
	}
	value := collateralValue(collateral, price.Price, cfg)
	value.Mul(value, uint256.NewInt(cfg.LiquidationThreshold))
	value.Div(value, uint256.NewInt(debt))
	return saturate(value)
}

// Healthy reports whether the position satisfies the configured minimum.
func Healthy(pos *Position, cfg *ProtocolConfig, price PriceReading) bool {
	return CheckHealthFactor(pos, cfg, price) == nil
}

// CheckHealthFactor returns ErrBelowMinHealthFactor when the position's health
// factor is under cfg.MinHealthFactor.
func CheckHealthFactor(pos *Position, cfg *ProtocolConfig, price PriceReading) error {
	if cfg == nil {
		return ErrConfigNotFound
	}
	if pos == nil || pos.Debt == 0 {
		return nil
	}
	hf := HealthFactor(pos.Collateral, pos.Debt, price, cfg)
	if hf < cfg.MinHealthFactor {
		return fmt.Errorf("%w: health factor %d < %d", ErrBelowMinHealthFactor, hf, cfg.MinHealthFactor)
	}
	return nil
}
