package events

import (
	"strconv"
	"strings"

	"stablecoin/core/types"
)

const (
	TypeConfigInitialized  = "stablecoin.config.initialized"
	TypeConfigUpdated      = "stablecoin.config.updated"
	TypePositionUpdated    = "stablecoin.position.updated"
	TypePositionLiquidated = "stablecoin.position.liquidated"

	ActionDepositAndMint = "deposit_and_mint"
	ActionRedeemAndBurn  = "redeem_and_burn"
)

// ConfigInitialized records creation of the protocol config.
type ConfigInitialized struct {
	Authority       string
	DebtToken       string
	PriceFeed       string
	MinHealthFactor uint64
}

func (ConfigInitialized) EventType() string { return TypeConfigInitialized }

func (e ConfigInitialized) Event() *types.Event {
	return &types.Event{
		Type: TypeConfigInitialized,
		Attributes: map[string]string{
			"authority":       e.Authority,
			"debtToken":       normalizeAsset(e.DebtToken),
			"priceFeed":       strings.TrimSpace(e.PriceFeed),
			"minHealthFactor": strconv.FormatUint(e.MinHealthFactor, 10),
		},
	}
}

// ConfigUpdated records an admin change of the minimum health factor.
type ConfigUpdated struct {
	Authority          string
	OldMinHealthFactor uint64
	NewMinHealthFactor uint64
}

func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

func (e ConfigUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeConfigUpdated,
		Attributes: map[string]string{
			"authority":          e.Authority,
			"oldMinHealthFactor": strconv.FormatUint(e.OldMinHealthFactor, 10),
			"newMinHealthFactor": strconv.FormatUint(e.NewMinHealthFactor, 10),
		},
	}
}

// PositionUpdated records a committed deposit/mint or redeem/burn.
type PositionUpdated struct {
	Owner           string
	Action          string
	CollateralDelta uint64
	DebtDelta       uint64
	Collateral      uint64
	Debt            uint64
	HealthFactor    uint64
	Price           uint64
}

func (PositionUpdated) EventType() string { return TypePositionUpdated }

func (e PositionUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionUpdated,
		Attributes: map[string]string{
			"owner":           e.Owner,
			"action":          e.Action,
			"collateralDelta": strconv.FormatUint(e.CollateralDelta, 10),
			"debtDelta":       strconv.FormatUint(e.DebtDelta, 10),
			"collateral":      strconv.FormatUint(e.Collateral, 10),
			"debt":            strconv.FormatUint(e.Debt, 10),
			"healthFactor":    strconv.FormatUint(e.HealthFactor, 10),
			"price":           strconv.FormatUint(e.Price, 10),
		},
	}
}

// PositionLiquidated records a committed liquidation.
type PositionLiquidated struct {
	Liquidator       string
	Owner            string
	Repaid           uint64
	CollateralSeized uint64
	Bonus            uint64
	HealthBefore     uint64
	HealthAfter      uint64
	Price            uint64
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionLiquidated,
		Attributes: map[string]string{
			"liquidator":       e.Liquidator,
			"owner":            e.Owner,
			"repaid":           strconv.FormatUint(e.Repaid, 10),
			"collateralSeized": strconv.FormatUint(e.CollateralSeized, 10),
			"bonus":            strconv.FormatUint(e.Bonus, 10),
			"healthBefore":     strconv.FormatUint(e.HealthBefore, 10),
			"healthAfter":      strconv.FormatUint(e.HealthAfter, 10),
			"price":            strconv.FormatUint(e.Price, 10),
		},
	}
}
