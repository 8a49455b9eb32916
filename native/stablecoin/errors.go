package stablecoin

import "errors"

var (
	// ErrInvalidPrice is returned when the price feed is missing, stale,
	// low-confidence or non-positive. Nothing is mutated.
	ErrInvalidPrice = errors.New("stablecoin: invalid price")
	// ErrBelowMinHealthFactor rejects an operation whose resulting position
	// would be under-collateralised.
	ErrBelowMinHealthFactor = errors.New("stablecoin: below minimum health factor")
	// ErrAboveMinimumHealthFactor rejects liquidation of a healthy position.
	ErrAboveMinimumHealthFactor = errors.New("stablecoin: above minimum health factor, cannot liquidate a healthy position")
	// ErrInsufficientBalance is returned when a withdrawal or burn exceeds the
	// recorded position balances.
	ErrInsufficientBalance = errors.New("stablecoin: insufficient balance")
	// ErrUnauthorized is returned when a non-admin attempts to mutate config.
	ErrUnauthorized = errors.New("stablecoin: unauthorized")

	ErrConfigExists        = errors.New("stablecoin: config already initialised")
	ErrConfigNotFound      = errors.New("stablecoin: config not initialised")
	ErrInvalidHealthFactor = errors.New("stablecoin: minimum health factor must be positive")
	ErrInvalidConfig       = errors.New("stablecoin: invalid config")
	ErrInvalidAmount       = errors.New("stablecoin: invalid amount")
	ErrInvalidOwner        = errors.New("stablecoin: owner identity required")
	ErrSelfLiquidation     = errors.New("stablecoin: cannot liquidate own position")

	// Capability failures. Implementations of Capabilities may return any
	// error; the engine wraps it with the matching kind.
	ErrTransferFailed = errors.New("stablecoin: collateral transfer failed")
	ErrMintFailed     = errors.New("stablecoin: debt token mint failed")
	ErrBurnFailed     = errors.New("stablecoin: debt token burn failed")

	errNilStore = errors.New("stablecoin: state not configured")
	errNilFeed  = errors.New("stablecoin: price feed not configured")
	errNilCaps  = errors.New("stablecoin: capabilities not configured")
)

// Reason maps an error onto a stable label used in metrics and audit records.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrBelowMinHealthFactor):
		return "below_min_health_factor"
	case errors.Is(err, ErrAboveMinimumHealthFactor):
		return "above_min_health_factor"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConfigExists):
		return "config_exists"
	case errors.Is(err, ErrConfigNotFound):
		return "config_not_found"
	case errors.Is(err, ErrInvalidHealthFactor), errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, ErrSelfLiquidation):
		return "self_liquidation"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrBurnFailed):
		return "burn_failed"
	default:
		return "internal"
	}
}
