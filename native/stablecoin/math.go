package stablecoin

import "github.com/holiman/uint256"

const percent = 100

var powersOfTen = func() []*uint256.Int {
	// PriceDecimals plus the largest token precision bounds every exponent
	// the engine asks for.
	table := make([]*uint256.Int, PriceDecimals+2*maxTokenDecimals+1)
	ten := uint256.NewInt(10)
	table[0] = uint256.NewInt(1)
	for i := 1; i < len(table); i++ {
		table[i] = new(uint256.Int).Mul(table[i-1], ten)
	}
	return table
}()

func pow10(n int) *uint256.Int {
	return new(uint256.Int).Set(powersOfTen[n])
}

// saturate narrows a 256-bit value to uint64, clamping at the maximum.
func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

func addUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// collateralValue converts a collateral amount into debt-token base units at
// the supplied price.
func collateralValue(collateral, price uint64, cfg *ProtocolConfig) *uint256.Int {
	value := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(price))
	value.Mul(value, pow10(int(cfg.DebtDecimals)))
	return value.Div(value, pow10(PriceDecimals+int(cfg.CollateralDecimals)))
}

// CollateralValue returns the debt-token denominated value of collateral,
// saturating at the uint64 maximum.
func CollateralValue(collateral uint64, price PriceReading, cfg *ProtocolConfig) uint64 {
	if cfg == nil {
		return 0
	}
	return saturate(collateralValue(collateral, price.Price, cfg))
}

// DebtToCollateral converts a debt-token amount into collateral base units at
// the supplied price, truncating toward zero.
func DebtToCollateral(debt uint64, price PriceReading, cfg *ProtocolConfig) uint64 {
	if cfg == nil || price.Price == 0 {
		return 0
	}
	amount := new(uint256.Int).Mul(uint256.NewInt(debt), pow10(PriceDecimals+int(cfg.CollateralDecimals)))
	denom := new(uint256.Int).Mul(uint256.NewInt(price.Price), pow10(int(cfg.DebtDecimals)))
	return saturate(amount.Div(amount, denom))
}

// percentOf returns amount*pct/100 without intermediate overflow.
func percentOf(amount, pct uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(pct))
	return saturate(v.Div(v, uint256.NewInt(percent)))
}
