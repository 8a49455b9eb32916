package state

import (
	"fmt"
	"strings"

	"stablecoin/crypto"
)

var (
	tokenSupplyPrefix = []byte("token/supply/")
	balancePrefix     = []byte("token/balance/")
)

func normalizeSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return "", fmt.Errorf("token symbol required")
	}
	return normalized, nil
}

func tokenSupplyKey(symbol string) []byte {
	return kvKey(tokenSupplyPrefix, []byte(symbol))
}

func balanceKey(symbol string, addr crypto.Address) []byte {
	return kvKey(balancePrefix, []byte(symbol), []byte{':'}, addr.Bytes())
}

// TokenSupply returns the persisted total supply for the provided token. Missing
// entries default to zero.
func (m *Manager) TokenSupply(symbol string) (uint64, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	var total uint64
	if _, err := m.getRLP(tokenSupplyKey(normalized), &total); err != nil {
		return 0, err
	}
	return total, nil
}

// AdjustTokenSupply applies a mint (increase) or burn (decrease) of amount and
// returns the updated total. Callers serialise adjustments per token.
func (m *Manager) AdjustTokenSupply(symbol string, amount uint64, increase bool) (uint64, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	total, err := m.TokenSupply(normalized)
	if err != nil {
		return 0, err
	}
	updated, err := applyDelta(total, amount, increase)
	if err != nil {
		return 0, fmt.Errorf("token %s supply: %w", normalized, err)
	}
	if err := m.putRLP(tokenSupplyKey(normalized), updated); err != nil {
		return 0, err
	}
	return updated, nil
}

// Balance returns addr's holding of symbol.
func (m *Manager) Balance(symbol string, addr crypto.Address) (uint64, error) {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	var balance uint64
	if _, err := m.getRLP(balanceKey(normalized, addr), &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// SetBalance overwrites addr's holding of symbol.
func (m *Manager) SetBalance(symbol string, addr crypto.Address, amount uint64) error {
	normalized, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if addr.IsZero() {
		return fmt.Errorf("balance owner required")
	}
	return m.putRLP(balanceKey(normalized, addr), amount)
}

func applyDelta(current, amount uint64, increase bool) (uint64, error) {
	if increase {
		next := current + amount
		if next < current {
			return 0, fmt.Errorf("overflow")
		}
		return next, nil
	}
	if amount > current {
		return 0, fmt.Errorf("underflow: %d exceeds %d", amount, current)
	}
	return current - amount, nil
}
