package state

import (
	"time"

	"stablecoin/crypto"
	"stablecoin/native/stablecoin"
)

var (
	stablecoinConfigKey      = kvKey([]byte("stablecoin/config"))
	stablecoinPositionPrefix = []byte("stablecoin/position/")
)

func positionKey(owner crypto.Address) []byte {
	return kvKey(stablecoinPositionPrefix, owner.Bytes())
}

type storedConfig struct {
	AuthorityPrefix      string
	Authority            []byte
	DebtToken            string
	PriceFeed            string
	MinHealthFactor      uint64
	LiquidationThreshold uint64
	LiquidationBonus     uint64
	MaxPriceAgeNanos     uint64
	MaxConfidenceBps     uint64
	CollateralDecimals   uint8
	DebtDecimals         uint8
}

type storedPosition struct {
	OwnerPrefix string
	Owner       []byte
	Collateral  uint64
	Debt        uint64
}

func decodeAddress(prefix string, raw []byte) (crypto.Address, error) {
	if len(raw) == 0 {
		return crypto.Address{}, nil
	}
	return crypto.ParseAddressBytes(crypto.AddressPrefix(prefix), raw)
}

// GetConfig returns the stablecoin protocol config or nil when it has not
// been initialised.
func (m *Manager) GetConfig() (*stablecoin.ProtocolConfig, error) {
	var rec storedConfig
	ok, err := m.getRLP(stablecoinConfigKey, &rec)
	if err != nil || !ok {
		return nil, err
	}
	authority, err := decodeAddress(rec.AuthorityPrefix, rec.Authority)
	if err != nil {
		return nil, err
	}
	return &stablecoin.ProtocolConfig{
		Authority:            authority,
		DebtToken:            rec.DebtToken,
		PriceFeed:            rec.PriceFeed,
		MinHealthFactor:      rec.MinHealthFactor,
		LiquidationThreshold: rec.LiquidationThreshold,
		LiquidationBonus:     rec.LiquidationBonus,
		MaxPriceAge:          time.Duration(rec.MaxPriceAgeNanos),
		MaxConfidenceBps:     rec.MaxConfidenceBps,
		CollateralDecimals:   rec.CollateralDecimals,
		DebtDecimals:         rec.DebtDecimals,
	}, nil
}

// PutConfig overwrites the stablecoin protocol config.
func (m *Manager) PutConfig(cfg *stablecoin.ProtocolConfig) error {
	if cfg == nil {
		return stablecoin.ErrConfigNotFound
	}
	maxAge := cfg.MaxPriceAge
	if maxAge < 0 {
		maxAge = 0
	}
	return m.putRLP(stablecoinConfigKey, storedConfig{
		AuthorityPrefix:      string(cfg.Authority.Prefix()),
		Authority:            cfg.Authority.Bytes(),
		DebtToken:            cfg.DebtToken,
		PriceFeed:            cfg.PriceFeed,
		MinHealthFactor:      cfg.MinHealthFactor,
		LiquidationThreshold: cfg.LiquidationThreshold,
		LiquidationBonus:     cfg.LiquidationBonus,
		MaxPriceAgeNanos:     uint64(maxAge),
		MaxConfidenceBps:     cfg.MaxConfidenceBps,
		CollateralDecimals:   cfg.CollateralDecimals,
		DebtDecimals:         cfg.DebtDecimals,
	})
}

// GetPosition returns owner's stablecoin position or nil when none exists.
func (m *Manager) GetPosition(owner crypto.Address) (*stablecoin.Position, error) {
	var rec storedPosition
	ok, err := m.getRLP(positionKey(owner), &rec)
	if err != nil || !ok {
		return nil, err
	}
	addr, err := decodeAddress(rec.OwnerPrefix, rec.Owner)
	if err != nil {
		return nil, err
	}
	return &stablecoin.Position{Owner: addr, Collateral: rec.Collateral, Debt: rec.Debt}, nil
}

// PutPosition stores pos. Emptied positions are deleted rather than kept as
// zero records.
func (m *Manager) PutPosition(pos *stablecoin.Position) error {
	if pos == nil || pos.Owner.IsZero() {
		return stablecoin.ErrInvalidOwner
	}
	if pos.Empty() {
		if m == nil || m.db == nil {
			return errNilManager
		}
		return m.db.Delete(positionKey(pos.Owner))
	}
	return m.putRLP(positionKey(pos.Owner), storedPosition{
		OwnerPrefix: string(pos.Owner.Prefix()),
		Owner:       pos.Owner.Bytes(),
		Collateral:  pos.Collateral,
		Debt:        pos.Debt,
	})
}

var _ stablecoin.Store = (*Manager)(nil)
