// Package custody is the in-process token ledger behind stabled. It holds
// collateral in a module vault and mints or burns the debt token, giving the
// solvency engine its external token capabilities.
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"stablecoin/core/events"
	"stablecoin/core/state"
	"stablecoin/crypto"
	"stablecoin/native/stablecoin"
)

// VaultSeed derives the module identity that holds deposited collateral.
const VaultSeed = "stablecoin/collateral-vault"

var (
	// ErrInsufficientFunds is returned when a debit exceeds the holder's
	// balance.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrInvalidAccount    = errors.New("custody: account required")
)

// Bank tracks collateral and debt-token balances in the state manager.
type Bank struct {
	mu         sync.Mutex
	state      *state.Manager
	vault      crypto.Address
	collateral string
	debt       string
	emitter    events.Emitter
}

// NewBank builds a bank for the collateral and debt token symbols.
func NewBank(st *state.Manager, collateralToken, debtToken string) (*Bank, error) {
	if st == nil {
		return nil, fmt.Errorf("custody: state manager required")
	}
	collateral := strings.ToUpper(strings.TrimSpace(collateralToken))
	debt := strings.ToUpper(strings.TrimSpace(debtToken))
	if collateral == "" || debt == "" || collateral == debt {
		return nil, fmt.Errorf("custody: distinct collateral and debt tokens required")
	}
	return &Bank{
		state:      st,
		vault:      crypto.ModuleAddress(VaultSeed),
		collateral: collateral,
		debt:       debt,
		emitter:    events.NoopEmitter{},
	}, nil
}

// SetEmitter wires the sink for token supply events.
func (b *Bank) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	b.emitter = emitter
}

// Vault returns the identity holding deposited collateral.
func (b *Bank) Vault() crypto.Address { return b.vault }

func (b *Bank) CollateralToken() string { return b.collateral }

func (b *Bank) DebtToken() string { return b.debt }

// CollateralBalance returns addr's free collateral.
func (b *Bank) CollateralBalance(addr crypto.Address) (uint64, error) {
	return b.state.Balance(b.collateral, addr)
}

// DebtBalance returns addr's debt-token holding.
func (b *Bank) DebtBalance(addr crypto.Address) (uint64, error) {
	return b.state.Balance(b.debt, addr)
}

// DebtSupply returns the outstanding debt-token supply.
func (b *Bank) DebtSupply() (uint64, error) {
	return b.state.TokenSupply(b.debt)
}

// FundCollateral credits amount of collateral to addr from outside the
// protocol (bridge deposits, faucets).
func (b *Bank) FundCollateral(_ context.Context, addr crypto.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit(b.collateral, addr, amount)
}

// TransferCollateralIn moves collateral from the owner into the vault.
func (b *Bank) TransferCollateralIn(_ context.Context, from crypto.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.collateral, from, b.vault, amount)
}

// TransferCollateralOut releases collateral from the vault to the recipient.
func (b *Bank) TransferCollateralOut(_ context.Context, to crypto.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.collateral, b.vault, to, amount)
}

// MintDebtToken credits newly issued debt tokens to the recipient.
func (b *Bank) MintDebtToken(_ context.Context, to crypto.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to.IsZero() {
		return ErrInvalidAccount
	}
	supply, err := b.state.TokenSupply(b.debt)
	if err != nil {
		return err
	}
	if supply+amount < supply {
		return fmt.Errorf("custody: %s supply overflow", b.debt)
	}
	balance, err := b.state.Balance(b.debt, to)
	if err != nil {
		return err
	}
	if balance+amount < balance {
		return fmt.Errorf("custody: %s balance overflow", b.debt)
	}
	if err := b.state.SetBalance(b.debt, to, balance+amount); err != nil {
		return err
	}
	total, err := b.state.AdjustTokenSupply(b.debt, amount, true)
	if err != nil {
		_ = b.state.SetBalance(b.debt, to, balance)
		return err
	}
	b.emitter.Emit(events.TokenSupply{Token: b.debt, Total: total, Delta: amount, Reason: events.SupplyReasonMint})
	return nil
}

// BurnDebtToken destroys debt tokens held by from.
func (b *Bank) BurnDebtToken(_ context.Context, from crypto.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from.IsZero() {
		return ErrInvalidAccount
	}
	balance, err := b.state.Balance(b.debt, from)
	if err != nil {
		return err
	}
	if amount > balance {
		return fmt.Errorf("%w: %s balance %d < %d", ErrInsufficientFunds, b.debt, balance, amount)
	}
	if err := b.state.SetBalance(b.debt, from, balance-amount); err != nil {
		return err
	}
	total, err := b.state.AdjustTokenSupply(b.debt, amount, false)
	if err != nil {
		_ = b.state.SetBalance(b.debt, from, balance)
		return err
	}
	b.emitter.Emit(events.TokenSupply{Token: b.debt, Total: total, Delta: amount, Reason: events.SupplyReasonBurn})
	return nil
}

func (b *Bank) credit(token string, to crypto.Address, amount uint64) error {
	if to.IsZero() {
		return ErrInvalidAccount
	}
	balance, err := b.state.Balance(token, to)
	if err != nil {
		return err
	}
	if balance+amount < balance {
		return fmt.Errorf("custody: %s balance overflow", token)
	}
	return b.state.SetBalance(token, to, balance+amount)
}

// move debits from and credits to. Both balances are validated before either
// write so a failed transfer leaves them untouched.
func (b *Bank) move(token string, from, to crypto.Address, amount uint64) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAccount
	}
	if amount == 0 || from.Equal(to) {
		return nil
	}
	fromBalance, err := b.state.Balance(token, from)
	if err != nil {
		return err
	}
	if amount > fromBalance {
		return fmt.Errorf("%w: %s balance %d < %d", ErrInsufficientFunds, token, fromBalance, amount)
	}
	toBalance, err := b.state.Balance(token, to)
	if err != nil {
		return err
	}
	if toBalance+amount < toBalance {
		return fmt.Errorf("custody: %s balance overflow", token)
	}
	if err := b.state.SetBalance(token, from, fromBalance-amount); err != nil {
		return err
	}
	if err := b.state.SetBalance(token, to, toBalance+amount); err != nil {
		_ = b.state.SetBalance(token, from, fromBalance)
		return err
	}
	return nil
}

var _ stablecoin.Capabilities = (*Bank)(nil)
