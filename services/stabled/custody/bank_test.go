package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	"stablecoin/core/events"
	"stablecoin/core/state"
	"stablecoin/crypto"
	"stablecoin/native/stablecoin"
	"stablecoin/storage"
)

func addr(fill byte) crypto.Address {
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(crypto.UserPrefix, b)
}

func newBank(t *testing.T) (*Bank, *state.Manager, *events.Recorder) {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	bank, err := NewBank(st, "sol", "usds")
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	recorder := &events.Recorder{}
	bank.SetEmitter(recorder)
	return bank, st, recorder
}

func TestCollateralMovesThroughVault(t *testing.T) {
	bank, _, _ := newBank(t)
	ctx := context.Background()
	owner := addr(0x01)

	if err := bank.FundCollateral(ctx, owner, 100); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := bank.TransferCollateralIn(ctx, owner, 60); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if got, _ := bank.CollateralBalance(owner); got != 40 {
		t.Fatalf("expected owner balance 40, got %d", got)
	}
	if got, _ := bank.CollateralBalance(bank.Vault()); got != 60 {
		t.Fatalf("expected vault balance 60, got %d", got)
	}
	if err := bank.TransferCollateralIn(ctx, owner, 41); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := bank.TransferCollateralOut(ctx, owner, 61); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := bank.TransferCollateralOut(ctx, owner, 60); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if got, _ := bank.CollateralBalance(owner); got != 100 {
		t.Fatalf("expected owner balance 100, got %d", got)
	}
}

func TestDebtMintBurnTracksSupply(t *testing.T) {
	bank, _, recorder := newBank(t)
	ctx := context.Background()
	holder := addr(0x02)

	if err := bank.MintDebtToken(ctx, holder, 500); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := bank.BurnDebtToken(ctx, holder, 200); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := bank.BurnDebtToken(ctx, holder, 301); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	supply, err := bank.DebtSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply != 300 {
		t.Fatalf("expected supply 300, got %d", supply)
	}
	if got, _ := bank.DebtBalance(holder); got != 300 {
		t.Fatalf("expected balance 300, got %d", got)
	}

	recorded := recorder.Events()
	if len(recorded) != 2 {
		t.Fatalf("expected 2 supply events, got %d", len(recorded))
	}
	if recorded[0].Attributes["reason"] != events.SupplyReasonMint || recorded[1].Attributes["total"] != "300" {
		t.Fatalf("unexpected supply events %+v %+v", recorded[0], recorded[1])
	}
}

func TestNewBankValidatesTokens(t *testing.T) {
	st := state.NewManager(storage.NewMemDB())
	if _, err := NewBank(st, "USDS", "usds"); err == nil {
		t.Fatalf("expected error for identical tokens")
	}
	if _, err := NewBank(nil, "SOL", "USDS"); err == nil {
		t.Fatalf("expected error for missing state")
	}
}

// TestEngineOverBank runs the full deposit, liquidation and redemption flow
// against persisted state.
func TestEngineOverBank(t *testing.T) {
	bank, st, _ := newBank(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	price := int64(300)
	feed := stablecoin.FeedReaderFunc(func(string) (stablecoin.RawPrice, error) {
		return stablecoin.RawPrice{Price: price, PublishTime: now.Unix()}, nil
	})

	engine := stablecoin.NewEngine(st, feed, bank)
	engine.SetClock(func() time.Time { return now })
	authority := addr(0xAD)
	if _, err := engine.InitializeConfig(ctx, authority, "USDS",
		stablecoin.WithMinHealthFactor(150),
		stablecoin.WithLiquidation(50, 10),
		stablecoin.WithOracle("SOL/USD", time.Minute, 0),
		stablecoin.WithDecimals(0, 0),
	); err != nil {
		t.Fatalf("init config: %v", err)
	}

	owner, liquidator := addr(0x01), addr(0x02)
	if err := bank.FundCollateral(ctx, owner, 10); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := engine.DepositAndMint(ctx, owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	// Over-depositing fails in the bank and leaves the position untouched.
	if _, err := engine.DepositAndMint(ctx, owner, 1, 0); !errors.Is(err, stablecoin.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	price = 100
	if err := bank.MintDebtToken(ctx, liquidator, 400); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	res, err := engine.Liquidate(ctx, liquidator, owner, 400)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.CollateralSeized != 4 {
		t.Fatalf("expected 4 seized, got %d", res.CollateralSeized)
	}
	if got, _ := bank.CollateralBalance(liquidator); got != 4 {
		t.Fatalf("expected liquidator collateral 4, got %d", got)
	}
	if got, _ := bank.DebtBalance(liquidator); got != 0 {
		t.Fatalf("expected liquidator debt tokens burned, got %d", got)
	}

	if _, err := engine.RedeemAndBurn(ctx, owner, 100, 6); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got, _ := bank.CollateralBalance(owner); got != 6 {
		t.Fatalf("expected owner collateral 6, got %d", got)
	}
	if got, _ := bank.CollateralBalance(bank.Vault()); got != 0 {
		t.Fatalf("expected empty vault, got %d", got)
	}
	supply, _ := bank.DebtSupply()
	if supply != 400 {
		t.Fatalf("expected outstanding supply 400, got %d", supply)
	}
}
