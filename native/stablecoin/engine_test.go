package stablecoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stablecoin/core/events"
	"stablecoin/crypto"
	nativecommon "stablecoin/native/common"
)

var testNow = time.Unix(1_700_000_000, 0)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(prefix, b)
}

type mockStore struct {
	mu        sync.Mutex
	cfg       *ProtocolConfig
	positions map[string]*Position
	putErr    error
}

func newMockStore() *mockStore {
	return &mockStore{positions: make(map[string]*Position)}
}

func (m *mockStore) GetConfig() (*ProtocolConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clone(), nil
}

func (m *mockStore) PutConfig(cfg *ProtocolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
	return nil
}

func (m *mockStore) GetPosition(owner crypto.Address) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[owner.Key()].Clone(), nil
}

func (m *mockStore) PutPosition(pos *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.positions[pos.Owner.Key()] = pos.Clone()
	return nil
}

// balances is the comparable part of a stored position.
type balances struct {
	Collateral uint64
	Debt       uint64
}

func (m *mockStore) snapshot(owner crypto.Address) balances {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positions[owner.Key()]
	if pos == nil {
		return balances{}
	}
	return balances{Collateral: pos.Collateral, Debt: pos.Debt}
}

// fakeFeed publishes whole-unit prices (expo 0) at a configurable time.
type fakeFeed struct {
	mu    sync.Mutex
	raw   RawPrice
	err   error
	reads int
}

func newFakeFeed(price int64) *fakeFeed {
	return &fakeFeed{raw: RawPrice{Price: price, PublishTime: testNow.Unix()}}
}

func (f *fakeFeed) ReadFeed(string) (RawPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.raw, f.err
}

func (f *fakeFeed) setPrice(price int64) {
	f.mu.Lock()
	f.raw.Price = price
	f.mu.Unlock()
}

type recordingCaps struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newRecordingCaps() *recordingCaps {
	return &recordingCaps{fail: make(map[string]error)}
}

func (c *recordingCaps) record(op string, addr crypto.Address, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[op]; err != nil {
		return err
	}
	c.calls = append(c.calls, fmt.Sprintf("%s:%x:%d", op, addr.Bytes()[:1], amount))
	return nil
}

func (c *recordingCaps) TransferCollateralIn(_ context.Context, from crypto.Address, amount uint64) error {
	return c.record("in", from, amount)
}

func (c *recordingCaps) TransferCollateralOut(_ context.Context, to crypto.Address, amount uint64) error {
	return c.record("out", to, amount)
}

func (c *recordingCaps) MintDebtToken(_ context.Context, to crypto.Address, amount uint64) error {
	return c.record("mint", to, amount)
}

func (c *recordingCaps) BurnDebtToken(_ context.Context, from crypto.Address, amount uint64) error {
	return c.record("burn", from, amount)
}

func (c *recordingCaps) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func expectCalls(t *testing.T, caps *recordingCaps, want ...string) {
	t.Helper()
	got := caps.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s (all %v)", i, want[i], got[i], got)
		}
	}
}

type testHarness struct {
	engine    *Engine
	store     *mockStore
	feed      *fakeFeed
	caps      *recordingCaps
	recorder  *events.Recorder
	authority crypto.Address
}

// newHarness initialises an engine with whole-unit tokens, a 50% threshold,
// a 10% bonus and a minimum health factor of 1.50.
func newHarness(t *testing.T, price int64) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     newMockStore(),
		feed:      newFakeFeed(price),
		caps:      newRecordingCaps(),
		recorder:  &events.Recorder{},
		authority: makeAddress(crypto.UserPrefix, 0xAD),
	}
	h.engine = NewEngine(h.store, h.feed, h.caps)
	h.engine.SetClock(func() time.Time { return testNow })
	h.engine.SetEmitter(h.recorder)
	_, err := h.engine.InitializeConfig(context.Background(), h.authority, "USDS",
		WithMinHealthFactor(150),
		WithLiquidation(50, 10),
		WithOracle("SOL/USD", 100*time.Second, 0),
		WithDecimals(0, 0),
	)
	if err != nil {
		t.Fatalf("initialise config: %v", err)
	}
	return h
}

func TestDepositAndMintHealthy(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)

	pos, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500)
	if err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if pos.Collateral != 10 || pos.Debt != 500 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if got := h.store.snapshot(owner); got.Collateral != 10 || got.Debt != 500 {
		t.Fatalf("unexpected stored position %+v", got)
	}
	expectCalls(t, h.caps, "in:01:10", "mint:01:500")

	hf, _, err := h.engine.Health(owner)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if hf != 300 {
		t.Fatalf("expected health factor 300, got %d", hf)
	}
}

func TestDepositAndMintRejectsUnhealthy(t *testing.T) {
	h := newHarness(t, 100)
	owner := makeAddress(crypto.UserPrefix, 0x01)

	// 10 collateral at 100 is worth 1000; half of that against 500 debt is 1.00.
	_, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500)
	if !errors.Is(err, ErrBelowMinHealthFactor) {
		t.Fatalf("expected ErrBelowMinHealthFactor, got %v", err)
	}
	if got := h.store.snapshot(owner); got != (balances{}) {
		t.Fatalf("expected no position, got %+v", got)
	}
	expectCalls(t, h.caps)
}

func TestDepositAndMintSecondMintBreachesMinimum(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	h.feed.setPrice(100)

	_, err := h.engine.DepositAndMint(context.Background(), owner, 0, 1)
	if !errors.Is(err, ErrBelowMinHealthFactor) {
		t.Fatalf("expected ErrBelowMinHealthFactor, got %v", err)
	}
	if got := h.store.snapshot(owner); got.Collateral != 10 || got.Debt != 500 {
		t.Fatalf("position changed: %+v", got)
	}
}

func TestDepositOnlyNeedsNoHealthCheck(t *testing.T) {
	h := newHarness(t, 1)
	owner := makeAddress(crypto.UserPrefix, 0x02)
	pos, err := h.engine.DepositAndMint(context.Background(), owner, 5, 0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pos.Collateral != 5 || pos.Debt != 0 {
		t.Fatalf("unexpected position %+v", pos)
	}
	expectCalls(t, h.caps, "in:02:5")
}

func TestDepositAndMintRejectsZeroAmounts(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 0, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.engine.DepositAndMint(context.Background(), crypto.Address{}, 1, 0); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}

func TestStalePriceLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	before := h.store.snapshot(owner)
	callsBefore := len(h.caps.recorded())

	h.feed.mu.Lock()
	h.feed.raw.PublishTime = testNow.Add(-101 * time.Second).Unix()
	h.feed.mu.Unlock()

	if _, err := h.engine.DepositAndMint(context.Background(), owner, 1, 1); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("deposit: expected ErrInvalidPrice, got %v", err)
	}
	if _, err := h.engine.RedeemAndBurn(context.Background(), owner, 100, 1); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("redeem: expected ErrInvalidPrice, got %v", err)
	}
	liquidator := makeAddress(crypto.UserPrefix, 0x09)
	if _, err := h.engine.Liquidate(context.Background(), liquidator, owner, 0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("liquidate: expected ErrInvalidPrice, got %v", err)
	}
	if got := h.store.snapshot(owner); got != before {
		t.Fatalf("state changed under stale price: %+v vs %+v", got, before)
	}
	if got := len(h.caps.recorded()); got != callsBefore {
		t.Fatalf("capabilities invoked under stale price")
	}
}

func TestFeedErrorIsInvalidPrice(t *testing.T) {
	h := newHarness(t, 300)
	h.feed.err = errors.New("feed offline")
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestRedeemAndBurn(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	pos, err := h.engine.RedeemAndBurn(context.Background(), owner, 200, 2)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if pos.Collateral != 8 || pos.Debt != 300 {
		t.Fatalf("unexpected position %+v", pos)
	}
	expectCalls(t, h.caps, "in:01:10", "mint:01:500", "burn:01:200", "out:01:2")

	pos, err = h.engine.RedeemAndBurn(context.Background(), owner, 300, 8)
	if err != nil {
		t.Fatalf("full redeem: %v", err)
	}
	if !pos.Empty() {
		t.Fatalf("expected empty position, got %+v", pos)
	}
}

func TestDepositThenRedeemRestoresPosition(t *testing.T) {
	cases := []struct {
		name  string
		start balances
		add   balances
	}{
		{name: "from empty", add: balances{Collateral: 10, Debt: 500}},
		{name: "both amounts", start: balances{Collateral: 10, Debt: 500}, add: balances{Collateral: 7, Debt: 123}},
		{name: "collateral only", start: balances{Collateral: 10, Debt: 500}, add: balances{Collateral: 5}},
		{name: "debt up to the minimum", start: balances{Collateral: 10, Debt: 500}, add: balances{Debt: 500}},
		{name: "debt-free start", start: balances{Collateral: 3}, add: balances{Collateral: 1, Debt: 99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 300)
			owner := makeAddress(crypto.UserPrefix, 0x01)
			ctx := context.Background()
			if tc.start != (balances{}) {
				if _, err := h.engine.DepositAndMint(ctx, owner, tc.start.Collateral, tc.start.Debt); err != nil {
					t.Fatalf("open position: %v", err)
				}
			}
			before := h.store.snapshot(owner)

			if _, err := h.engine.DepositAndMint(ctx, owner, tc.add.Collateral, tc.add.Debt); err != nil {
				t.Fatalf("deposit and mint: %v", err)
			}
			if _, err := h.engine.RedeemAndBurn(ctx, owner, tc.add.Debt, tc.add.Collateral); err != nil {
				t.Fatalf("redeem and burn: %v", err)
			}
			if got := h.store.snapshot(owner); got != before {
				t.Fatalf("expected %+v after round trip, got %+v", before, got)
			}
		})
	}
}

func TestRedeemRejectsOverdraw(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if _, err := h.engine.RedeemAndBurn(context.Background(), owner, 0, 11); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for collateral, got %v", err)
	}
	if _, err := h.engine.RedeemAndBurn(context.Background(), owner, 501, 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for debt, got %v", err)
	}
	if got := h.store.snapshot(owner); got.Collateral != 10 || got.Debt != 500 {
		t.Fatalf("position changed: %+v", got)
	}
}

func TestRedeemChecksFinalStateBeforeEffects(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	callsBefore := len(h.caps.recorded())

	// Withdrawing 6 leaves 4*300*50/500 = 120 < 150.
	if _, err := h.engine.RedeemAndBurn(context.Background(), owner, 0, 6); !errors.Is(err, ErrBelowMinHealthFactor) {
		t.Fatalf("expected ErrBelowMinHealthFactor, got %v", err)
	}
	if got := len(h.caps.recorded()); got != callsBefore {
		t.Fatalf("capabilities invoked before health check")
	}
	if got := h.store.snapshot(owner); got.Collateral != 10 || got.Debt != 500 {
		t.Fatalf("position changed: %+v", got)
	}
}

func TestMintFailureReversesCollateralTransfer(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	h.caps.fail["mint"] = errors.New("mint authority revoked")

	_, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500)
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	expectCalls(t, h.caps, "in:01:10", "out:01:10")
	if got := h.store.snapshot(owner); got != (balances{}) {
		t.Fatalf("position committed after failure: %+v", got)
	}
}

func TestWithdrawFailureReversesBurn(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	h.caps.fail["out"] = errors.New("vault frozen")

	_, err := h.engine.RedeemAndBurn(context.Background(), owner, 100, 1)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	expectCalls(t, h.caps, "in:01:10", "mint:01:500", "burn:01:100", "mint:01:100")
	if got := h.store.snapshot(owner); got.Collateral != 10 || got.Debt != 500 {
		t.Fatalf("position changed: %+v", got)
	}
}

func TestCommitFailureReversesAllEffects(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	h.store.putErr = errors.New("disk full")

	_, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500)
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	expectCalls(t, h.caps, "in:01:10", "mint:01:500", "burn:01:500", "out:01:10")
}

func TestCompensationFailureIsReported(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	h.caps.fail["mint"] = errors.New("mint down")
	h.caps.fail["out"] = errors.New("vault frozen")

	_, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500)
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if err.Error() == ErrMintFailed.Error() {
		t.Fatalf("expected compensation failure to be joined, got %v", err)
	}
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	h.engine.SetPauses(nativecommon.NewPauses(moduleName))

	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 0); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.RedeemAndBurn(context.Background(), owner, 0, 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	expectCalls(t, h.caps)
}

func TestPositionReturnsCopy(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 100); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	pos, err := h.engine.Position(owner)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	pos.Collateral = 0
	if got := h.store.snapshot(owner); got.Collateral != 10 {
		t.Fatalf("mutation leaked into store: %+v", got)
	}

	unknown, err := h.engine.Position(makeAddress(crypto.UserPrefix, 0x55))
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !unknown.Empty() {
		t.Fatalf("expected empty position, got %+v", unknown)
	}
}

func TestEventsEmittedOnCommit(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)
	if _, err := h.engine.DepositAndMint(context.Background(), owner, 10, 500); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	h.feed.setPrice(1)
	_, _ = h.engine.DepositAndMint(context.Background(), owner, 0, 1)

	recorded := h.recorder.Events()
	if len(recorded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recorded))
	}
	if recorded[0].Type != events.TypeConfigInitialized {
		t.Fatalf("unexpected first event %s", recorded[0].Type)
	}
	evt := recorded[1]
	if evt.Type != events.TypePositionUpdated {
		t.Fatalf("unexpected event %s", evt.Type)
	}
	if evt.Attributes["action"] != events.ActionDepositAndMint || evt.Attributes["debt"] != "500" {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}

func TestConcurrentDistinctOwners(t *testing.T) {
	h := newHarness(t, 300)
	const owners = 32

	var wg sync.WaitGroup
	errs := make(chan error, owners)
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()
			owner := makeAddress(crypto.UserPrefix, fill)
			for j := 0; j < 5; j++ {
				if _, err := h.engine.DepositAndMint(context.Background(), owner, 2, 100); err != nil {
					errs <- err
					return
				}
			}
		}(byte(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent deposit: %v", err)
	}
	for i := 0; i < owners; i++ {
		got := h.store.snapshot(makeAddress(crypto.UserPrefix, byte(i+1)))
		if got.Collateral != 10 || got.Debt != 500 {
			t.Fatalf("owner %d: unexpected position %+v", i+1, got)
		}
	}
	if len(h.engine.ledger.locks) != 0 {
		t.Fatalf("expected owner locks to be released, %d remain", len(h.engine.ledger.locks))
	}
}

func TestConcurrentSameOwnerSerialises(t *testing.T) {
	h := newHarness(t, 300)
	owner := makeAddress(crypto.UserPrefix, 0x01)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.DepositAndMint(context.Background(), owner, 1, 0)
		}()
	}
	wg.Wait()
	if got := h.store.snapshot(owner); got.Collateral != 50 {
		t.Fatalf("expected collateral 50, got %d", got.Collateral)
	}
}
