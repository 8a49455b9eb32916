package stablecoin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablecoin/core/events"
	"stablecoin/crypto"
	nativecommon "stablecoin/native/common"
	"stablecoin/observability"
)

const moduleName = "stablecoin"

const (
	opInitializeConfig = "initialize_config"
	opUpdateConfig     = "update_config"
	opDepositAndMint   = "deposit_and_mint"
	opRedeemAndBurn    = "redeem_and_burn"
	opLiquidate        = "liquidate"
)

// Capabilities are the external token effects the engine invokes. They are
// irreversible from the engine's point of view; the engine only calls them
// after the staged position passed every check.
type Capabilities interface {
	TransferCollateralIn(ctx context.Context, from crypto.Address, amount uint64) error
	TransferCollateralOut(ctx context.Context, to crypto.Address, amount uint64) error
	MintDebtToken(ctx context.Context, to crypto.Address, amount uint64) error
	BurnDebtToken(ctx context.Context, from crypto.Address, amount uint64) error
}

// Engine orchestrates deposit/mint, redeem/burn and liquidation against the
// position ledger.
type Engine struct {
	store  Store
	ledger *Ledger
	feed   FeedReader
	caps   Capabilities

	// cfgMu serialises config writers; readers take a copy per operation.
	cfgMu sync.Mutex

	pauses  nativecommon.PauseView
	emitter events.Emitter
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.StablecoinMetrics
	tracer  trace.Tracer
}

// NewEngine constructs an engine over the supplied store, price feed and
// token capabilities.
func NewEngine(store Store, feed FeedReader, caps Capabilities) *Engine {
	return &Engine{
		store:   store,
		ledger:  NewLedger(store),
		feed:    feed,
		caps:    caps,
		emitter: events.NoopEmitter{},
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.Stablecoin(),
		tracer:  otel.Tracer("native/stablecoin"),
	}
}

// SetPauses installs the pause view consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter wires the event sink used for committed state changes.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the clock used to judge price freshness.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetLogger replaces the engine logger. A nil logger is ignored.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// InitializeConfig creates the protocol config singleton.
func (e *Engine) InitializeConfig(ctx context.Context, authority crypto.Address, debtToken string, opts ...ConfigOption) (cfg *ProtocolConfig, err error) {
	_, span, done := e.begin(ctx, opInitializeConfig)
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("authority", authority.String()))
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	cfg, err = InitializeConfig(e.store, authority, debtToken, opts...)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.ConfigInitialized{
		Authority:       cfg.Authority.String(),
		DebtToken:       cfg.DebtToken,
		PriceFeed:       cfg.PriceFeed,
		MinHealthFactor: cfg.MinHealthFactor,
	})
	e.logger.Info("stablecoin: config initialised", "authority", cfg.Authority.String(), "debt_token", cfg.DebtToken, "min_health_factor", cfg.MinHealthFactor)
	return cfg, nil
}

// UpdateConfig changes the minimum health factor on behalf of caller.
func (e *Engine) UpdateConfig(ctx context.Context, caller crypto.Address, minHealthFactor uint64) (cfg *ProtocolConfig, err error) {
	_, span, done := e.begin(ctx, opUpdateConfig)
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("min_health_factor", strconv.FormatUint(minHealthFactor, 10)))
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	previous, err := LoadConfig(e.store)
	if err != nil {
		return nil, err
	}
	cfg, err = UpdateConfig(e.store, caller, minHealthFactor)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			e.logger.Warn("stablecoin: unauthorised config update", "caller", caller.String())
		}
		return nil, err
	}
	e.emitter.Emit(events.ConfigUpdated{
		Authority:          cfg.Authority.String(),
		OldMinHealthFactor: previous.MinHealthFactor,
		NewMinHealthFactor: cfg.MinHealthFactor,
	})
	return cfg, nil
}

// Config returns a copy of the current protocol config.
func (e *Engine) Config() (*ProtocolConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return LoadConfig(e.store)
}

// Position returns a copy of owner's position. Unknown owners yield an empty
// position.
func (e *Engine) Position(owner crypto.Address) (*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.ledger.Lock(owner)
	defer unlock()
	return e.ledger.Load(owner)
}

// Health reports owner's health factor at the current validated price.
func (e *Engine) Health(owner crypto.Address) (uint64, PriceReading, error) {
	cfg, err := e.Config()
	if err != nil {
		return 0, PriceReading{}, err
	}
	price, err := readPrice(e.feed, cfg, e.clock())
	if err != nil {
		return 0, PriceReading{}, err
	}
	pos, err := e.Position(owner)
	if err != nil {
		return 0, PriceReading{}, err
	}
	return HealthFactor(pos.Collateral, pos.Debt, price, cfg), price, nil
}

// DepositAndMint deposits amountCollateral and mints amountDebt to owner as a
// single all-or-nothing operation. The resulting position must satisfy the
// minimum health factor.
func (e *Engine) DepositAndMint(ctx context.Context, owner crypto.Address, amountCollateral, amountDebt uint64) (pos *Position, err error) {
	ctx, span, done := e.begin(ctx, opDepositAndMint)
	defer func() { done(err) }()
	span.SetAttributes(
		attribute.String("owner", owner.String()),
		attribute.String("collateral", strconv.FormatUint(amountCollateral, 10)),
		attribute.String("debt", strconv.FormatUint(amountDebt, 10)),
	)
	if err := e.preflight(owner); err != nil {
		return nil, err
	}
	if amountCollateral == 0 && amountDebt == 0 {
		return nil, ErrInvalidAmount
	}
	cfg, err := LoadConfig(e.store)
	if err != nil {
		return nil, err
	}
	price, err := readPrice(e.feed, cfg, e.clock())
	if err != nil {
		return nil, err
	}

	unlock := e.ledger.Lock(owner)
	defer unlock()

	current, err := e.ledger.Load(owner)
	if err != nil {
		return nil, err
	}
	staged := current.Clone()
	var ok bool
	if staged.Collateral, ok = addUint64(current.Collateral, amountCollateral); !ok {
		return nil, fmt.Errorf("%w: collateral overflow", ErrInvalidAmount)
	}
	if staged.Debt, ok = addUint64(current.Debt, amountDebt); !ok {
		return nil, fmt.Errorf("%w: debt overflow", ErrInvalidAmount)
	}
	if err := CheckHealthFactor(staged, cfg, price); err != nil {
		return nil, err
	}

	undo := &rollback{}
	if amountCollateral > 0 {
		if err := e.caps.TransferCollateralIn(ctx, owner, amountCollateral); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		undo.push(func(ctx context.Context) error {
			return e.caps.TransferCollateralOut(ctx, owner, amountCollateral)
		})
	}
	if amountDebt > 0 {
		if err := e.caps.MintDebtToken(ctx, owner, amountDebt); err != nil {
			return nil, e.abort(ctx, opDepositAndMint, undo, fmt.Errorf("%w: %w", ErrMintFailed, err))
		}
		undo.push(func(ctx context.Context) error {
			return e.caps.BurnDebtToken(ctx, owner, amountDebt)
		})
	}
	if err := e.ledger.Commit(staged); err != nil {
		return nil, e.abort(ctx, opDepositAndMint, undo, err)
	}

	hf := HealthFactor(staged.Collateral, staged.Debt, price, cfg)
	e.committed(opDepositAndMint, staged, hf)
	e.emitter.Emit(events.PositionUpdated{
		Owner:           owner.String(),
		Action:          events.ActionDepositAndMint,
		CollateralDelta: amountCollateral,
		DebtDelta:       amountDebt,
		Collateral:      staged.Collateral,
		Debt:            staged.Debt,
		HealthFactor:    hf,
		Price:           price.Price,
	})
	return staged.Clone(), nil
}

// RedeemAndBurn burns amountDebt and withdraws amountCollateral for owner.
// The health check sees the final intended state before any irreversible
// burn or withdrawal is executed.
func (e *Engine) RedeemAndBurn(ctx context.Context, owner crypto.Address, amountDebt, amountCollateral uint64) (pos *Position, err error) {
	ctx, span, done := e.begin(ctx, opRedeemAndBurn)
	defer func() { done(err) }()
	span.SetAttributes(
		attribute.String("owner", owner.String()),
		attribute.String("collateral", strconv.FormatUint(amountCollateral, 10)),
		attribute.String("debt", strconv.FormatUint(amountDebt, 10)),
	)
	if err := e.preflight(owner); err != nil {
		return nil, err
	}
	if amountCollateral == 0 && amountDebt == 0 {
		return nil, ErrInvalidAmount
	}
	cfg, err := LoadConfig(e.store)
	if err != nil {
		return nil, err
	}

	unlock := e.ledger.Lock(owner)
	defer unlock()

	current, err := e.ledger.Load(owner)
	if err != nil {
		return nil, err
	}
	if amountCollateral > current.Collateral {
		return nil, fmt.Errorf("%w: withdraw %d exceeds collateral %d", ErrInsufficientBalance, amountCollateral, current.Collateral)
	}
	if amountDebt > current.Debt {
		return nil, fmt.Errorf("%w: burn %d exceeds debt %d", ErrInsufficientBalance, amountDebt, current.Debt)
	}
	staged := current.Clone()
	staged.Collateral -= amountCollateral
	staged.Debt -= amountDebt

	price, err := readPrice(e.feed, cfg, e.clock())
	if err != nil {
		return nil, err
	}
	if err := CheckHealthFactor(staged, cfg, price); err != nil {
		return nil, err
	}

	undo := &rollback{}
	if amountDebt > 0 {
		if err := e.caps.BurnDebtToken(ctx, owner, amountDebt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBurnFailed, err)
		}
		undo.push(func(ctx context.Context) error {
			return e.caps.MintDebtToken(ctx, owner, amountDebt)
		})
	}
	if amountCollateral > 0 {
		if err := e.caps.TransferCollateralOut(ctx, owner, amountCollateral); err != nil {
			return nil, e.abort(ctx, opRedeemAndBurn, undo, fmt.Errorf("%w: %w", ErrTransferFailed, err))
		}
		undo.push(func(ctx context.Context) error {
			return e.caps.TransferCollateralIn(ctx, owner, amountCollateral)
		})
	}
	if err := e.ledger.Commit(staged); err != nil {
		return nil, e.abort(ctx, opRedeemAndBurn, undo, err)
	}

	hf := HealthFactor(staged.Collateral, staged.Debt, price, cfg)
	e.committed(opRedeemAndBurn, staged, hf)
	e.emitter.Emit(events.PositionUpdated{
		Owner:           owner.String(),
		Action:          events.ActionRedeemAndBurn,
		CollateralDelta: amountCollateral,
		DebtDelta:       amountDebt,
		Collateral:      staged.Collateral,
		Debt:            staged.Debt,
		HealthFactor:    hf,
		Price:           price.Price,
	})
	return staged.Clone(), nil
}

// Liquidate lets liquidator repay up to repayAmount of target's debt in
// exchange for the equivalent collateral plus the liquidation bonus. A zero
// repayAmount repays the whole debt. Healthy positions cannot be liquidated
// and a partial liquidation must leave the position healthy.
func (e *Engine) Liquidate(ctx context.Context, liquidator, target crypto.Address, repayAmount uint64) (res LiquidationResult, err error) {
	ctx, span, done := e.begin(ctx, opLiquidate)
	defer func() { done(err) }()
	span.SetAttributes(
		attribute.String("liquidator", liquidator.String()),
		attribute.String("target", target.String()),
		attribute.String("repay", strconv.FormatUint(repayAmount, 10)),
	)
	if err := e.preflight(liquidator); err != nil {
		return LiquidationResult{}, err
	}
	if target.IsZero() {
		return LiquidationResult{}, ErrInvalidOwner
	}
	if liquidator.Equal(target) {
		return LiquidationResult{}, ErrSelfLiquidation
	}
	cfg, err := LoadConfig(e.store)
	if err != nil {
		return LiquidationResult{}, err
	}
	price, err := readPrice(e.feed, cfg, e.clock())
	if err != nil {
		return LiquidationResult{}, err
	}

	unlock := e.ledger.Lock(target)
	defer unlock()

	current, err := e.ledger.Load(target)
	if err != nil {
		return LiquidationResult{}, err
	}
	before := HealthFactor(current.Collateral, current.Debt, price, cfg)
	if before >= cfg.MinHealthFactor {
		return LiquidationResult{}, fmt.Errorf("%w: health factor %d >= %d", ErrAboveMinimumHealthFactor, before, cfg.MinHealthFactor)
	}

	repay := repayAmount
	if repay == 0 || repay > current.Debt {
		repay = current.Debt
	}
	seized := DebtToCollateral(repay, price, cfg)
	bonus := percentOf(seized, cfg.LiquidationBonus)
	total, ok := addUint64(seized, bonus)
	if !ok || total > current.Collateral {
		total = current.Collateral
	}
	if total < seized {
		bonus = 0
	} else {
		bonus = total - seized
	}

	staged := current.Clone()
	staged.Debt -= repay
	staged.Collateral -= total
	if staged.Debt > 0 {
		if err := CheckHealthFactor(staged, cfg, price); err != nil {
			e.logger.Warn("stablecoin: partial liquidation leaves position unhealthy",
				"target", target.String(), "repay", repay, "error", err)
			return LiquidationResult{}, err
		}
	}

	undo := &rollback{}
	if err := e.caps.BurnDebtToken(ctx, liquidator, repay); err != nil {
		return LiquidationResult{}, fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}
	undo.push(func(ctx context.Context) error {
		return e.caps.MintDebtToken(ctx, liquidator, repay)
	})
	if total > 0 {
		if err := e.caps.TransferCollateralOut(ctx, liquidator, total); err != nil {
			return LiquidationResult{}, e.abort(ctx, opLiquidate, undo, fmt.Errorf("%w: %w", ErrTransferFailed, err))
		}
		undo.push(func(ctx context.Context) error {
			return e.caps.TransferCollateralIn(ctx, liquidator, total)
		})
	}
	if err := e.ledger.Commit(staged); err != nil {
		return LiquidationResult{}, e.abort(ctx, opLiquidate, undo, err)
	}

	after := HealthFactor(staged.Collateral, staged.Debt, price, cfg)
	res = LiquidationResult{
		Repaid:           repay,
		CollateralSeized: total,
		Bonus:            bonus,
		HealthBefore:     before,
		HealthAfter:      after,
		Position:         staged.Clone(),
	}
	e.committed(opLiquidate, staged, after)
	e.emitter.Emit(events.PositionLiquidated{
		Liquidator:       liquidator.String(),
		Owner:            target.String(),
		Repaid:           repay,
		CollateralSeized: total,
		Bonus:            bonus,
		HealthBefore:     before,
		HealthAfter:      after,
		Price:            price.Price,
	})
	e.logger.Info("stablecoin: position liquidated",
		"target", target.String(), "liquidator", liquidator.String(),
		"repaid", repay, "seized", total, "health_before", before, "health_after", after)
	return res, nil
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	return nil
}

// preflight performs the checks shared by every position operation.
func (e *Engine) preflight(actor crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.caps == nil {
		return errNilCaps
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if actor.IsZero() {
		return ErrInvalidOwner
	}
	return nil
}

// abort reverses the external effects recorded in undo and returns cause,
// joined with any reversal failure.
func (e *Engine) abort(ctx context.Context, op string, undo *rollback, cause error) error {
	if undo.empty() {
		return cause
	}
	// Reversal must run even if the caller's context is already cancelled.
	revertErr := undo.run(context.WithoutCancel(ctx))
	e.metrics.RecordCompensation(op, revertErr)
	if revertErr != nil {
		e.logger.Error("stablecoin: compensation failed", "operation", op, "cause", cause, "error", revertErr)
		return errors.Join(cause, revertErr)
	}
	e.logger.Warn("stablecoin: operation reverted", "operation", op, "cause", cause)
	return cause
}

func (e *Engine) committed(op string, pos *Position, hf uint64) {
	if pos.Debt > 0 {
		e.metrics.ObserveHealthFactor(op, hf)
	}
	e.logger.Debug("stablecoin: position committed", "operation", op,
		"owner", pos.Owner.String(), "collateral", pos.Collateral, "debt", pos.Debt, "health_factor", hf)
}

// begin opens a span for op and returns a completion callback that records
// metrics and span status.
func (e *Engine) begin(ctx context.Context, op string) (context.Context, trace.Span, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "stablecoin."+op)
	return ctx, span, func(err error) {
		reason := Reason(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
		} else {
			span.SetStatus(codes.Ok, "committed")
		}
		e.metrics.Observe(op, time.Since(start), reason, err != nil)
		span.End()
	}
}

// rollback records compensating actions for external effects already
// performed within an operation.
type rollback struct {
	steps []func(context.Context) error
}

func (r *rollback) push(step func(context.Context) error) {
	r.steps = append(r.steps, step)
}

func (r *rollback) empty() bool {
	return len(r.steps) == 0
}

// run executes the recorded steps in reverse order and clears them.
func (r *rollback) run(ctx context.Context) error {
	var errs []error
	for i := len(r.steps) - 1; i >= 0; i-- {
		if err := r.steps[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.steps = nil
	return errors.Join(errs...)
}
