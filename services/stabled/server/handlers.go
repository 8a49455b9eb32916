package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stablecoin/crypto"
	"stablecoin/native/stablecoin"
	"stablecoin/services/stabled/storage"
)

type configView struct {
	Authority            string `json:"authority"`
	DebtToken            string `json:"debt_token"`
	PriceFeed            string `json:"price_feed"`
	MinHealthFactor      uint64 `json:"min_health_factor"`
	LiquidationThreshold uint64 `json:"liquidation_threshold"`
	LiquidationBonus     uint64 `json:"liquidation_bonus"`
	MaxPriceAge          string `json:"max_price_age"`
	MaxConfidenceBps     uint64 `json:"max_confidence_bps"`
	CollateralDecimals   uint8  `json:"collateral_decimals"`
	DebtDecimals         uint8  `json:"debt_decimals"`
}

func newConfigView(cfg *stablecoin.ProtocolConfig) configView {
	return configView{
		Authority:            cfg.Authority.String(),
		DebtToken:            cfg.DebtToken,
		PriceFeed:            cfg.PriceFeed,
		MinHealthFactor:      cfg.MinHealthFactor,
		LiquidationThreshold: cfg.LiquidationThreshold,
		LiquidationBonus:     cfg.LiquidationBonus,
		MaxPriceAge:          cfg.MaxPriceAge.String(),
		MaxConfidenceBps:     cfg.MaxConfidenceBps,
		CollateralDecimals:   cfg.CollateralDecimals,
		DebtDecimals:         cfg.DebtDecimals,
	}
}

type positionView struct {
	Owner        string  `json:"owner"`
	Collateral   uint64  `json:"collateral"`
	Debt         uint64  `json:"debt"`
	HealthFactor *uint64 `json:"health_factor,omitempty"`
	Price        *uint64 `json:"price,omitempty"`
	PriceError   string  `json:"price_error,omitempty"`
}

// viewPosition reports pos together with its health at the current price.
// A missing or invalid price is reported instead of failing the read.
func (s *Server) viewPosition(pos *stablecoin.Position) positionView {
	view := positionView{Owner: pos.Owner.String(), Collateral: pos.Collateral, Debt: pos.Debt}
	cfg, err := s.engine.Config()
	if err != nil {
		view.PriceError = reasonFor(err)
		return view
	}
	price, err := stablecoin.ReadPrice(s.oracle, cfg.PriceFeed, cfg.MaxPriceAge, cfg.MaxConfidenceBps, time.Now())
	if err != nil {
		view.PriceError = err.Error()
		return view
	}
	hf := stablecoin.HealthFactor(pos.Collateral, pos.Debt, price, cfg)
	view.HealthFactor = &hf
	view.Price = &price.Price
	return view
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) error {
	err := decodeOptional(w, r, out)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: empty body", errInvalidPayload)
	}
	return err
}

// decodeOptional is decode for endpoints whose fields all have defaults. An
// empty body yields io.EOF.
func decodeOptional(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConfigView(cfg))
}

type initConfigRequest struct {
	PriceFeed            *string `json:"price_feed"`
	MinHealthFactor      *uint64 `json:"min_health_factor"`
	LiquidationThreshold *uint64 `json:"liquidation_threshold"`
	LiquidationBonus     *uint64 `json:"liquidation_bonus"`
	MaxPriceAge          *string `json:"max_price_age"`
	MaxConfidenceBps     *uint64 `json:"max_confidence_bps"`
	CollateralDecimals   *uint8  `json:"collateral_decimals"`
	DebtDecimals         *uint8  `json:"debt_decimals"`
}

func (req initConfigRequest) options() ([]stablecoin.ConfigOption, error) {
	var opts []stablecoin.ConfigOption
	if req.PriceFeed != nil {
		feed := *req.PriceFeed
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.PriceFeed = feed })
	}
	if req.MinHealthFactor != nil {
		opts = append(opts, stablecoin.WithMinHealthFactor(*req.MinHealthFactor))
	}
	if req.LiquidationThreshold != nil {
		v := *req.LiquidationThreshold
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.LiquidationThreshold = v })
	}
	if req.LiquidationBonus != nil {
		v := *req.LiquidationBonus
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.LiquidationBonus = v })
	}
	if req.MaxPriceAge != nil {
		age, err := time.ParseDuration(*req.MaxPriceAge)
		if err != nil {
			return nil, fmt.Errorf("%w: max_price_age: %v", errInvalidPayload, err)
		}
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.MaxPriceAge = age })
	}
	if req.MaxConfidenceBps != nil {
		v := *req.MaxConfidenceBps
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.MaxConfidenceBps = v })
	}
	if req.CollateralDecimals != nil {
		v := *req.CollateralDecimals
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.CollateralDecimals = v })
	}
	if req.DebtDecimals != nil {
		v := *req.DebtDecimals
		opts = append(opts, func(c *stablecoin.ProtocolConfig) { c.DebtDecimals = v })
	}
	return opts, nil
}

// initializeConfig creates the config singleton with the caller as authority.
func (s *Server) initializeConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req initConfigRequest
	if err := decodeOptional(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	overrides, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}
	opts := append(append([]stablecoin.ConfigOption(nil), s.defaults...), overrides...)
	cfg, err := s.engine.InitializeConfig(r.Context(), caller, s.bank.DebtToken(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConfigView(cfg))
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		MinHealthFactor uint64 `json:"min_health_factor"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.engine.UpdateConfig(r.Context(), caller, req.MinHealthFactor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConfigView(cfg))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.engine.Position(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(pos))
}

func (s *Server) depositAndMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Collateral uint64 `json:"collateral"`
		Debt       uint64 `json:"debt"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.engine.DepositAndMint(r.Context(), caller, req.Collateral, req.Debt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(pos))
}

func (s *Server) redeemAndBurn(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Debt       uint64 `json:"debt"`
		Collateral uint64 `json:"collateral"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.engine.RedeemAndBurn(r.Context(), caller, req.Debt, req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(pos))
}

type liquidationView struct {
	Repaid           uint64       `json:"repaid"`
	CollateralSeized uint64       `json:"collateral_seized"`
	Bonus            uint64       `json:"bonus"`
	HealthBefore     uint64       `json:"health_before"`
	HealthAfter      uint64       `json:"health_after"`
	Position         positionView `json:"position"`
}

// liquidate repays debt of the owner in the path. A zero or omitted repay
// amount repays the whole debt.
func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	target, err := addressParam(r, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Repay uint64 `json:"repay"`
	}
	if err := decodeOptional(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	res, err := s.engine.Liquidate(r.Context(), caller, target, req.Repay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView{
		Repaid:           res.Repaid,
		CollateralSeized: res.CollateralSeized,
		Bonus:            res.Bonus,
		HealthBefore:     res.HealthBefore,
		HealthAfter:      res.HealthAfter,
		Position: positionView{
			Owner:      res.Position.Owner.String(),
			Collateral: res.Position.Collateral,
			Debt:       res.Position.Debt,
		},
	})
}

type feedView struct {
	Feed        string  `json:"feed"`
	Price       int64   `json:"price"`
	Conf        uint64  `json:"conf"`
	Expo        int32   `json:"expo"`
	PublishTime int64   `json:"publish_time"`
	Normalised  *uint64 `json:"normalised_price,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	feed := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "*")))
	raw, err := s.oracle.ReadFeed(feed)
	if err != nil {
		writeError(w, err)
		return
	}
	view := feedView{Feed: feed, Price: raw.Price, Conf: raw.Conf, Expo: raw.Expo, PublishTime: raw.PublishTime}
	maxAge, maxConf := stablecoin.DefaultMaxPriceAge, uint64(stablecoin.DefaultMaxConfidenceBps)
	if cfg, err := s.engine.Config(); err == nil {
		maxAge, maxConf = cfg.MaxPriceAge, cfg.MaxConfidenceBps
	}
	reading, err := stablecoin.ReadPrice(s.oracle, feed, maxAge, maxConf, time.Now())
	if err != nil {
		view.Error = err.Error()
	} else {
		view.Normalised = &reading.Price
	}
	writeJSON(w, http.StatusOK, view)
}

// publishPrice pushes a raw price update for the feed named in the path.
// A zero publish time is stamped with the current time.
func (s *Server) publishPrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	feed := chi.URLParam(r, "*")
	var req struct {
		Price       int64  `json:"price"`
		Conf        uint64 `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PublishTime == 0 {
		req.PublishTime = time.Now().Unix()
	}
	raw := stablecoin.RawPrice{Price: req.Price, Conf: req.Conf, Expo: req.Expo, PublishTime: req.PublishTime}
	if err := s.oracle.Publish(r.Context(), feed, caller.String(), raw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, feedView{
		Feed:        strings.ToUpper(strings.TrimSpace(feed)),
		Price:       raw.Price,
		Conf:        raw.Conf,
		Expo:        raw.Expo,
		PublishTime: raw.PublishTime,
	})
}

type balancesView struct {
	Address         string `json:"address"`
	CollateralToken string `json:"collateral_token"`
	Collateral      uint64 `json:"collateral"`
	DebtToken       string `json:"debt_token"`
	Debt            uint64 `json:"debt"`
}

func (s *Server) balances(addr crypto.Address) (balancesView, error) {
	collateral, err := s.bank.CollateralBalance(addr)
	if err != nil {
		return balancesView{}, err
	}
	debt, err := s.bank.DebtBalance(addr)
	if err != nil {
		return balancesView{}, err
	}
	return balancesView{
		Address:         addr.String(),
		CollateralToken: s.bank.CollateralToken(),
		Collateral:      collateral,
		DebtToken:       s.bank.DebtToken(),
		Debt:            debt,
	}, nil
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.balances(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.bank.DebtSupply()
	if err != nil {
		writeError(w, err)
		return
	}
	vault, err := s.bank.CollateralBalance(s.bank.Vault())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"debt_token":       s.bank.DebtToken(),
		"debt_supply":      supply,
		"collateral_token": s.bank.CollateralToken(),
		"vault":            s.bank.Vault().String(),
		"vault_collateral": vault,
	})
}

func (s *Server) fundCollateral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Amount  uint64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, fmt.Errorf("%w: address: %v", errInvalidPayload, err))
		return
	}
	if req.Amount == 0 {
		writeError(w, stablecoin.ErrInvalidAmount)
		return
	}
	if err := s.bank.FundCollateral(r.Context(), addr, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.balances(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	module := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "module")))
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Info("module pause toggled", "module", module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "paused": s.pauses.IsPaused(module)})
}

type eventView struct {
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotFound, "audit_disabled", errors.New("audit store not configured"))
		return
	}
	query := r.URL.Query()
	var after uint64
	if raw := query.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: after: %v", errInvalidPayload, err))
			return
		}
		after = v
	}
	limit := defaultPageSize
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxPageSize {
			writeError(w, fmt.Errorf("%w: limit must be within 1..%d", errInvalidPayload, maxPageSize))
			return
		}
		limit = v
	}
	records, err := s.audit.Events(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("list audit events", "error", err)
		writeError(w, err)
		return
	}
	out := make([]eventView, 0, len(records))
	for _, rec := range records {
		out = append(out, eventView{
			Seq:        rec.Seq,
			Type:       rec.Type,
			Attributes: json.RawMessage(rec.Attributes),
			PrevHash:   rec.PrevHash,
			Hash:       rec.Hash,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) auditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotFound, "audit_disabled", errors.New("audit store not configured"))
		return
	}
	if err := s.audit.Verify(r.Context()); err != nil {
		if errors.Is(err, storage.ErrChainBroken) {
			writeJSONError(w, http.StatusConflict, "chain_broken", err)
			return
		}
		s.logger.Error("verify audit chain", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
