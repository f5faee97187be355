package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/quantrun/internal/store"
)

// Defaults applied to strategy fields left empty.
const (
	defaultMaxOpenPosition   = 1
	defaultDuration          = 300
	defaultMarketClosingTime = "15:30"
)

type strategyRequest struct {
	UserID            int64   `json:"user_id"`
	Exch              string  `json:"exch"`
	StockName         string  `json:"stock_name"`
	PriceType         string  `json:"price_type"`
	InitialBuyPrice   float64 `json:"initial_buy_price"`
	BuyOnMarket       bool    `json:"buy_on_market"`
	TargetPriceDiff   float64 `json:"target_price_diff"`
	EntryDiffPrice    float64 `json:"entry_diff_price"`
	LotSize           int     `json:"lot_size"`
	MaxOpenPosition   int     `json:"max_open_position"`
	Duration          int     `json:"duration"`
	StopLoss          float64 `json:"stop_loss"`
	MarketClosingTime string  `json:"market_closing_time"`
	DebugOn           bool    `json:"debug_on"`
}

func (req strategyRequest) validate() string {
	switch {
	case req.UserID < 1:
		return "user_id is required"
	case strings.TrimSpace(req.Exch) == "":
		return "exch is required"
	case strings.TrimSpace(req.StockName) == "":
		return "stock_name is required"
	case req.LotSize < 0 || req.MaxOpenPosition < 0 || req.Duration < 0:
		return "lot_size, max_open_position and duration must not be negative"
	}
	return ""
}

func (req strategyRequest) record() *store.StrategyRecord {
	rec := &store.StrategyRecord{
		UserID:            req.UserID,
		Exch:              req.Exch,
		StockName:         req.StockName,
		PriceType:         req.PriceType,
		InitialBuyPrice:   req.InitialBuyPrice,
		BuyOnMarket:       req.BuyOnMarket,
		TargetPriceDiff:   req.TargetPriceDiff,
		EntryDiffPrice:    req.EntryDiffPrice,
		LotSize:           req.LotSize,
		MaxOpenPosition:   req.MaxOpenPosition,
		Duration:          req.Duration,
		StopLoss:          req.StopLoss,
		MarketClosingTime: req.MarketClosingTime,
		DebugOn:           req.DebugOn,
	}
	if rec.MaxOpenPosition == 0 {
		rec.MaxOpenPosition = defaultMaxOpenPosition
	}
	if rec.Duration == 0 {
		rec.Duration = defaultDuration
	}
	if rec.MarketClosingTime == "" {
		rec.MarketClosingTime = defaultMarketClosingTime
	}
	return rec
}

type strategyView struct {
	strategyRequest
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func newStrategyView(rec *store.StrategyRecord) strategyView {
	return strategyView{
		strategyRequest: strategyRequest{
			UserID:            rec.UserID,
			Exch:              rec.Exch,
			StockName:         rec.StockName,
			PriceType:         rec.PriceType,
			InitialBuyPrice:   rec.InitialBuyPrice,
			BuyOnMarket:       rec.BuyOnMarket,
			TargetPriceDiff:   rec.TargetPriceDiff,
			EntryDiffPrice:    rec.EntryDiffPrice,
			LotSize:           rec.LotSize,
			MaxOpenPosition:   rec.MaxOpenPosition,
			Duration:          rec.Duration,
			StopLoss:          rec.StopLoss,
			MarketClosingTime: rec.MarketClosingTime,
			DebugOn:           rec.DebugOn,
		},
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
	}
}

// decodeBody reads a JSON request body into v, writing the error response
// itself when it returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(v)
	if err == nil {
		return true
	}
	if _, ok := errors.AsType[*http.MaxBytesError](err); ok {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "request body is not valid JSON")
	return false
}

// handleListStrategies returns the strategies of ?user_id, newest first.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID < 1 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	list, err := s.store.ListStrategies(userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]strategyView, 0, len(list))
	for i := range list {
		views = append(views, newStrategyView(&list[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rec := req.record()
	if err := s.store.SaveStrategy(rec); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("strategy created", "strategy_id", rec.ID, "user_id", rec.UserID, "stock", rec.StockName)
	writeJSON(w, http.StatusCreated, newStrategyView(rec))
}

// handleUpdateStrategy replaces a stored strategy. A strategy owned by
// another user is reported as not found.
func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid strategy id")
		return
	}

	var req strategyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.store.GetStrategy(id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.UserID != req.UserID) {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	rec := req.record()
	rec.ID = id
	rec.CreatedAt = existing.CreatedAt
	if err := s.store.SaveStrategy(rec); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("strategy updated", "strategy_id", id, "user_id", rec.UserID)
	writeJSON(w, http.StatusOK, newStrategyView(rec))
}

type credentialsRequest struct {
	Token    string `json:"token"`
	UserCode string `json:"user_code"`
	Password string `json:"password"`
	VC       string `json:"vc"`
	AppKey   string `json:"app_key"`
	IMEI     string `json:"imei"`
}

// handleSaveCredentials stores the broker credentials of a user, replacing
// any previous ones. Secrets are never echoed back.
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID < 1 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserCode) == "" {
		writeError(w, http.StatusBadRequest, "user_code is required")
		return
	}

	status, result := http.StatusOK, "updated"
	if _, err := s.store.GetCredentials(userID); errors.Is(err, store.ErrNotFound) {
		status, result = http.StatusCreated, "saved"
	} else if err != nil {
		writeErr(w, err)
		return
	}

	err = s.store.SaveCredentials(&store.CredentialsRecord{
		UserID:   userID,
		Token:    req.Token,
		UserCode: req.UserCode,
		Password: req.Password,
		VC:       req.VC,
		AppKey:   req.AppKey,
		IMEI:     req.IMEI,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("broker credentials saved", "user_id", userID, "result", result)
	writeJSON(w, status, map[string]any{"status": result, "user_id": userID})
}
