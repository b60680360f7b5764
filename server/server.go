package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"curvemint/curve"
	"curvemint/storage"
	"curvemint/trade"
)

// Server carries the daemon's HTTP surface: liveness and metrics for
// operators, plus a thin JSON binding of the engine's quote and execute
// operations. Identity, sessions, and richer request validation belong to
// the upstream gateway, not here.
type Server struct {
	engine *trade.Engine
	store  *storage.Storage
	http   *http.Server
}

// New builds the server bound to addr.
func New(addr string, engine *trade.Engine, store *storage.Storage) *Server {
	s := &Server{engine: engine, store: store}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", s.handleCreateAccount)
		r.Post("/accounts/{accountID}/deposits", s.handleDeposit)
		r.Post("/assets", s.handleCreateAsset)
		r.Get("/assets/{assetID}", s.handleGetAsset)
		r.Get("/assets/{assetID}/trades", s.handleListTrades)
		r.Post("/assets/{assetID}/quote", s.handleQuote)
		r.Post("/trades", s.handleExecute)
	})
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// A cheap read proves both the connection and the schema.
	if _, err := s.store.CountRecords(r.Context(), "readiness-probe"); err != nil {
		slog.ErrorContext(r.Context(), "readiness probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type quoteRequest struct {
	Amount string `json:"amount"`
	Side   string `json:"side"`
}

type quoteResponse struct {
	CurrentPrice    string `json:"currentPrice"`
	NewPrice        string `json:"newPrice"`
	FundingAmount   string `json:"fundingAmount"`
	SlippagePercent string `json:"slippagePercent"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	quote, err := s.engine.Quote(r.Context(), assetID, amount, trade.Side(req.Side))
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		CurrentPrice:    quote.CurrentPrice.String(),
		NewPrice:        quote.NewPrice.String(),
		FundingAmount:   quote.FundingAmount.String(),
		SlippagePercent: quote.SlippagePercent.String(),
	})
}

type executeRequest struct {
	AccountID        string  `json:"accountId"`
	AssetID          string  `json:"assetId"`
	Amount           string  `json:"amount"`
	Side             string  `json:"side"`
	TolerancePercent *string `json:"slippageTolerancePercent,omitempty"`
}

type executeResponse struct {
	RecordID     string  `json:"recordId"`
	Balance      string  `json:"balance"`
	Position     *string `json:"position"`
	TotalSupply  string  `json:"totalSupply"`
	CurrentPrice string  `json:"currentPrice"`
	Funding      string  `json:"fundingAmount"`
	Price        string  `json:"priceAtExecution"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	var tolerance *decimal.Decimal
	if req.TolerancePercent != nil {
		parsed, err := decimal.NewFromString(*req.TolerancePercent)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slippage tolerance")
			return
		}
		tolerance = &parsed
	}
	result, err := s.engine.Execute(r.Context(), req.AccountID, req.AssetID, amount, trade.Side(req.Side), tolerance)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	resp := executeResponse{
		RecordID:     result.Record.ID,
		Balance:      result.Balance.String(),
		TotalSupply:  result.Asset.TotalSupply.String(),
		CurrentPrice: result.Asset.CurrentPrice.String(),
		Funding:      result.Record.FundingAmount.String(),
		Price:        result.Record.Price.String(),
	}
	if result.Position != nil {
		held := result.Position.Amount.String()
		resp.Position = &held
	}
	writeJSON(w, http.StatusOK, resp)
}

type createAccountRequest struct {
	ID             string `json:"id"`
	InitialBalance string `json:"initialBalance"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initial := decimal.Zero
	if req.InitialBalance != "" {
		parsed, err := decimal.NewFromString(req.InitialBalance)
		if err != nil || parsed.IsNegative() {
			writeError(w, http.StatusBadRequest, "invalid initial balance")
			return
		}
		initial = parsed
	}
	account, err := s.store.CreateAccount(r.Context(), req.ID, initial)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      account.ID,
		"balance": account.Balance.String(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	balance, err := s.store.Deposit(r.Context(), chi.URLParam(r, "accountID"), amount)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

type createAssetRequest struct {
	Symbol        string `json:"symbol"`
	CurveType     string `json:"curveType"`
	Slope         string `json:"slope"`
	StartingPrice string `json:"startingPrice"`
	CreatorID     string `json:"creatorId"`
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	slope, err := decimal.NewFromString(req.Slope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slope")
		return
	}
	startingPrice, err := decimal.NewFromString(req.StartingPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid starting price")
		return
	}
	asset, err := s.store.CreateAsset(r.Context(), req.Symbol, curve.Params{
		Type:          curve.Type(req.CurveType),
		Slope:         slope,
		StartingPrice: startingPrice,
	}, req.CreatorID)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":           asset.ID,
		"totalSupply":  asset.TotalSupply.String(),
		"currentPrice": asset.CurrentPrice.String(),
	})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.store.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":           asset.ID,
		"curveType":    string(asset.Params.Type),
		"totalSupply":  asset.TotalSupply.String(),
		"currentPrice": asset.CurrentPrice.String(),
	})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListRecords(r.Context(), chi.URLParam(r, "assetID"), 100)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	type entry struct {
		ID            string `json:"id"`
		Kind          string `json:"kind"`
		AccountID     string `json:"accountId"`
		AssetAmount   string `json:"assetAmount"`
		FundingAmount string `json:"fundingAmount"`
		Price         string `json:"priceAtExecution"`
		CreatedAt     string `json:"createdAt"`
	}
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry{
			ID:            rec.ID,
			Kind:          string(rec.Kind),
			AccountID:     rec.AccountID,
			AssetAmount:   rec.AssetAmount.String(),
			FundingAmount: rec.FundingAmount.String(),
			Price:         rec.Price.String(),
			CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeTradeError maps the engine's error taxonomy onto HTTP statuses so a
// caller can tell "widen your tolerance" apart from "top up your balance"
// and from "retry".
func writeTradeError(w http.ResponseWriter, err error) {
	var slippage *trade.SlippageError
	switch {
	case errors.As(err, &slippage):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":           "slippage exceeded",
			"slippagePercent": slippage.Computed.String(),
		})
	case errors.Is(err, trade.ErrStorageConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "storage conflict, retry"})
	case errors.Is(err, trade.ErrAccountNotFound),
		errors.Is(err, trade.ErrAssetNotFound),
		errors.Is(err, trade.ErrPositionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientPosition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trade.ErrInvalidAmount),
		errors.Is(err, trade.ErrInvalidSide),
		errors.Is(err, curve.ErrInvalidInput),
		errors.Is(err, curve.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("trade request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
