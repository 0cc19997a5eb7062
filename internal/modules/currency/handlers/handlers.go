// Package handlers provides HTTP handlers for currency operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handler handles currency HTTP requests
type Handler struct {
	service *currency.Service
	log     zerolog.Logger
}

// NewHandler creates a new currency handler
func NewHandler(service *currency.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "currency").Logger(),
	}
}

// SetReferenceRequest is the body of PUT /api/currency/reference
type SetReferenceRequest struct {
	CurrencyCode string `json:"currency_code"`
}

// CustomRateRequest is the body of PUT /api/currency/rates/custom
type CustomRateRequest struct {
	Rate      decimal.Decimal `json:"rate"`
	BaseCode  string          `json:"base_code"`
	QuoteCode string          `json:"quote_code"`
	Date      string          `json:"date"` // YYYY-MM-DD, defaults to today
}

// HandleListCurrencies handles GET /api/currency
func (h *Handler) HandleListCurrencies(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	codes, err := h.service.UserCurrencies(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"currencies": codes,
		"count":      len(codes),
	})
}

// HandleSetReferenceCurrency handles PUT /api/currency/reference
func (h *Handler) HandleSetReferenceCurrency(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req SetReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.service.SetReferenceCurrency(r.Context(), userID, req.CurrencyCode); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	code, err := h.service.ReferenceCurrency(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"reference_currency": code})
}

// HandleConvert handles GET /api/currency/convert?amount=&from=&to=&date=
// amount is in minor units of from; to defaults to the reference currency.
func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		utils.WriteBadRequest(w, "amount must be an integer in minor units")
		return
	}
	date, ok := parseDate(w, q.Get("date"))
	if !ok {
		return
	}

	converted, err := h.service.Convert(r.Context(), currency.ConvertParams{
		Amount:    amount,
		UserID:    userID,
		BaseCode:  q.Get("from"),
		QuoteCode: q.Get("to"),
		Date:      date,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"amount":    amount,
		"from":      q.Get("from"),
		"to":        q.Get("to"),
		"date":      date.Format("2006-01-02"),
		"converted": converted,
	})
}

// HandleGetRate handles GET /api/currency/rate?base=&quote=&date=
func (h *Handler) HandleGetRate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	base, quote := utils.NormalizeCurrency(q.Get("base")), utils.NormalizeCurrency(q.Get("quote"))
	if base == "" || quote == "" {
		utils.WriteBadRequest(w, "base and quote are required")
		return
	}
	date, ok := parseDate(w, q.Get("date"))
	if !ok {
		return
	}

	rate, err := h.service.Rate(r.Context(), userID, base, quote, date)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"base":  base,
		"quote": quote,
		"date":  date.Format("2006-01-02"),
		"rate":  rate.String(),
	})
}

// HandleSetCustomRate handles PUT /api/currency/rates/custom
func (h *Handler) HandleSetCustomRate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CustomRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	date, ok := parseDate(w, req.Date)
	if !ok {
		return
	}

	err := h.service.SetCustomRate(r.Context(), currency.CustomRateParams{
		UserID:    userID,
		BaseCode:  req.BaseCode,
		QuoteCode: req.QuoteCode,
		Rate:      req.Rate,
		Date:      date,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSyncRates handles POST /api/currency/rates/sync?date=
func (h *Handler) HandleSyncRates(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	if err := h.service.SyncRates(r.Context(), date); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"synced": date.Format("2006-01-02"),
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader)
	}
	return userID, ok
}

// parseDate parses YYYY-MM-DD, defaulting to today (UTC)
func parseDate(w http.ResponseWriter, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Now().UTC(), true
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		utils.WriteBadRequest(w, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}
