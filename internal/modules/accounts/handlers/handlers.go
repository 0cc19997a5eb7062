// Package handlers provides HTTP handlers for accounts and balances.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles account HTTP requests
type Handler struct {
	accounts *accounts.Service
	balances *accounts.BalanceService
	log      zerolog.Logger
}

// NewHandler creates a new account handler
func NewHandler(accountService *accounts.Service, balanceService *accounts.BalanceService, log zerolog.Logger) *Handler {
	return &Handler{
		accounts: accountService,
		balances: balanceService,
		log:      log.With().Str("handler", "accounts").Logger(),
	}
}

// CreateAccountRequest is the body of POST /api/accounts
type CreateAccountRequest struct {
	Name           string `json:"name"`
	CurrencyCode   string `json:"currency_code"`
	InitialBalance int64  `json:"initial_balance"`
}

// UpdateBalanceRequest is the body of PUT /api/accounts/{id}/balance
type UpdateBalanceRequest struct {
	Balance int64 `json:"balance"`
}

// HandleListAccounts handles GET /api/accounts
func (h *Handler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader)
		return
	}

	list, err := h.accounts.ListAccounts(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"accounts": list,
		"count":    len(list),
	})
}

// HandleCreateAccount handles POST /api/accounts
func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), accounts.CreateAccountParams{
		UserID:         userID,
		Name:           req.Name,
		CurrencyCode:   req.CurrencyCode,
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusCreated, account)
}

// HandleGetAccount handles GET /api/accounts/{id}
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccount(r.Context(), userID, accountID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, account)
}

// HandleUpdateBalance handles PUT /api/accounts/{id}/balance
func (h *Handler) HandleUpdateBalance(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}

	var req UpdateBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	account, err := h.balances.UpdateAccountBalance(r.Context(), accounts.UpdateBalanceParams{
		UserID:     userID,
		AccountID:  accountID,
		NewBalance: req.Balance,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, account)
}

// HandleGetBalanceHistory handles GET /api/accounts/{id}/balance-history?from=&to=
// Both bounds default to the last 30 days.
func (h *Handler) HandleGetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			utils.WriteBadRequest(w, "from must be YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			utils.WriteBadRequest(w, "to must be YYYY-MM-DD")
			return
		}
		to = parsed
	}

	entries, err := h.accounts.GetBalanceHistory(r.Context(), userID, accountID, from, to)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"history":    entries,
	})
}

// HandleGetBalanceAsOf handles GET /api/accounts/{id}/balance?date=YYYY-MM-DD
func (h *Handler) HandleGetBalanceAsOf(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}

	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			utils.WriteBadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	entry, err := h.accounts.BalanceAsOf(r.Context(), userID, accountID, date)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, entry)
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request) (userID, accountID int64, ok bool) {
	userID, ok = utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader)
		return 0, 0, false
	}
	accountID, ok = utils.PathID(chi.URLParam(r, "id"))
	if !ok {
		utils.WriteBadRequest(w, "invalid account id")
		return 0, 0, false
	}
	return userID, accountID, true
}
