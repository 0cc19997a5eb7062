// Package handlers provides HTTP handlers for bank sync and provider connections.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/banksync"
	"github.com/aristath/tally/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles bank sync HTTP requests
type Handler struct {
	service *banksync.Service
	bus     *events.Bus
	log     zerolog.Logger
}

// NewHandler creates a new bank sync handler. bus may be nil, in which case
// the status stream is unavailable.
func NewHandler(service *banksync.Service, bus *events.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		bus:     bus,
		log:     log.With().Str("handler", "banksync").Logger(),
	}
}

// CreateConnectionRequest is the body of POST /api/connections
type CreateConnectionRequest struct {
	Credentials  json.RawMessage    `json:"credentials"`
	ProviderType domain.AccountType `json:"provider_type"`
	ProviderName string             `json:"provider_name"`
}

// ReauthorizeRequest is the body of POST /api/connections/{id}/reauthorize
type ReauthorizeRequest struct {
	Credentials json.RawMessage `json:"credentials"`
}

// QueueRequest is the body of POST /api/sync/queue
type QueueRequest struct {
	AccountIDs []int64 `json:"account_ids"`
}

// RelinkRequest is the body of POST /api/sync/accounts/{id}/relink
type RelinkRequest struct {
	ConnectionID int64 `json:"connection_id"`
}

// HandleSyncAccount handles POST /api/sync/accounts/{id}
func (h *Handler) HandleSyncAccount(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.SyncAccount(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, result)
}

// HandleSyncConnection handles POST /api/sync/connections/{id}.
// Per-account failures are reported in the body with a 200.
func (h *Handler) HandleSyncConnection(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	outcomes, err := h.service.SyncConnection(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"accounts": outcomes})
}

// HandleSyncUser handles POST /api/sync
func (h *Handler) HandleSyncUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	outcomes, err := h.service.SyncUser(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	if outcomes == nil {
		outcomes = []banksync.AccountOutcome{}
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"accounts": outcomes})
}

// HandleQueue handles POST /api/sync/queue
func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.AccountIDs) == 0 {
		utils.WriteBadRequest(w, "account_ids is required")
		return
	}
	statuses, err := h.service.QueueAccounts(r.Context(), userID, utils.UniqueIDs(req.AccountIDs))
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"statuses": statuses})
}

// HandleGetSummary handles GET /api/sync/status
func (h *Handler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetSummary(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, summary)
}

// HandleGetStatus handles GET /api/sync/status/{accountId}
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "accountId")
	if !ok {
		return
	}
	status, err := h.service.GetStatus(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, status)
}

// HandleUnlinkAccount handles POST /api/sync/accounts/{id}/unlink
func (h *Handler) HandleUnlinkAccount(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	archived, err := h.service.UnlinkAccount(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"archived": archived})
}

// HandleRelinkAccount handles POST /api/sync/accounts/{id}/relink
func (h *Handler) HandleRelinkAccount(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	var req RelinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID <= 0 {
		utils.WriteBadRequest(w, "connection_id is required")
		return
	}
	if err := h.service.RelinkAccount(r.Context(), userID, id, req.ConnectionID); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListConnections handles GET /api/connections
func (h *Handler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	conns, err := h.service.ListConnections(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	if conns == nil {
		conns = []*domain.BankDataProviderConnection{}
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"connections": conns})
}

// HandleCreateConnection handles POST /api/connections
func (h *Handler) HandleCreateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	conn, err := h.service.CreateConnection(r.Context(), banksync.CreateConnectionParams{
		Credentials:  req.Credentials,
		ProviderType: req.ProviderType,
		ProviderName: req.ProviderName,
		UserID:       userID,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusCreated, conn)
}

// HandleReauthorize handles POST /api/connections/{id}/reauthorize
func (h *Handler) HandleReauthorize(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	var req ReauthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.service.Reauthorize(r.Context(), userID, id, req.Credentials); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleImportAccounts handles POST /api/connections/{id}/import
func (h *Handler) HandleImportAccounts(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}
	created, err := h.service.ImportAccounts(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	if created == nil {
		created = []*domain.Account{}
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{"accounts": created})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader)
	}
	return userID, ok
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request, param string) (userID, id int64, ok bool) {
	if userID, ok = h.userID(w, r); !ok {
		return 0, 0, false
	}
	id, ok = utils.PathID(chi.URLParam(r, param))
	if !ok {
		utils.WriteBadRequest(w, "invalid "+param)
	}
	return userID, id, ok
}
