// Package handlers provides HTTP handlers for transactions, transfers and refunds.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/ledger"
	"github.com/aristath/tally/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// CreateTransactionRequest is the body of POST /api/transactions
type CreateTransactionRequest struct {
	Time                     *time.Time             `json:"time"`
	CategoryID               *int64                 `json:"category_id"`
	DestinationAmount        *int64                 `json:"destination_amount"`
	DestinationAccountID     *int64                 `json:"destination_account_id"`
	DestinationTransactionID *int64                 `json:"destination_transaction_id"`
	RefundForTxID            *int64                 `json:"refund_for_tx_id"`
	RefundForSplitID         *string                `json:"refund_for_split_id"`
	IsFloatingRefund         bool                   `json:"is_floating_refund"`
	TransactionType          domain.TransactionType `json:"transaction_type"`
	TransferNature           domain.TransferNature  `json:"transfer_nature"`
	PaymentType              domain.PaymentType     `json:"payment_type"`
	Note                     string                 `json:"note"`
	Splits                   []ledger.SplitParams   `json:"splits"`
	TagIDs                   []int64                `json:"tag_ids"`
	AccountID                int64                  `json:"account_id"`
	Amount                   int64                  `json:"amount"`
	CommissionRate           int64                  `json:"commission_rate"`
	CashbackAmount           int64                  `json:"cashback_amount"`
}

// UpdateTransactionRequest is the body of PATCH /api/transactions/{id}.
// Absent fields are left unchanged; "splits": [] clears the splits.
type UpdateTransactionRequest struct {
	Amount                   *int64                  `json:"amount"`
	Time                     *time.Time              `json:"time"`
	TransactionType          *domain.TransactionType `json:"transaction_type"`
	AccountID                *int64                  `json:"account_id"`
	CategoryID               *int64                  `json:"category_id"`
	PaymentType              *domain.PaymentType     `json:"payment_type"`
	Note                     *string                 `json:"note"`
	TransferNature           *domain.TransferNature  `json:"transfer_nature"`
	DestinationAmount        *int64                  `json:"destination_amount"`
	DestinationAccountID     *int64                  `json:"destination_account_id"`
	DestinationTransactionID *int64                  `json:"destination_transaction_id"`
	Splits                   *[]ledger.SplitParams   `json:"splits"`
	TagIDs                   *[]int64                `json:"tag_ids"`
}

// BulkUpdateRequest is the body of PATCH /api/transactions/bulk
type BulkUpdateRequest struct {
	CategoryID *int64         `json:"category_id"`
	Note       *string        `json:"note"`
	TagMode    ledger.TagMode `json:"tag_mode"`
	IDs        []int64        `json:"ids"`
	TagIDs     []int64        `json:"tag_ids"`
}

// LinkRequest is the body of POST /api/transactions/link
type LinkRequest struct {
	Pairs [][2]int64 `json:"pairs"`
}

// UnlinkRequest is the body of POST /api/transactions/unlink
type UnlinkRequest struct {
	TransferIDs []string `json:"transfer_ids"`
}

// RefundRequest is the body of POST /api/refunds. Omitting
// original_tx_id records a floating refund.
type RefundRequest struct {
	OriginalTxID *int64  `json:"original_tx_id"`
	SplitID      *string `json:"split_id"`
	RefundTxID   int64   `json:"refund_tx_id"`
}

// HandleListTransactions handles GET /api/transactions
// Query: from, to (RFC3339 or YYYY-MM-DD), account_ids, transaction_type,
// transfer_nature, limit, offset.
func (h *Handler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := ledger.ListFilter{
		UserID:          userID,
		TransactionType: domain.TransactionType(q.Get("transaction_type")),
		TransferNature:  domain.TransferNature(q.Get("transfer_nature")),
	}

	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		parsed, err := parseTime(raw)
		if err != nil {
			utils.WriteBadRequest(w, key+" must be RFC3339 or YYYY-MM-DD")
			return
		}
		*dst = &parsed
	}
	if raw := q.Get("account_ids"); raw != "" {
		ids, ok := utils.ParseIDs(raw)
		if !ok {
			utils.WriteBadRequest(w, "account_ids must be a comma-separated list of ids")
			return
		}
		filter.AccountIDs = ids
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	list, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"transactions": list,
		"count":        len(list),
	})
}

// HandleCreateTransaction handles POST /api/transactions
func (h *Handler) HandleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	p := ledger.CreateParams{
		UserID:                   userID,
		AccountID:                req.AccountID,
		Amount:                   req.Amount,
		TransactionType:          req.TransactionType,
		TransferNature:           req.TransferNature,
		PaymentType:              req.PaymentType,
		CategoryID:               req.CategoryID,
		Note:                     req.Note,
		DestinationAmount:        req.DestinationAmount,
		DestinationAccountID:     req.DestinationAccountID,
		DestinationTransactionID: req.DestinationTransactionID,
		Splits:                   req.Splits,
		TagIDs:                   req.TagIDs,
		CommissionRate:           req.CommissionRate,
		CashbackAmount:           req.CashbackAmount,
	}
	if req.Time != nil {
		p.Time = *req.Time
	}
	if req.RefundForTxID != nil || req.IsFloatingRefund {
		p.RefundFor = &ledger.RefundTarget{OriginalTxID: req.RefundForTxID, SplitID: req.RefundForSplitID}
	}

	created, err := h.service.CreateTransaction(r.Context(), p)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	body := map[string]interface{}{"transaction": created[0]}
	if len(created) > 1 {
		body["opposite_transaction"] = created[1]
	}
	utils.WriteData(w, http.StatusCreated, body)
}

// HandleGetTransaction handles GET /api/transactions/{id}
func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	tags, err := h.service.GetTags(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"tag_ids":     tags,
	})
}

// HandleUpdateTransaction handles PATCH /api/transactions/{id}
func (h *Handler) HandleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}

	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	tx, err := h.service.UpdateTransaction(r.Context(), ledger.UpdateParams{
		ID:                       id,
		UserID:                   userID,
		Amount:                   req.Amount,
		Time:                     req.Time,
		TransactionType:          req.TransactionType,
		AccountID:                req.AccountID,
		CategoryID:               req.CategoryID,
		PaymentType:              req.PaymentType,
		Note:                     req.Note,
		TransferNature:           req.TransferNature,
		DestinationAmount:        req.DestinationAmount,
		DestinationAccountID:     req.DestinationAccountID,
		DestinationTransactionID: req.DestinationTransactionID,
		Splits:                   req.Splits,
		TagIDs:                   req.TagIDs,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, tx)
}

// HandleDeleteTransaction handles DELETE /api/transactions/{id}
func (h *Handler) HandleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteTransaction(r.Context(), ledger.DeleteParams{ID: id, UserID: userID}); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetSplits handles GET /api/transactions/{id}/splits
func (h *Handler) HandleGetSplits(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	splits, err := h.service.GetSplits(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"splits":             splits,
		"primary_allocation": ledger.PrimaryAllocation(tx, splits),
	})
}

// HandleBulkUpdate handles PATCH /api/transactions/bulk
func (h *Handler) HandleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req BulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	updated, err := h.service.BulkUpdate(r.Context(), ledger.BulkUpdateParams{
		UserID:     userID,
		IDs:        req.IDs,
		CategoryID: req.CategoryID,
		Note:       req.Note,
		TagIDs:     req.TagIDs,
		TagMode:    req.TagMode,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"transactions": updated,
		"count":        len(updated),
	})
}

// HandleLinkTransactions handles POST /api/transactions/link
func (h *Handler) HandleLinkTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	linked, err := h.service.LinkTransactions(r.Context(), ledger.LinkParams{UserID: userID, IDs: req.Pairs})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"transfers": linked,
		"count":     len(linked),
	})
}

// HandleUnlinkTransactions handles POST /api/transactions/unlink
func (h *Handler) HandleUnlinkTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UnlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}

	unlinked, err := h.service.UnlinkTransferTransactions(r.Context(), ledger.UnlinkParams{UserID: userID, TransferIDs: req.TransferIDs})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"transactions": unlinked,
		"count":        len(unlinked),
	})
}

// HandleGetRefunds handles GET /api/transactions/{id}/refunds
func (h *Handler) HandleGetRefunds(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.ids(w, r, "id")
	if !ok {
		return
	}

	links, err := h.service.GetRefundLinks(r.Context(), userID, id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, map[string]interface{}{
		"refunds": links,
		"count":   len(links),
	})
}

// HandleCreateRefund handles POST /api/refunds
func (h *Handler) HandleCreateRefund(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.RefundTxID <= 0 {
		utils.WriteBadRequest(w, "refund_tx_id is required")
		return
	}

	link, err := h.service.CreateSingleRefund(r.Context(), ledger.RefundParams{
		UserID:       userID,
		OriginalTxID: req.OriginalTxID,
		SplitID:      req.SplitID,
		RefundTxID:   req.RefundTxID,
	})
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusCreated, link)
}

// HandleRemoveRefund handles DELETE /api/refunds/{refundTxId}
func (h *Handler) HandleRemoveRefund(w http.ResponseWriter, r *http.Request) {
	userID, refundTxID, ok := h.ids(w, r, "refundTxId")
	if !ok {
		return
	}

	if err := h.service.RemoveRefundLink(r.Context(), ledger.RemoveRefundParams{UserID: userID, RefundTxID: refundTxID}); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
		return 0, 0, false
	}
	return userID, id, true
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
