package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all transaction and refund routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.HandleListTransactions)
		r.Post("/", h.HandleCreateTransaction)

		// Static paths before /{id}
		r.Patch("/bulk", h.HandleBulkUpdate)
		r.Post("/link", h.HandleLinkTransactions)
		r.Post("/unlink", h.HandleUnlinkTransactions)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetTransaction)
			r.Patch("/", h.HandleUpdateTransaction)
			r.Delete("/", h.HandleDeleteTransaction)
			r.Get("/splits", h.HandleGetSplits)
			r.Get("/refunds", h.HandleGetRefunds)
		})
	})

	r.Route("/refunds", func(r chi.Router) {
		r.Post("/", h.HandleCreateRefund)
		r.Delete("/{refundTxId}", h.HandleRemoveRefund)
	})
}
