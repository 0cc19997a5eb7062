package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all account routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.HandleListAccounts)
		r.Post("/", h.HandleCreateAccount)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetAccount)
			r.Get("/balance", h.HandleGetBalanceAsOf)
			r.Put("/balance", h.HandleUpdateBalance)
			r.Get("/balance-history", h.HandleGetBalanceHistory)
		})
	})
}
