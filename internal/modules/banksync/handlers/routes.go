package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers bank sync and connection routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Post("/", h.HandleSyncUser)
		r.Post("/queue", h.HandleQueue)
		r.Get("/stream", h.HandleStream)
		r.Get("/status", h.HandleGetSummary)
		r.Get("/status/{accountId}", h.HandleGetStatus)
		r.Post("/connections/{id}", h.HandleSyncConnection)

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Post("/", h.HandleSyncAccount)
			r.Post("/unlink", h.HandleUnlinkAccount)
			r.Post("/relink", h.HandleRelinkAccount)
		})
	})

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", h.HandleListConnections)
		r.Post("/", h.HandleCreateConnection)
		r.Post("/{id}/reauthorize", h.HandleReauthorize)
		r.Post("/{id}/import", h.HandleImportAccounts)
	})
}
