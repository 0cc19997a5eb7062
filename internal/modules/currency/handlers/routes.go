package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all currency routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/currency", func(r chi.Router) {
		r.Get("/", h.HandleListCurrencies)
		r.Put("/reference", h.HandleSetReferenceCurrency)
		r.Get("/convert", h.HandleConvert)
		r.Get("/rate", h.HandleGetRate)
		r.Put("/rates/custom", h.HandleSetCustomRate)
		r.Post("/rates/sync", h.HandleSyncRates)
	})
}
