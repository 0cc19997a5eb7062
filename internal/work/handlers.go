package work

import (
	"net/http"

	"github.com/aristath/tally/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handlers provides HTTP handlers for the work processor
type Handlers struct {
	processor *Processor
	registry  *Registry
	log       zerolog.Logger
}

// NewHandlers creates new HTTP handlers for the work processor
func NewHandlers(processor *Processor, registry *Registry, log zerolog.Logger) *Handlers {
	return &Handlers{
		processor: processor,
		registry:  registry,
		log:       log.With().Str("handler", "work").Logger(),
	}
}

// RegisterRoutes registers HTTP routes for work management
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/work", func(r chi.Router) {
		r.Get("/types", h.ListWorkTypes)
		r.Post("/{workType}/execute", h.ExecuteWorkType)
		r.Post("/{workType}/{subject}/execute", h.ExecuteWorkTypeWithSubject)
		r.Post("/trigger", h.TriggerProcessor)
	})
}

type workTypeResponse struct {
	ID        string   `json:"id"`
	Priority  string   `json:"priority"`
	Interval  string   `json:"interval"`
	DependsOn []string `json:"depends_on"`
}

// ListWorkTypes returns all registered work types
func (h *Handlers) ListWorkTypes(w http.ResponseWriter, r *http.Request) {
	types := h.registry.ByPriority()

	response := make([]workTypeResponse, 0, len(types))
	for _, wt := range types {
		deps := wt.DependsOn
		if deps == nil {
			deps = []string{}
		}
		response = append(response, workTypeResponse{
			ID:        wt.ID,
			Priority:  wt.Priority.String(),
			Interval:  wt.Interval.String(),
			DependsOn: deps,
		})
	}

	utils.WriteData(w, http.StatusOK, response)
}

// ExecuteWorkType manually executes a work type (global work)
func (h *Handlers) ExecuteWorkType(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")

	if err := h.processor.ExecuteNow(r.Context(), workType, ""); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	utils.WriteData(w, http.StatusOK, map[string]string{
		"status":    "executed",
		"work_type": workType,
	})
}

// ExecuteWorkTypeWithSubject manually executes a work type with a subject
func (h *Handlers) ExecuteWorkTypeWithSubject(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")
	subject := chi.URLParam(r, "subject")

	if err := h.processor.ExecuteNow(r.Context(), workType, subject); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	utils.WriteData(w, http.StatusOK, map[string]string{
		"status":    "executed",
		"work_type": workType,
		"subject":   subject,
	})
}

// TriggerProcessor triggers the processor to check for work
func (h *Handlers) TriggerProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Trigger()
	utils.WriteData(w, http.StatusOK, map[string]string{"status": "triggered"})
}
