package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aristath/tally/internal/utils"
)

// handleHealth reports whether every database answers a ping
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	databases := make(map[string]string)
	for name, db := range s.container.Databases() {
		if db == nil {
			continue
		}
		if err := db.Conn().PingContext(ctx); err != nil {
			databases[name] = "unreachable"
			status = http.StatusServiceUnavailable
			continue
		}
		databases[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "degraded"
	}
	utils.WriteJSON(w, status, map[string]interface{}{
		"status":    health,
		"service":   "tally",
		"databases": databases,
	})
}
