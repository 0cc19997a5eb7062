package utils

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/rs/zerolog"
)

// UserIDHeader carries the caller's user id. Authentication happens upstream.
const UserIDHeader = "X-User-ID"

// WriteJSON writes data as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes the standard {"data": ..., "metadata": {...}} envelope
func WriteData(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// WriteError maps err to its status code and writes {"error": {kind, message}}.
// Unclassified errors are logged and reported without details.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	WriteJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    apperrors.KindOf(err),
			"message": apperrors.Message(err),
		},
	})
}

// WriteBadRequest writes a 400 response for malformed requests
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    "bad_request",
			"message": message,
		},
	})
}

// UserID reads the caller's user id from the request header
func UserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PathID parses a positive integer path parameter value
func PathID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
