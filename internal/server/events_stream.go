package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
)

// streamedEventTypes are forwarded to clients. Events without a user_id
// (rates, backups) go to every client.
var streamedEventTypes = []events.EventType{
	events.TransactionCreated,
	events.TransactionUpdated,
	events.TransactionDeleted,
	events.TransfersLinked,
	events.RefundLinked,
	events.SyncStatusChanged,
	events.ConnectionDeactivated,
	events.RatesSynced,
	events.BackupCompleted,
}

const heartbeatInterval = 30 * time.Second

// EventsStreamHandler streams the caller's ledger and sync events as
// Server-Sent Events.
type EventsStreamHandler struct {
	eventBus  *events.Bus
	log       zerolog.Logger
	heartbeat time.Duration
}

// NewEventsStreamHandler creates a new events stream handler
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus:  eventBus,
		log:       log.With().Str("component", "events_stream").Logger(),
		heartbeat: heartbeatInterval,
	}
}

// ServeHTTP handles GET /api/events/stream. An optional types query
// parameter limits the stream to a comma-separated list of event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserID(r)
	if !ok {
		utils.WriteBadRequest(w, "missing or invalid "+utils.UserIDHeader+" header")
		return
	}
	if h.eventBus == nil {
		http.Error(w, "Event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	types := streamedEventTypes
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed := make(map[events.EventType]bool)
		for _, t := range utils.ParseCSV(filter) {
			allowed[events.EventType(t)] = true
		}
		types = nil
		for _, t := range streamedEventTypes {
			if allowed[t] {
				types = append(types, t)
			}
		}
	}

	// Buffered so a slow client never blocks the publisher; overflow is dropped
	eventChan := make(chan *events.Event, 100)
	handler := func(event *events.Event) {
		if owner, ok := event.Data["user_id"].(float64); ok && int64(owner) != userID {
			return
		}
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}

	subs := make([]events.Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, h.eventBus.Subscribe(t, handler))
	}
	defer func() {
		for _, sub := range subs {
			h.eventBus.Unsubscribe(sub)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	h.log.Debug().Int64("user_id", userID).Int("types", len(types)).Msg("Client connected to event stream")

	h.write(w, flusher, map[string]interface{}{"type": "connected"})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug().Int64("user_id", userID).Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			h.write(w, flusher, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})

		case <-heartbeat.C:
			h.write(w, flusher, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
		}
	}
}

func (h *EventsStreamHandler) write(w http.ResponseWriter, flusher http.Flusher, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
