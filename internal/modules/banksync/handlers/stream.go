package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/aristath/tally/internal/events"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 32
	streamWriteTimeout = 5 * time.Second
)

var streamedEvents = []events.EventType{
	events.SyncStatusChanged,
	events.ConnectionDeactivated,
}

// HandleStream handles GET /api/sync/stream. The connection receives the
// caller's sync status and connection events as JSON text messages until
// either side closes it.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	// Handlers run on the publisher's goroutine, so they only hand off.
	// A slow client loses events instead of stalling a sync.
	queue := make(chan *events.Event, streamBuffer)
	forward := func(e *events.Event) {
		if owner, ok := e.Data["user_id"].(float64); !ok || int64(owner) != userID {
			return
		}
		select {
		case queue <- e:
		default:
			h.log.Debug().Int64("user_id", userID).Str("type", string(e.Type)).Msg("Sync stream full, dropping event")
		}
	}
	for _, t := range streamedEvents {
		sub := h.bus.Subscribe(t, forward)
		defer h.bus.Unsubscribe(sub)
	}

	// Subscribed before the handshake completes, so nothing emitted after
	// the client sees the upgrade is missed.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to accept sync stream")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-queue:
			if err := h.write(ctx, conn, e); err != nil {
				h.log.Debug().Err(err).Int64("user_id", userID).Msg("Sync stream write failed")
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, e *events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
