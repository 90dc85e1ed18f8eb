package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/luan/facmandu/internal/realtime"
)

// handleEvents streams the list's events over server-sent events. The
// session opens with a presence snapshot, registers the caller as a
// viewer, and pings every keepAlive interval so intermediaries do not cut
// the idle connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	claims := claimsFrom(r.Context())
	listID := chi.URLParam(r, "listID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Bus callbacks arrive from publisher goroutines while the ping ticker
	// writes from this one; all frame writes go through one mutex.
	var mu sync.Mutex
	send := func(event realtime.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Str("type", event.Type).Msg("failed to encode stream event")
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		mu.Unlock()
	}

	// Register presence before snapshotting so the init frame includes the
	// caller. The join presence-update fires before this subscription exists
	// and is deliberately not echoed back.
	release := s.bus.AddViewer(listID, claims.Subject, claims.Username)
	defer release()

	send(realtime.Event{
		Type:      "presence-init",
		Data:      map[string]any{"viewers": s.bus.ActiveViewers(listID)},
		Timestamp: time.Now().UnixMilli(),
	})

	unsubscribe := s.bus.Subscribe(listID, send)
	defer unsubscribe()

	streamConnections.Inc()
	defer streamConnections.Dec()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			mu.Lock()
			fmt.Fprint(w, "data: {\"type\":\"ping\"}\n\n")
			flusher.Flush()
			mu.Unlock()
		}
	}
}

// handleCursor rebroadcasts a viewer's cursor position to the list's other
// viewers. Coordinates are fractions of the view and get clamped to [0, 1].
func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := claimsFrom(r.Context())
	listID := chi.URLParam(r, "listID")

	s.bus.Publish(listID, "cursor", map[string]any{
		"userId":   claims.Subject,
		"username": claims.Username,
		"x":        clamp01(req.X),
		"y":        clamp01(req.Y),
	})
	w.WriteHeader(http.StatusNoContent)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
