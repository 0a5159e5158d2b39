package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/updownbot/internal/feed"
	"github.com/alanyoungcy/updownbot/internal/position"
)

// StatusSource reports position counts and feed staleness.
type StatusSource interface {
	Status(ctx context.Context) (position.Status, error)
}

// FeedStatus reports the price feed connection.
type FeedStatus func() feed.Status

// ExitCount reports how many exit sequences the engine is running.
type ExitCount func() int

// StatusHandler serves the bot status for the terminal UI.
type StatusHandler struct {
	Mode      string
	SessionID string
	StartedAt time.Time
	// Exits is optional; when set the response carries exits_in_flight.
	Exits  ExitCount
	source StatusSource
	feed   FeedStatus
}

// NewStatusHandler creates a StatusHandler for one session. feedStatus may
// be nil.
func NewStatusHandler(mode, sessionID string, startedAt time.Time, source StatusSource, feedStatus FeedStatus) *StatusHandler {
	return &StatusHandler{Mode: mode, SessionID: sessionID, StartedAt: startedAt, source: source, feed: feedStatus}
}

// GetStatus responds with the mode, session and position counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.source.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := map[string]any{
		"mode":           h.Mode,
		"session_id":     h.SessionID,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"positions":      st,
	}
	if h.feed != nil {
		resp["feed"] = h.feed()
	}
	if h.Exits != nil {
		resp["exits_in_flight"] = h.Exits()
	}
	writeJSON(w, http.StatusOK, resp)
}
