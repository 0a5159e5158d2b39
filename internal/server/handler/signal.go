package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/updownbot/internal/signal"
)

// SignalControl toggles the volatility signal. signal.Runner implements it.
type SignalControl interface {
	Enable()
	Disable()
	Status() signal.Status
}

// SignalHandler exposes the volatility signal toggle.
type SignalHandler struct {
	control SignalControl
	logger  *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(control SignalControl, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{control: control, logger: logHandler(logger, "signal")}
}

// GetStatus reports the feed connection, toggle and outcome counts.
// GET /api/signal
func (h *SignalHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Status())
}

// Enable resumes entries from signals.
// POST /api/signal/enable
func (h *SignalHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.control.Enable()
	h.logger.InfoContext(r.Context(), "handler: signal entries enabled")
	writeJSON(w, http.StatusOK, h.control.Status())
}

// Disable pauses entries from signals; the feed keeps running.
// POST /api/signal/disable
func (h *SignalHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.control.Disable()
	h.logger.InfoContext(r.Context(), "handler: signal entries disabled")
	writeJSON(w, http.StatusOK, h.control.Status())
}
