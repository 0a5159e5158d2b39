package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// AuditHandler pages through the audit log.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// List returns audit entries, newest first.
// GET /api/audit?limit=50&offset=0&since=2026-01-02T15:04:05Z
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HistoryHandler serves the stored position history of the running session.
type HistoryHandler struct {
	store     domain.PositionStore
	sessionID string
	logger    *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler scoped to sessionID.
func NewHistoryHandler(store domain.PositionStore, sessionID string, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, sessionID: sessionID, logger: logHandler(logger, "history")}
}

// List returns the latest stored state of every position in opening order.
// GET /api/positions/history?limit=100&offset=0
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.List(r.Context(), h.sessionID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": h.sessionID, "positions": positions})
}
