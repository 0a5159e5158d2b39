package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// PositionCommands is the subset of the position manager the API drives.
type PositionCommands interface {
	Open(ctx context.Context, side domain.Side, size decimal.NullDecimal) (domain.Position, error)
	Close(ctx context.Context, id string) (domain.OrderOutcome, error)
	RetryExit(ctx context.Context, id string) (domain.OrderOutcome, error)
	Resolve(ctx context.Context, id string) (domain.Position, error)
	Snapshot(ctx context.Context) ([]domain.PositionView, error)
	Closed(ctx context.Context) ([]domain.Position, error)
}

// PositionHandler serves the position command endpoints.
type PositionHandler struct {
	positions PositionCommands
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionCommands, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type openRequest struct {
	Side string              `json:"side"`
	Size decimal.NullDecimal `json:"size"`
}

type exitResponse struct {
	PositionID string              `json:"position_id"`
	Outcome    domain.OrderOutcome `json:"outcome"`
	Error      string              `json:"error,omitempty"`
}

// Open buys into a side. An omitted or null size uses the configured
// default.
// POST /api/positions {"side":"UP","size":"20"}
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	side := domain.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("side must be UP or DOWN, got %q", req.Side))
		return
	}
	if req.Size.Valid && !req.Size.Decimal.IsPositive() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("size must be positive, got %s", req.Size.Decimal))
		return
	}

	pos, err := h.positions.Open(r.Context(), side, req.Size)
	if err != nil {
		writeCommandError(w, r, h.logger, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// List returns the active positions with their marks.
// GET /api/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.positions.Snapshot(r.Context())
	if err != nil {
		writeCommandError(w, r, h.logger, err, http.StatusConflict)
		return
	}
	if views == nil {
		views = []domain.PositionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}

// ListClosed returns the closed positions, oldest first.
// GET /api/positions/closed
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	closed, err := h.positions.Closed(r.Context())
	if err != nil {
		writeCommandError(w, r, h.logger, err, http.StatusConflict)
		return
	}
	if closed == nil {
		closed = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": closed})
}

// Close exits a position at market and reports the exit outcome.
// POST /api/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, h.positions.Close)
}

// Retry restarts the exit ladder for a stuck position.
// POST /api/positions/{id}/retry
func (h *PositionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, h.positions.RetryExit)
}

func (h *PositionHandler) exit(w http.ResponseWriter, r *http.Request,
	run func(context.Context, string) (domain.OrderOutcome, error)) {
	id := r.PathValue("id")
	out, err := run(r.Context(), id)
	if err != nil {
		writeCommandError(w, r, h.logger, err, http.StatusConflict)
		return
	}

	resp := exitResponse{PositionID: id, Outcome: out}
	status := http.StatusOK
	if out.Err != nil {
		resp.Error = out.Err.Error()
		if errors.Is(out.Err, domain.ErrOrderRejected) {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, resp)
}

// Resolve writes off a stuck position's unsold remainder and closes it.
// POST /api/positions/{id}/resolve
func (h *PositionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, r, h.logger, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
