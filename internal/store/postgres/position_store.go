package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// PositionStore implements domain.PositionStore on position_history. Each
// Save upserts the latest state of one position in one session.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore on pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const upsertPosition = `
INSERT INTO position_history (
	session_id, id, side, token_id, entry_price, entry_size, size,
	take_profit, stop_loss, status, exit_reason, exit_filled, exit_notional,
	opened_at, closed_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
ON CONFLICT (session_id, id) DO UPDATE SET
	size          = EXCLUDED.size,
	status        = EXCLUDED.status,
	exit_reason   = EXCLUDED.exit_reason,
	exit_filled   = EXCLUDED.exit_filled,
	exit_notional = EXCLUDED.exit_notional,
	closed_at     = EXCLUDED.closed_at,
	updated_at    = NOW()`

// Save records p's current state.
func (s *PositionStore) Save(ctx context.Context, sessionID string, p domain.Position) error {
	_, err := s.pool.Exec(ctx, upsertPosition,
		sessionID, p.ID, string(p.Side), p.TokenID,
		p.EntryPrice.String(), p.EntrySize.String(), p.Size.String(),
		p.TakeProfitPrice.String(), p.StopLossPrice.String(),
		string(p.Status), string(p.ExitReason),
		p.ExitFilled.String(), p.ExitNotional.String(),
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// List returns a session's positions in opening order.
func (s *PositionStore) List(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Position, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, side, token_id, entry_price::text, entry_size::text, size::text,
		       take_profit::text, stop_loss::text, status, exit_reason,
		       exit_filled::text, exit_notional::text, opened_at, closed_at
		FROM position_history
		WHERE session_id = $1
		ORDER BY opened_at
		LIMIT $2 OFFSET $3`, sessionID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                              domain.Position
		side, status, reason           string
		entry, entrySize, size, tp, sl string
		exitFilled, exitNotional       string
		closedAt                       *time.Time
	)
	if err := row.Scan(&p.ID, &side, &p.TokenID, &entry, &entrySize, &size,
		&tp, &sl, &status, &reason, &exitFilled, &exitNotional, &p.OpenedAt, &closedAt); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.ExitReason(reason)
	p.ClosedAt = closedAt

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.EntryPrice, entry}, {&p.EntrySize, entrySize}, {&p.Size, size},
		{&p.TakeProfitPrice, tp}, {&p.StopLossPrice, sl},
		{&p.ExitFilled, exitFilled}, {&p.ExitNotional, exitNotional},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Position{}, fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return p, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
