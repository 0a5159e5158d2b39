package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// ExitReason records what moved a position into CLOSING.
type ExitReason string

const (
	ExitTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitStaleBreakeven ExitReason = "STALE_BREAKEVEN"
	ExitManual         ExitReason = "MANUAL"
)

// Position is a single bet on one side. TakeProfitPrice and StopLossPrice
// are fixed when the position is created.
type Position struct {
	ID              string          `json:"id"`
	Side            Side            `json:"side"`
	TokenID         string          `json:"token_id"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntrySize       decimal.Decimal `json:"entry_size"`
	Size            decimal.Decimal `json:"size"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	Status          PositionStatus  `json:"status"`
	OpenedAt        time.Time       `json:"opened_at"`

	ExitReason   ExitReason      `json:"exit_reason,omitempty"`
	ExitInFlight bool            `json:"exit_in_flight"`
	ExitFilled   decimal.Decimal `json:"exit_filled"`
	ExitNotional decimal.Decimal `json:"exit_notional"`
	LastOutcome  *OrderOutcome   `json:"last_outcome,omitempty"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// NewPosition builds an OPEN position and derives its exit targets as
// entry × (1 ± pct).
func NewPosition(id string, side Side, tokenID string, entry, size, tpPct, slPct decimal.Decimal, openedAt time.Time) Position {
	one := decimal.NewFromInt(1)
	return Position{
		ID:              id,
		Side:            side,
		TokenID:         tokenID,
		EntryPrice:      entry,
		EntrySize:       size,
		Size:            size,
		TakeProfitPrice: entry.Mul(one.Add(tpPct)),
		StopLossPrice:   entry.Mul(one.Sub(slPct)),
		Status:          PositionOpen,
		OpenedAt:        openedAt,
	}
}

// UnrealizedPnL marks the remaining size against price.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || p.Status == PositionClosed {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.Size)
}

// RealizedPnL is the profit on the shares already sold.
func (p Position) RealizedPnL() decimal.Decimal {
	return p.ExitNotional.Sub(p.EntryPrice.Mul(p.ExitFilled))
}

// AvgExitPrice is the volume-weighted price of all exit fills.
func (p Position) AvgExitPrice() decimal.Decimal {
	if !p.ExitFilled.IsPositive() {
		return decimal.Zero
	}
	return p.ExitNotional.Div(p.ExitFilled).Round(4)
}

// Stuck reports a CLOSING position whose last exit sequence settled without
// closing it. It waits for the operator.
func (p Position) Stuck() bool {
	return p.Status == PositionClosing && !p.ExitInFlight && p.LastOutcome != nil
}

// PositionView is a display row: a position plus its mark against the
// latest snapshot for its side.
type PositionView struct {
	Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Stale         bool            `json:"stale"`
	Stuck         bool            `json:"stuck"`
}
