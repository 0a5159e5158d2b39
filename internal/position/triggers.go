package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Rule configures trigger evaluation.
type Rule struct {
	// StopLossFirst gives the stop-loss precedence when a single price
	// satisfies both targets.
	StopLossFirst bool
	// BreakevenAfter enables the stale-breakeven exit for positions older
	// than this. Zero disables it.
	BreakevenAfter time.Duration
	Tick           decimal.Decimal
}

// Evaluate returns the exit reason price triggers for p, or "" when none
// does. Only OPEN positions with a positive price are considered. Each side
// is priced by its own token's bid, so the comparisons are the same for UP
// and DOWN: take-profit at price ≥ target, stop-loss at price ≤ target.
func Evaluate(p domain.Position, price decimal.Decimal, rule Rule, now time.Time) domain.ExitReason {
	if p.Status != domain.PositionOpen || !price.IsPositive() {
		return ""
	}

	tp := price.GreaterThanOrEqual(p.TakeProfitPrice)
	sl := price.LessThanOrEqual(p.StopLossPrice)
	switch {
	case tp && sl:
		if rule.StopLossFirst {
			return domain.ExitStopLoss
		}
		return domain.ExitTakeProfit
	case sl:
		return domain.ExitStopLoss
	case tp:
		return domain.ExitTakeProfit
	}

	if rule.BreakevenAfter > 0 && now.Sub(p.OpenedAt) >= rule.BreakevenAfter &&
		price.GreaterThanOrEqual(p.EntryPrice.Add(rule.Tick)) {
		return domain.ExitStaleBreakeven
	}
	return ""
}
