package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Unix(1700000000, 0)

func testPosition(side domain.Side) domain.Position {
	return domain.NewPosition("p1", side, "tok", dec("0.50"), dec("20"), dec("0.03"), dec("0.03"), t0)
}

func TestTargetsDerivedAtOpen(t *testing.T) {
	p := testPosition(domain.SideUp)
	if !p.TakeProfitPrice.Equal(dec("0.515")) {
		t.Errorf("take profit = %s, want 0.515", p.TakeProfitPrice)
	}
	if !p.StopLossPrice.Equal(dec("0.485")) {
		t.Errorf("stop loss = %s, want 0.485", p.StopLossPrice)
	}
}

func TestEvaluate(t *testing.T) {
	rule := Rule{StopLossFirst: true, Tick: dec("0.01")}
	tests := []struct {
		price string
		want  domain.ExitReason
	}{
		{"0.516", domain.ExitTakeProfit},
		{"0.515", domain.ExitTakeProfit},
		{"0.514", ""},
		{"0.50", ""},
		{"0.486", ""},
		{"0.485", domain.ExitStopLoss},
		{"0.484", domain.ExitStopLoss},
		{"0", ""},
	}
	for _, side := range domain.Sides {
		p := testPosition(side)
		for _, tt := range tests {
			if got := Evaluate(p, dec(tt.price), rule, t0); got != tt.want {
				t.Errorf("%s at %s: got %q, want %q", side, tt.price, got, tt.want)
			}
		}
	}
}

func TestEvaluateIgnoresNonOpen(t *testing.T) {
	p := testPosition(domain.SideUp)
	p.Status = domain.PositionClosing
	if got := Evaluate(p, dec("0.60"), Rule{}, t0); got != "" {
		t.Errorf("closing position triggered %q", got)
	}
}

func TestEvaluateTieBreak(t *testing.T) {
	// A gap past both targets: targets collapsed onto the same price.
	p := testPosition(domain.SideUp)
	p.TakeProfitPrice = dec("0.50")
	p.StopLossPrice = dec("0.50")

	if got := Evaluate(p, dec("0.50"), Rule{StopLossFirst: true}, t0); got != domain.ExitStopLoss {
		t.Errorf("stop-loss first: got %q", got)
	}
	if got := Evaluate(p, dec("0.50"), Rule{StopLossFirst: false}, t0); got != domain.ExitTakeProfit {
		t.Errorf("take-profit first: got %q", got)
	}
}

func TestEvaluateStaleBreakeven(t *testing.T) {
	p := testPosition(domain.SideUp)
	rule := Rule{BreakevenAfter: time.Minute, Tick: dec("0.01")}

	if got := Evaluate(p, dec("0.51"), rule, t0.Add(30*time.Second)); got != "" {
		t.Errorf("young position: got %q", got)
	}
	if got := Evaluate(p, dec("0.51"), rule, t0.Add(2*time.Minute)); got != domain.ExitStaleBreakeven {
		t.Errorf("aged position at entry+tick: got %q", got)
	}
	if got := Evaluate(p, dec("0.50"), rule, t0.Add(2*time.Minute)); got != "" {
		t.Errorf("aged position at entry: got %q", got)
	}
	if got := Evaluate(p, dec("0.51"), Rule{Tick: dec("0.01")}, t0.Add(time.Hour)); got != "" {
		t.Errorf("disabled rule: got %q", got)
	}
}
