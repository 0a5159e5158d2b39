package executor

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var tick = dec("0.01")

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		dir   domain.OrderDirection
		price string
		want  string
	}{
		{domain.DirectionBuy, "0.515", "0.52"},
		{domain.DirectionSell, "0.515", "0.51"},
		{domain.DirectionSell, "0.485", "0.48"},
		{domain.DirectionBuy, "0.50", "0.50"},
	}
	for _, tt := range tests {
		got := RoundToTick(tt.dir, dec(tt.price), tick)
		if !got.Equal(dec(tt.want)) {
			t.Errorf("RoundToTick(%s, %s) = %s, want %s", tt.dir, tt.price, got, tt.want)
		}
	}
}

func TestLadderPrice(t *testing.T) {
	tests := []struct {
		name     string
		dir      domain.OrderDirection
		n        int
		trigger  string
		prev     string
		opposing string
		want     string
	}{
		{"first attempt uses trigger", domain.DirectionSell, 0, "0.515", "0.515", "0.40", "0.51"},
		{"one tick without quote", domain.DirectionSell, 1, "0.48", "0.48", "0", "0.47"},
		{"halfway toward bid", domain.DirectionSell, 1, "0.48", "0.48", "0.45", "0.46"},
		{"final attempt at bid", domain.DirectionSell, 2, "0.48", "0.46", "0.45", "0.45"},
		{"at least one tick past bid", domain.DirectionSell, 2, "0.48", "0.45", "0.45", "0.44"},
		{"buy walks up", domain.DirectionBuy, 1, "0.52", "0.52", "0.60", "0.56"},
		{"clamped at floor", domain.DirectionSell, 1, "0.01", "0.01", "0", "0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LadderPrice(tt.dir, tt.n, 3, dec(tt.trigger), dec(tt.prev), dec(tt.opposing), tick)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCleanAmounts(t *testing.T) {
	tests := []struct {
		name      string
		dir       domain.OrderDirection
		size      string
		price     string
		wantSize  string
		wantPrice string
	}{
		{"truncates size", domain.DirectionSell, "20.005", "0.485", "20", "0.48"},
		{"already clean", domain.DirectionBuy, "3", "0.333", "3", "0.34"},
		{"sell lowers price", domain.DirectionSell, "0.37", "0.51", "0.36", "0.50"},
		{"buy has no fit", domain.DirectionBuy, "0.37", "0.51", "0", "0.51"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, price := CleanAmounts(tt.dir, dec(tt.size), dec(tt.price), tick)
			if !size.Equal(dec(tt.wantSize)) {
				t.Errorf("size = %s, want %s", size, tt.wantSize)
			}
			if size.IsPositive() && !price.Equal(dec(tt.wantPrice)) {
				t.Errorf("price = %s, want %s", price, tt.wantPrice)
			}
		})
	}
}
