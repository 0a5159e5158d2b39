package executor

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

var (
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("0.99")

	// minSize is the smallest share increment the exchange accepts. A
	// remainder below it cannot be sold.
	minSize = decimal.RequireFromString("0.01")

	// maxPriceAdjust bounds how many ticks CleanAmounts may lower a SELL price
	// to find an amount the exchange accepts.
	maxPriceAdjust = 5
)

// RoundToTick rounds price to the tick grid in the direction that makes the
// order more likely to fill: up for BUY, down for SELL.
func RoundToTick(dir domain.OrderDirection, price, tick decimal.Decimal) decimal.Decimal {
	steps := price.Div(tick)
	if dir == domain.DirectionBuy {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

// ClampPrice bounds price to the tradable range [0.01, 0.99].
func ClampPrice(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(minPrice) {
		return minPrice
	}
	if price.GreaterThan(maxPrice) {
		return maxPrice
	}
	return price
}

// LadderPrice returns the limit for exit attempt n (0-based) of max. Attempt
// 0 is the trigger price on the tick grid. Each later attempt is at least one
// tick less favourable than prev and moves a growing share of the way toward
// the opposing best price, reaching it on the final attempt. opposing is
// zero when no fresh quote is available.
func LadderPrice(dir domain.OrderDirection, n, max int, trigger, prev, opposing, tick decimal.Decimal) decimal.Decimal {
	if n == 0 {
		return ClampPrice(RoundToTick(dir, trigger, tick))
	}

	next := prev.Sub(tick)
	if dir == domain.DirectionBuy {
		next = prev.Add(tick)
	}

	if opposing.IsPositive() && max > 1 {
		frac := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(max - 1)))
		if frac.GreaterThan(decimal.NewFromInt(1)) {
			frac = decimal.NewFromInt(1)
		}
		toward := prev.Add(opposing.Sub(prev).Mul(frac))
		if dir == domain.DirectionSell && toward.LessThan(next) {
			next = toward
		}
		if dir == domain.DirectionBuy && toward.GreaterThan(next) {
			next = toward
		}
	}
	return ClampPrice(RoundToTick(dir, next, tick))
}

// CleanAmounts makes size × price representable with at most two decimals,
// as the exchange requires. Size is truncated to 0.01 and reduced one step at
// a time; for SELL orders the price may also drop by up to five ticks when no
// size fits. A zero size means no acceptable amount exists.
func CleanAmounts(dir domain.OrderDirection, size, price, tick decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	size = size.Truncate(2)
	price = RoundToTick(dir, price, tick)

	adjustments := 0
	if dir == domain.DirectionSell {
		adjustments = maxPriceAdjust
	}
	for i := 0; i <= adjustments; i++ {
		if !price.IsPositive() {
			break
		}
		for s := size; s.IsPositive(); s = s.Sub(minSize) {
			p := s.Mul(price)
			if p.Equal(p.Truncate(2)) {
				return s, price
			}
		}
		price = price.Sub(tick)
	}
	return decimal.Zero, price
}
