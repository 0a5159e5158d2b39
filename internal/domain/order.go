package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderDirection is BUY or SELL.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "BUY"
	DirectionSell OrderDirection = "SELL"
)

// OrderPurpose distinguishes entry orders from exits; they follow different
// retry policies.
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "ENTRY"
	PurposeExit  OrderPurpose = "EXIT"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus is the exchange-side state of a single placed order.
type OrderStatus string

const (
	OrderStatusLive      OrderStatus = "live"
	OrderStatusDelayed   OrderStatus = "delayed"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusUnmatched OrderStatus = "unmatched"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusMatched, OrderStatusUnmatched, OrderStatusCancelled:
		return true
	}
	return false
}

// OutcomeStatus is the result of a complete attempt sequence.
type OutcomeStatus string

const (
	OutcomeFilled    OutcomeStatus = "FILLED"
	OutcomePartial   OutcomeStatus = "PARTIAL"
	OutcomeAbandoned OutcomeStatus = "ABANDONED"
)

// OrderIntent is an instruction to trade. It lives only for the duration of
// one execution sequence.
type OrderIntent struct {
	Side       Side            `json:"side"`
	Direction  OrderDirection  `json:"direction"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Size       decimal.Decimal `json:"size"`
	Purpose    OrderPurpose    `json:"purpose"`
	PositionID string          `json:"position_id,omitempty"`
}

// OrderRequest is a single placement sent to an exchange.
type OrderRequest struct {
	TokenID   string
	Direction OrderDirection
	Price     decimal.Decimal
	Size      decimal.Decimal
	Type      OrderType
}

// OrderState is the exchange's view of one placed order. SizeMatched is
// cumulative over the order's life.
type OrderState struct {
	OrderID     string
	Status      OrderStatus
	SizeMatched decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Fill records a matched quantity on one order.
type Fill struct {
	OrderID string          `json:"order_id"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
	At      time.Time       `json:"at"`
}

// OrderOutcome is the definitive result of an execution sequence. Once
// returned, the Position Manager owns it.
type OrderOutcome struct {
	Status       OutcomeStatus   `json:"status"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Attempts     int             `json:"attempts"`
	Reason       string          `json:"reason,omitempty"`
	Fills        []Fill          `json:"fills,omitempty"`
	Err          error           `json:"-"`
}

// Notional is the sum of size times price over all fills.
func (o OrderOutcome) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Size.Mul(f.Price))
	}
	return total
}
