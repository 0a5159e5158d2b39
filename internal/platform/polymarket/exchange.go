package polymarket

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	zeroAddress = "0x0000000000000000000000000000000000000000"

	// usdcDecimals is the base-unit scale of USDC and conditional tokens.
	usdcDecimals = 6

	rateLimitKey = "updown:orders"
)

// ExchangeConfig parameterises the live exchange adapter.
type ExchangeConfig struct {
	SignatureType   int
	FunderAddress   string // Safe or proxy wallet holding the funds; EOA when empty.
	OrderType       domain.OrderType
	OrdersPerSecond int
}

// Exchange places real orders on the Polymarket CLOB. It implements the
// order-execution exchange contract.
type Exchange struct {
	clob    *ClobClient
	signer  *crypto.Signer
	cfg     ExchangeConfig
	limiter domain.RateLimiter
	logger  *slog.Logger
}

// NewExchange wires a CLOB client and signer into an Exchange. limiter may be
// nil.
func NewExchange(clob *ClobClient, signer *crypto.Signer, cfg ExchangeConfig, limiter domain.RateLimiter, logger *slog.Logger) *Exchange {
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeGTC
	}
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 10
	}
	return &Exchange{
		clob:    clob,
		signer:  signer,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "polymarket_exchange")),
	}
}

// PlaceOrder signs and posts req. Fill-and-kill style orders that find no
// liquidity come back as UNMATCHED with no error; everything the exchange
// refuses is a domain.ErrOrderRejected.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderState, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, rateLimitKey, e.cfg.OrdersPerSecond, time.Second); err != nil {
			return domain.OrderState{}, fmt.Errorf("polymarket/exchange: rate limit: %w", err)
		}
	}

	body, err := e.buildOrder(req)
	if err != nil {
		return domain.OrderState{}, err
	}

	res, err := e.clob.PostOrder(ctx, body)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) && isNoMatch(err.Error()) {
			return domain.OrderState{Status: domain.OrderStatusUnmatched}, nil
		}
		return domain.OrderState{}, err
	}

	st := domain.OrderState{OrderID: res.OrderID, Status: normaliseStatus(res.Status)}
	st.SizeMatched, st.AvgPrice = res.FillFromResult(req.Direction)
	e.logger.DebugContext(ctx, "polymarket/exchange: order posted",
		slog.String("order_id", res.OrderID),
		slog.String("status", res.Status),
		slog.String("matched", st.SizeMatched.String()),
	)
	return st, nil
}

// CancelOrder cancels the remainder of an order.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	return e.clob.CancelOrder(ctx, orderID)
}

// OrderStatus reads cumulative fills for an order.
func (e *Exchange) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	o, err := e.clob.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, err
	}
	return o.ToOrderState(), nil
}

// buildOrder converts and signs req.
func (e *Exchange) buildOrder(req domain.OrderRequest) (PostOrderRequest, error) {
	makerAmt, takerAmt, err := OrderAmounts(req.Direction, req.Price, req.Size)
	if err != nil {
		return PostOrderRequest{}, err
	}

	salt, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return PostOrderRequest{}, fmt.Errorf("polymarket/exchange: salt: %w", err)
	}

	signerAddr := e.signer.Address().Hex()
	maker := signerAddr
	if e.cfg.FunderAddress != "" {
		maker = common.HexToAddress(e.cfg.FunderAddress).Hex()
	}
	side := 0
	if req.Direction == domain.DirectionSell {
		side = 1
	}

	payload := crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         maker,
		Signer:        signerAddr,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: e.cfg.SignatureType,
	}
	sig, err := e.signer.SignOrder(payload)
	if err != nil {
		return PostOrderRequest{}, fmt.Errorf("polymarket/exchange: %w: %v", domain.ErrSigningFailed, err)
	}

	orderType := req.Type
	if orderType == "" {
		orderType = e.cfg.OrderType
	}

	return PostOrderRequest{
		Order: SignedOrder{
			Salt:          salt.Int64(),
			Maker:         payload.Maker,
			Signer:        payload.Signer,
			Taker:         payload.Taker,
			TokenID:       payload.TokenID,
			MakerAmount:   payload.MakerAmount,
			TakerAmount:   payload.TakerAmount,
			Expiration:    payload.Expiration,
			Nonce:         payload.Nonce,
			FeeRateBps:    payload.FeeRateBps,
			Side:          string(req.Direction),
			SignatureType: payload.SignatureType,
			Signature:     sig,
		},
		Owner:     e.clob.Creds().Key,
		OrderType: string(orderType),
	}, nil
}

// OrderAmounts returns maker and taker amounts in 6-decimal base units. A
// BUY gives USDC for shares; a SELL gives shares for USDC.
func OrderAmounts(dir domain.OrderDirection, price, size decimal.Decimal) (maker, taker string, err error) {
	if !price.IsPositive() || !size.IsPositive() {
		return "", "", fmt.Errorf("%w: price %s and size %s must be positive", domain.ErrOrderRejected, price, size)
	}
	shares := size.Shift(usdcDecimals).Truncate(0)
	usdc := size.Mul(price).Shift(usdcDecimals).Truncate(0)
	if dir == domain.DirectionBuy {
		return usdc.String(), shares.String(), nil
	}
	return shares.String(), usdc.String(), nil
}

// isNoMatch recognises the kill message of FAK/FOK orders that found no
// liquidity. These are not rejections of the order itself.
func isNoMatch(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no orders found to match") ||
		strings.Contains(m, "couldn't be fully filled") ||
		strings.Contains(m, "could not be fully filled")
}
