package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/platform/coinbase"
	"github.com/alanyoungcy/updownbot/internal/platform/paper"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/signal"
)

// executorConfig maps the execution section onto the engine's settings.
func executorConfig(cfg *config.Config) executor.Config {
	e := cfg.Execution
	return executor.Config{
		EntryWindow:     e.EntryWindow.Duration,
		ExitWindow:      e.ExitWindow.Duration,
		PollInterval:    e.PollInterval.Duration,
		MaxExitAttempts: e.MaxExitAttempts,
		Tick:            decimal.NewFromFloat(e.PriceTick),
		OrderType:       domain.OrderType(strings.ToUpper(cfg.Polymarket.OrderType)),
	}
}

// positionConfig maps the trading section onto the manager's settings.
func positionConfig(cfg *config.Config) position.Config {
	t := cfg.Trading
	return position.Config{
		PositionSize:     decimal.NewFromFloat(t.PositionSize),
		MaxPositionSize:  decimal.NewFromFloat(t.MaxPositionSize),
		MaxOpenPositions: t.MaxOpenPositions,
		TakeProfitPct:    decimal.NewFromFloat(t.TakeProfitPct),
		StopLossPct:      decimal.NewFromFloat(t.StopLossPct),
		Slippage:         decimal.New(int64(t.SlippageCents), -2),
		Tick:             decimal.NewFromFloat(cfg.Execution.PriceTick),
		StopLossFirst:    t.StopLossFirst,
		StaleBreakeven:   t.StaleBreakevenAfter.Duration,
		SweepInterval:    cfg.Feed.SweepInterval.Duration,
	}
}

// controllerConfig maps the signal section onto the entry gates. A zero size
// leaves the manager's default in force.
func controllerConfig(cfg *config.Config) signal.ControllerConfig {
	s := cfg.Signal
	c := signal.ControllerConfig{MaxSpread: decimal.New(int64(s.MaxSpreadCents), -2)}
	if s.Size > 0 {
		c.Size = decimal.NewNullDecimal(decimal.NewFromFloat(s.Size))
	}
	return c
}

// buildSignal assembles the Coinbase volatility runner. It reconnects with
// the same bounds as the price feed.
func (a *App) buildSignal(quotes signal.Quotes, opener signal.Opener, sink domain.EventSink) *signal.Runner {
	s := a.cfg.Signal
	client := coinbase.NewWSClient(s.WsURL, a.cfg.Feed.HandshakeTimeout.Duration, a.logger)
	detector := signal.NewDetector(s.Window.Duration, decimal.NewFromFloat(s.Threshold), s.Cooldown.Duration)
	controller := signal.NewController(opener, quotes, controllerConfig(a.cfg), sink, a.logger)
	return signal.NewRunner(client, s.ProductID, detector, controller,
		a.cfg.Feed.ReconnectMin.Duration, a.cfg.Feed.ReconnectMax.Duration, a.logger)
}

// buildExchange returns the paper simulator or, in trade mode, a signing
// CLOB adapter with L2 credentials derived when none are configured.
func (a *App) buildExchange(ctx context.Context, quotes paper.QuoteSource, limiter domain.RateLimiter) (executor.Exchange, error) {
	if !strings.EqualFold(a.cfg.Mode, "trade") {
		a.logger.InfoContext(ctx, "paper mode: orders are simulated against the live book")
		return paper.NewExchange(quotes, a.logger), nil
	}

	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("build exchange: load key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID, a.cfg.Polymarket.ExchangeAddress)
	if err != nil {
		return nil, fmt.Errorf("build exchange: create signer: %w", err)
	}

	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, crypto.APICreds{
		Key:        a.cfg.Polymarket.ApiKey,
		Secret:     a.cfg.Polymarket.ApiSecret,
		Passphrase: a.cfg.Polymarket.ApiPassphrase,
	})
	if err := clob.EnsureAPICreds(ctx); err != nil {
		return nil, fmt.Errorf("build exchange: derive api credentials: %w", err)
	}
	a.logger.InfoContext(ctx, "trade mode: live orders enabled",
		slog.String("address", signer.Address().Hex()),
		slog.String("funder", a.cfg.Wallet.SafeAddress),
	)

	return polymarket.NewExchange(clob, signer, polymarket.ExchangeConfig{
		SignatureType:   a.cfg.Polymarket.SignatureType,
		FunderAddress:   a.cfg.Wallet.SafeAddress,
		OrderType:       domain.OrderType(strings.ToUpper(a.cfg.Polymarket.OrderType)),
		OrdersPerSecond: a.cfg.Execution.OrdersPerSecond,
	}, limiter, a.logger), nil
}
