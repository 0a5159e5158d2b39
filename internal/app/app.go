// Package app provides the top-level application lifecycle for the up/down
// bot. It wires the optional backends, the price feed, the execution engine
// and the position manager, and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/feed"
	"github.com/alanyoungcy/updownbot/internal/journal"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/server"
	"github.com/alanyoungcy/updownbot/internal/server/handler"
	"github.com/alanyoungcy/updownbot/internal/server/ws"
	"github.com/alanyoungcy/updownbot/internal/service"
	"github.com/alanyoungcy/updownbot/internal/signal"
)

// sessionLockKey guards against two bots trading the same market.
const sessionLockKey = "session"

const shutdownTimeout = 15 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessionID string
	closers   []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		sessionID: uuid.NewString(),
	}
}

// SessionID identifies this run in the journal, audit log and history.
func (a *App) SessionID() string { return a.sessionID }

// Run wires all dependencies, starts the trading core and blocks until the
// context is cancelled or a component fails. Open positions are not closed
// on shutdown; in-flight exits are allowed to settle.
func (a *App) Run(ctx context.Context) error {
	startedAt := time.Now().UTC()
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("session_id", a.sessionID),
		slog.String("up_token", a.cfg.Market.UpTokenID),
		slog.String("down_token", a.cfg.Market.DownTokenID),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	lease, err := a.acquireSession(ctx, deps.LockManager)
	if err != nil {
		return err
	}

	// --- Journal and event fan-out ---
	var uploader journal.Uploader
	if a.cfg.Journal.Upload && deps.Archiver != nil {
		uploader = deps.Archiver
	}
	jrnl, err := journal.Open(a.cfg.Journal.Dir, a.sessionID, a.cfg.Mode, startedAt, uploader, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	evDeps := service.EventDeps{
		Journal:   jrnl,
		Audit:     deps.AuditStore,
		Positions: deps.PositionStore,
		Bus:       deps.SignalBus,
	}
	if deps.Notifier != nil {
		evDeps.Alerter = deps.Notifier
	}
	events := service.NewEventService(a.sessionID, evDeps, a.logger)

	// The event worker outlives the errgroup so it can record the final
	// exit outcomes produced while the manager drains.
	evCtx, evCancel := context.WithCancel(context.WithoutCancel(ctx))
	evDone := make(chan struct{})
	go func() {
		defer close(evDone)
		_ = events.Run(evCtx)
	}()

	// --- Trading core ---
	quotes := feed.NewCache(a.cfg.Market.UpTokenID, a.cfg.Market.DownTokenID, a.cfg.Feed.StaleAfter.Duration)
	wsClient := polymarket.NewWSClient(a.cfg.Polymarket.WsURL, a.cfg.Feed.HandshakeTimeout.Duration, a.logger)
	priceFeed := feed.NewPolymarketWSFeed(wsClient, quotes,
		a.cfg.Feed.ReconnectMin.Duration, a.cfg.Feed.ReconnectMax.Duration, events, a.logger)

	exchange, err := a.buildExchange(ctx, quotes, deps.RateLimiter)
	if err != nil {
		evCancel()
		<-evDone
		a.closeJournal(jrnl, deps, startedAt)
		return fmt.Errorf("app: %w", err)
	}
	engine := executor.NewEngine(exchange, quotes, executorConfig(a.cfg), events, a.logger)
	manager := position.NewManager(positionConfig(a.cfg), engine, quotes, events, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return priceFeed.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })

	var signals *signal.Runner
	if a.cfg.Signal.Enabled {
		signals = a.buildSignal(quotes, manager, events)
		g.Go(func() error { return signals.Run(gctx) })
		a.logger.InfoContext(ctx, "volatility signal enabled",
			slog.String("product_id", a.cfg.Signal.ProductID),
			slog.Float64("threshold", a.cfg.Signal.Threshold),
		)
	}

	if lease != nil {
		g.Go(func() error { return a.keepSession(gctx, lease) })
	}
	if deps.PriceCache != nil || deps.SignalBus != nil {
		mirror := service.NewPriceMirror(quotes, deps.PriceCache, deps.SignalBus, a.logger)
		g.Go(func() error { return mirror.Run(gctx) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps, core{manager: manager, engine: engine, quotes: quotes, signals: signals}, startedAt)
	}

	runErr := g.Wait()

	evCancel()
	<-evDone
	a.closeJournal(jrnl, deps, startedAt)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// acquireSession takes the Redis session lock. Without Redis there is
// nothing to coordinate and lease is nil.
func (a *App) acquireSession(ctx context.Context, locks domain.LockManager) (domain.Lease, error) {
	if locks == nil {
		return nil, nil
	}
	key := sessionLockKey + ":" + a.cfg.Market.UpTokenID
	lease, err := locks.Acquire(ctx, key, a.cfg.Redis.SessionLockTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another session is trading this market: %w", err)
		}
		return nil, fmt.Errorf("app: acquire session lock: %w", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			a.logger.Warn("release session lock failed", slog.String("error", err.Error()))
		}
	})
	return lease, nil
}

// keepSession refreshes the session lock at a third of its TTL. Losing the
// lock stops the bot.
func (a *App) keepSession(ctx context.Context, lease domain.Lease) error {
	ticker := time.NewTicker(a.cfg.Redis.SessionLockTTL.Duration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lease.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("app: session lock lost: %w", err)
			}
		}
	}
}

// core is the running trading core the control surface reads from.
// signals is nil unless the volatility signal is enabled.
type core struct {
	manager *position.Manager
	engine  *executor.Engine
	quotes  *feed.Cache
	signals *signal.Runner
}

// startHTTPServer adds the control surface and, when a bus is available,
// the WebSocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c core, startedAt time.Time) {
	manager, quotes := c.manager, c.quotes
	status := handler.NewStatusHandler(strings.ToLower(a.cfg.Mode), a.sessionID, startedAt, manager, quotes.Status)
	status.Exits = c.engine.InFlight
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    status,
		Positions: handler.NewPositionHandler(manager, a.logger),
	}
	if c.signals != nil {
		handlers.Signal = handler.NewSignalHandler(c.signals, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.PositionStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.PositionStore, a.sessionID, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			SessionID: a.sessionID,
			StartedAt: startedAt,
			Status: func(ctx context.Context) (any, error) {
				st, err := manager.Status(ctx)
				if err != nil {
					return nil, err
				}
				out := map[string]any{"positions": st, "feed": quotes.Status(), "exits_in_flight": c.engine.InFlight()}
				if c.signals != nil {
					out["signal"] = c.signals.Status()
				}
				return out, nil
			},
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

// closeJournal flushes and uploads the journal, then archives the session's
// audit rows when both S3 and Postgres are enabled.
func (a *App) closeJournal(j *journal.Journal, deps *Dependencies, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := j.Close(ctx); err != nil {
		a.logger.WarnContext(ctx, "journal close failed",
			slog.String("path", j.Path()),
			slog.String("error", err.Error()),
		)
	}
	if deps.Archiver == nil || deps.AuditStore == nil {
		return
	}
	n, err := deps.Archiver.ArchiveAudit(ctx, a.sessionID, startedAt)
	if err != nil {
		a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(ctx, "audit archived", slog.Int("rows", n))
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
