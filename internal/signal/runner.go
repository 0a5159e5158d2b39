package signal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbot/internal/platform/coinbase"
)

// queueSize bounds signals waiting for the controller. With a cooldown in
// force the queue only fills when entries stall.
const queueSize = 16

// Streamer runs one matches-channel session. coinbase.WSClient implements
// it.
type Streamer interface {
	Session(ctx context.Context, productIDs []string, onConnected func(), onMatch coinbase.MatchHandler) error
}

// Status is the runner's view for the control surface.
type Status struct {
	ControllerStatus
	Connected  bool   `json:"connected"`
	ProductID  string `json:"product_id"`
	WindowSize int    `json:"window_ticks"`
	Reconnects int    `json:"reconnects"`
	Dropped    int64  `json:"dropped"`
}

// Runner streams matches into a Detector and hands the signals it fires to
// a Controller on a separate goroutine, so a slow entry never stalls the
// read loop. The window is cleared on every connect and disconnect.
type Runner struct {
	stream     Streamer
	productID  string
	controller *Controller
	minGap     time.Duration
	maxGap     time.Duration
	logger     *slog.Logger
	queue      chan Signal

	mu        sync.Mutex
	detector  *Detector
	connected bool
	sessions  int
	dropped   atomic.Int64
}

// NewRunner creates a runner for productID.
func NewRunner(stream Streamer, productID string, detector *Detector, controller *Controller, reconnectMin, reconnectMax time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		stream:     stream,
		productID:  productID,
		detector:   detector,
		controller: controller,
		minGap:     reconnectMin,
		maxGap:     reconnectMax,
		logger:     logger.With(slog.String("component", "signal_feed")),
		queue:      make(chan Signal, queueSize),
	}
}

// Run streams and processes signals until ctx is cancelled. Transport
// errors never escape; the runner reconnects with bounded backoff.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.process(gctx)
		return nil
	})
	g.Go(func() error {
		r.streamLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (r *Runner) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-r.queue:
			r.controller.Handle(ctx, sig)
		}
	}
}

func (r *Runner) streamLoop(ctx context.Context) {
	products := []string{r.productID}
	b := &backoff.Backoff{Min: r.minGap, Max: r.maxGap, Factor: 2, Jitter: true}

	for {
		started := time.Now()
		err := r.stream.Session(ctx, products, r.onConnected, r.onMatch)
		r.reset(false)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > r.maxGap {
			b.Reset()
		}
		wait := b.Duration()
		reason := "session ended"
		if err != nil {
			reason = err.Error()
		}
		r.logger.WarnContext(ctx, "signal feed: disconnected, reconnecting",
			slog.String("error", reason),
			slog.Duration("backoff", wait),
			slog.Int("attempt", int(b.Attempt())),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Runner) onConnected() {
	r.reset(true)
	r.logger.Info("signal feed: subscribed", slog.String("product_id", r.productID))
}

func (r *Runner) reset(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detector.Reset()
	r.connected = connected
	if connected {
		r.sessions++
	}
}

func (r *Runner) onMatch(m coinbase.Match) {
	if m.ProductID != "" && m.ProductID != r.productID {
		return
	}
	r.mu.Lock()
	sig, ok := r.detector.Observe(m)
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.queue <- sig:
	default:
		r.dropped.Add(1)
		r.logger.Warn("signal feed: queue full, dropping signal", slog.String("side", string(sig.Side)))
	}
}

// Enable resumes acting on signals.
func (r *Runner) Enable() { r.controller.Enable() }

// Disable pauses entries; the feed keeps streaming.
func (r *Runner) Disable() { r.controller.Disable() }

// Status reports the connection, window and controller counters.
func (r *Runner) Status() Status {
	r.mu.Lock()
	st := Status{
		Connected:  r.connected,
		ProductID:  r.productID,
		WindowSize: r.detector.Len(),
	}
	if r.sessions > 1 {
		st.Reconnects = r.sessions - 1
	}
	r.mu.Unlock()
	st.Dropped = r.dropped.Load()
	st.ControllerStatus = r.controller.Status()
	return st
}
