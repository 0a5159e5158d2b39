// Package journal appends every trading event of a session to a local JSONL
// file and optionally archives the file when the session ends.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const queueSize = 1024

// Uploader archives a finished journal file and returns its remote key.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

type header struct {
	domain.Event
	SessionID string `json:"session_id"`
	Mode      string `json:"mode,omitempty"`
}

// Journal is an asynchronous JSONL writer. Record never blocks; events
// that do not fit in the queue are counted and dropped.
type Journal struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	uploader Uploader
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan domain.Event
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// Open creates <dir>/<YYYY-MM-DD>/run-<timestamp>.jsonl and writes the
// session_start line. uploader may be nil.
func Open(dir, sessionID, mode string, now time.Time, uploader Uploader, logger *slog.Logger) (*Journal, error) {
	day := filepath.Join(dir, now.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	path := filepath.Join(day, "run-"+now.UTC().Format("20060102T150405")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{
		path:     path,
		f:        f,
		w:        bufio.NewWriter(f),
		uploader: uploader,
		logger:   logger.With(slog.String("component", "journal")),
		queue:    make(chan domain.Event, queueSize),
		done:     make(chan struct{}),
	}
	start := header{
		Event:     domain.Event{Type: domain.EventSessionStart, At: now},
		SessionID: sessionID,
		Mode:      mode,
	}
	if err := j.writeLine(start); err != nil {
		f.Close()
		return nil, err
	}
	if err := j.w.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: flush: %w", err)
	}

	go j.loop()
	j.logger.Info("journal: opened", slog.String("path", path))
	return j, nil
}

// Path returns the local file path.
func (j *Journal) Path() string { return j.path }

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Record queues ev for writing. Events recorded after Close are ignored.
func (j *Journal) Record(_ context.Context, ev domain.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- ev:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("journal: queue full, dropping events")
		}
	}
}

func (j *Journal) loop() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.writeLine(ev); err != nil {
			j.logger.Warn("journal: write failed", slog.String("error", err.Error()))
			continue
		}
		if len(j.queue) == 0 {
			if err := j.w.Flush(); err != nil {
				j.logger.Warn("journal: flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (j *Journal) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.w.Write(b); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	j.written.Add(1)
	return nil
}

// Close drains the queue, closes the file and uploads it when an uploader
// is configured. It is safe to call more than once.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal: close: %w", err)
	}
	j.logger.InfoContext(ctx, "journal: closed",
		slog.Int64("lines", j.written.Load()),
		slog.Int64("dropped", j.dropped.Load()),
	)

	if j.uploader == nil {
		return nil
	}
	if _, err := j.uploader.UploadFile(ctx, j.path); err != nil {
		return fmt.Errorf("journal: upload: %w", err)
	}
	return nil
}
