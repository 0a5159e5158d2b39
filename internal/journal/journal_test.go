package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

type fakeUploader struct {
	paths []string
	err   error
}

func (u *fakeUploader) UploadFile(_ context.Context, p string) (string, error) {
	u.paths = append(u.paths, p)
	return "journals/" + filepath.Base(p), u.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func readLines(t *testing.T, p string) []map[string]any {
	t.Helper()
	f, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestJournalWritesSessionThenEvents(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	up := &fakeUploader{}
	j, err := Open(dir, "sess-1", "paper", now, up, discard())
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "2026-03-04", "run-20260304T050607.jsonl")
	if j.Path() != want {
		t.Errorf("path = %s, want %s", j.Path(), want)
	}

	j.Record(context.Background(), domain.Event{Type: domain.EventOrderPlaced, At: now, OrderID: "o-1", Price: decimal.RequireFromString("0.52")})
	j.Record(context.Background(), domain.Event{Type: domain.EventPositionClosed, At: now, PositionID: "p1"})
	if err := j.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	j.Record(context.Background(), domain.Event{Type: domain.EventOrderFilled})
	if n := j.Dropped(); n != 0 {
		t.Errorf("dropped = %d, want 0 (records after close are ignored)", n)
	}

	lines := readLines(t, j.Path())
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[0]["type"] != "session_start" || lines[0]["session_id"] != "sess-1" || lines[0]["mode"] != "paper" {
		t.Errorf("header = %v", lines[0])
	}
	if lines[1]["type"] != "order_placed" || lines[1]["price"] != "0.52" {
		t.Errorf("line 2 = %v", lines[1])
	}
	if _, ok := lines[2]["price"]; ok {
		t.Errorf("zero price written: %v", lines[2])
	}
	if len(up.paths) != 1 || up.paths[0] != j.Path() {
		t.Errorf("uploads = %v", up.paths)
	}
	if err := j.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestJournalUploadError(t *testing.T) {
	up := &fakeUploader{err: errors.New("bucket gone")}
	j, err := Open(t.TempDir(), "s", "trade", time.Now(), up, discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(context.Background()); err == nil {
		t.Error("expected upload error")
	}
}
