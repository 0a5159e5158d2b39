package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memWriter) Put(_ context.Context, p string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[p] = b
	m.types[p] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	return m.Put(ctx, p, data, "application/x-ndjson")
}

type pagedAudit struct {
	rows []domain.AuditEntry
}

func (a *pagedAudit) Log(context.Context, string, map[string]any) error { return nil }

func (a *pagedAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if opts.Offset >= len(a.rows) {
		return nil, nil
	}
	end := min(opts.Offset+opts.Limit, len(a.rows))
	return a.rows[opts.Offset:end], nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestObjectKey(t *testing.T) {
	tests := []struct{ prefix, name, want string }{
		{"", "journals/a.jsonl", "journals/a.jsonl"},
		{"bot", "journals/a.jsonl", "bot/journals/a.jsonl"},
		{"bot", "/archive/x", "bot/archive/x"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.name); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	if got := normaliseEndpoint("minio:9000", false); got != "http://minio:9000" {
		t.Errorf("got %q", got)
	}
	if got := normaliseEndpoint("e2.example.com", true); got != "https://e2.example.com" {
		t.Errorf("got %q", got)
	}
	if got := normaliseEndpoint("https://s3.example.com", false); got != "https://s3.example.com" {
		t.Errorf("got %q", got)
	}
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "run-20260101T000000.jsonl")
	if err := os.WriteFile(p, []byte("{\"type\":\"session_start\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}

	w := newMemWriter()
	key, err := NewArchiver(w, nil, discard()).UploadFile(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if key != "journals/2026-01-02/run-20260101T000000.jsonl" {
		t.Errorf("key = %q", key)
	}
	if !bytes.Contains(w.objects[key], []byte("session_start")) {
		t.Errorf("uploaded %q", w.objects[key])
	}
}

func TestArchiveAuditPages(t *testing.T) {
	audit := &pagedAudit{}
	for i := 0; i < auditPageSize+3; i++ {
		audit.rows = append(audit.rows, domain.AuditEntry{ID: int64(i + 1), Event: "order_placed"})
	}
	w := newMemWriter()
	n, err := NewArchiver(w, audit, discard()).ArchiveAudit(context.Background(), "sess-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != auditPageSize+3 {
		t.Errorf("rows = %d", n)
	}
	body := string(w.objects["archive/audit/sess-1.jsonl"])
	if lines := strings.Count(body, "\n"); lines != n {
		t.Errorf("lines = %d, want %d", lines, n)
	}
}

func TestArchiveAuditWithoutStore(t *testing.T) {
	n, err := NewArchiver(newMemWriter(), nil, discard()).ArchiveAudit(context.Background(), "s", time.Now())
	if err != nil || n != 0 {
		t.Errorf("n = %d err = %v", n, err)
	}
}
