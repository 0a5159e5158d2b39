package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// auditPageSize is how many audit rows are read per query while exporting.
const auditPageSize = 500

// Archiver copies session artefacts to object storage: the local journal
// file and, when an audit store is configured, the session's audit rows.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// UploadFile uploads the file at localPath under
// journals/<date>/<file name>, using the date of modTime.
func (a *Archiver) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3blob: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("s3blob: stat %s: %w", localPath, err)
	}
	key := journalKey(localPath, info.ModTime())
	if err := a.writer.PutMultipart(ctx, key, f, minPartSize); err != nil {
		return "", err
	}
	a.logger.InfoContext(ctx, "s3blob: journal uploaded",
		slog.String("key", key),
		slog.Int64("bytes", info.Size()),
	)
	return key, nil
}

// ArchiveAudit exports every audit row created since the given time as JSONL
// to archive/audit/<session>.jsonl and returns the row count. It is a no-op
// without an audit store.
func (a *Archiver) ArchiveAudit(ctx context.Context, sessionID string, since time.Time) (int, error) {
	if a.audit == nil {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	total := 0
	for offset := 0; ; offset += auditPageSize {
		rows, err := a.audit.List(ctx, domain.ListOpts{Limit: auditPageSize, Offset: offset, Since: &since})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return total, fmt.Errorf("s3blob: archive audit encode: %w", err)
			}
		}
		total += len(rows)
		if len(rows) < auditPageSize {
			break
		}
	}
	if total == 0 {
		return 0, nil
	}

	key := auditKey(sessionID)
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	a.logger.InfoContext(ctx, "s3blob: audit archived", slog.String("key", key), slog.Int("rows", total))
	return total, nil
}

func journalKey(localPath string, modTime time.Time) string {
	return fmt.Sprintf("journals/%s/%s", modTime.UTC().Format("2006-01-02"), filepath.Base(localPath))
}

func auditKey(sessionID string) string {
	return fmt.Sprintf("archive/audit/%s.jsonl", sessionID)
}
