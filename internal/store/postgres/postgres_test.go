package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func TestDSN(t *testing.T) {
	if got := DSN(ClientConfig{DSN: " postgres://x "}); got != "postgres://x" {
		t.Errorf("explicit DSN = %q", got)
	}
	got := DSN(ClientConfig{Host: "db", Database: "bot", User: "u", Password: "p"})
	if got != "postgres://u:p@db:5432/bot?sslmode=disable" {
		t.Errorf("built DSN = %q", got)
	}
}

func TestAuditListQuery(t *testing.T) {
	q, args := auditListQuery(domain.ListOpts{})
	if strings.Contains(q, "WHERE") || len(args) != 0 {
		t.Errorf("unfiltered query = %q args = %v", q, args)
	}

	since := time.Now()
	q, args = auditListQuery(domain.ListOpts{Since: &since, Limit: 50, Offset: 100})
	want := "SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3"
	if q != want {
		t.Errorf("query = %q", q)
	}
	if len(args) != 3 || args[1] != 50 || args[2] != 100 {
		t.Errorf("args = %v", args)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Errorf("migrations = %v", names)
	}
}
