package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateCreatesTables(t *testing.T) {
	conn := openMemory(t)

	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}

	tables := []string{
		"presences", "roster", "channels", "news", "auth_user",
		"news_prefs", "news_subscriptions", "news_notify",
		"news_notify_presences", "news_page", "news_flags",
	}
	for _, table := range tables {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openMemory(t)

	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("first Migrate returned error: %v", err)
	}
	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("second Migrate returned error: %v", err)
	}

	var count int
	if err := conn.QueryRow("SELECT count(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 recorded migrations, got %d", count)
	}
}
