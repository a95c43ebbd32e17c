package monitor

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestStore(t *testing.T) (*PresenceStore, *sql.DB) {
	t.Helper()
	conn := openTestDB(t)
	store, err := NewPresenceStore(context.Background(), conn, testLogger())
	if err != nil {
		t.Fatalf("NewPresenceStore: %v", err)
	}
	return store, conn
}

func TestNewPresenceStoreResetsStalePresences(t *testing.T) {
	conn := openTestDB(t)
	if _, err := conn.Exec(`INSERT INTO presences (type, show, status, priority, jid, resource, last_updated)
		VALUES ('available', 'chat', '', 5, 'alice@example.com', 'work', datetime('now'))`); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	if _, err := NewPresenceStore(context.Background(), conn, testLogger()); err != nil {
		t.Fatalf("NewPresenceStore: %v", err)
	}

	var presenceType string
	if err := conn.QueryRow(`SELECT type FROM presences WHERE jid = ?`, "alice@example.com").Scan(&presenceType); err != nil {
		t.Fatalf("query presence: %v", err)
	}
	if presenceType != "unavailable" {
		t.Errorf("expected stale presence reset to unavailable, got %q", presenceType)
	}
}

func TestStorePresenceFirstResourceIsNewAndChanged(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	changed, err := store.StorePresence(ctx, "alice@example.com", "work", true, "chat", "", 5)
	if err != nil {
		t.Fatalf("StorePresence: %v", err)
	}
	if !changed {
		t.Error("expected first presence for a jid to be reported as changed")
	}
}

func TestStorePresenceHigherPriorityResourceBecomesTop(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	if _, err := store.StorePresence(ctx, "alice@example.com", "phone", true, "", "", 1); err != nil {
		t.Fatalf("StorePresence phone: %v", err)
	}

	changed, err := store.StorePresence(ctx, "alice@example.com", "work", true, "away", "", 10)
	if err != nil {
		t.Fatalf("StorePresence work: %v", err)
	}
	if !changed {
		t.Error("expected higher-priority resource to change the elected top resource")
	}

	var topResource string
	err = conn.QueryRow(`SELECT resource FROM presences
		JOIN roster ON roster.presence_id = presences.presence_id
		WHERE roster.jid = ?`, "alice@example.com").Scan(&topResource)
	if err != nil {
		t.Fatalf("query elected top resource: %v", err)
	}
	if topResource != "work" {
		t.Errorf("expected 'work' to be elected top resource, got %q", topResource)
	}
}

func TestStorePresenceLowerPriorityResourceDoesNotChangeTop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.StorePresence(ctx, "alice@example.com", "work", true, "chat", "", 10); err != nil {
		t.Fatalf("StorePresence work: %v", err)
	}

	changed, err := store.StorePresence(ctx, "alice@example.com", "phone", true, "away", "", 1)
	if err != nil {
		t.Fatalf("StorePresence phone: %v", err)
	}
	if changed {
		t.Error("expected a lower-priority resource's update to not change the elected top resource")
	}
}

func TestStorePresenceGoingUnavailableSetsZeroPriority(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	if _, err := store.StorePresence(ctx, "alice@example.com", "work", true, "chat", "", 10); err != nil {
		t.Fatalf("StorePresence available: %v", err)
	}
	if _, err := store.StorePresence(ctx, "alice@example.com", "work", false, "", "", 0); err != nil {
		t.Fatalf("StorePresence unavailable: %v", err)
	}

	var priority int
	if err := conn.QueryRow(`SELECT priority FROM presences WHERE jid = ? AND resource = ?`,
		"alice@example.com", "work").Scan(&priority); err != nil {
		t.Fatalf("query priority: %v", err)
	}
	if priority != 0 {
		t.Errorf("expected unavailable presence to reset priority to 0, got %d", priority)
	}
}

func TestRemovePresencesDeletesRosterAndPresences(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	if _, err := store.StorePresence(ctx, "alice@example.com", "work", true, "chat", "", 5); err != nil {
		t.Fatalf("StorePresence: %v", err)
	}

	if err := store.RemovePresences(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RemovePresences: %v", err)
	}

	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM presences WHERE jid = ?`, "alice@example.com").Scan(&count); err != nil {
		t.Fatalf("count presences: %v", err)
	}
	if count != 0 {
		t.Errorf("expected presences to be deleted, found %d rows", count)
	}
	if err := conn.QueryRow(`SELECT count(*) FROM roster WHERE jid = ?`, "alice@example.com").Scan(&count); err != nil {
		t.Fatalf("count roster: %v", err)
	}
	if count != 0 {
		t.Errorf("expected roster entry to be deleted, found %d rows", count)
	}
}
