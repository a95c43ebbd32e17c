package monitor

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ralphm/mimir/internal/pubsub"
	"github.com/ralphm/mimir/internal/session"
)

func newTestNewsService(t *testing.T) (*NewsService, *sql.DB) {
	t.Helper()
	conn := openTestDB(t)
	manager := session.New(nil, testLogger())
	return NewNewsService(conn, manager, testLogger()), conn
}

func seedSubscriber(t *testing.T, conn *sql.DB, channel, subscriberJID string, notify bool) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO auth_user (username) VALUES (?)`, subscriberJID)
	if err != nil {
		t.Fatalf("insert auth_user: %v", err)
	}
	userID, _ := res.LastInsertId()

	if _, err := conn.Exec(`INSERT INTO news_prefs (user_id, message_type, ssl, suspended) VALUES (?, 'chat', 0, 0)`, userID); err != nil {
		t.Fatalf("insert news_prefs: %v", err)
	}
	notifyFlag := 0
	if notify {
		notifyFlag = 1
	}
	if _, err := conn.Exec(`INSERT INTO news_subscriptions
		(user_id, channel, notify, description_in_notify, store_offline, notify_items)
		VALUES (?, ?, ?, 0, 1, 1)`, userID, channel, notifyFlag); err != nil {
		t.Fatalf("insert news_subscriptions: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO news_notify (user_id, jid) VALUES (?, ?)`, userID, subscriberJID); err != nil {
		t.Fatalf("insert news_notify: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO news_page (user_id) VALUES (?)`, userID); err != nil {
		t.Fatalf("insert news_page: %v", err)
	}
	return userID
}

const sampleEntryXML = `<entry xmlns="http://www.w3.org/2005/Atom">
  <id>tag:example.org,2026:1</id>
  <title>First post</title>
  <link href="http://example.org/1"/>
  <summary>Hello world</summary>
  <updated>2026-07-01T12:00:00Z</updated>
</entry>`

func TestProcessStoresNewItemAndMarksUnreadForNonNotifySubscriber(t *testing.T) {
	svc, conn := newTestNewsService(t)
	userID := seedSubscriber(t, conn, "planet", "alice@example.com", false)

	err := svc.Process(context.Background(), "planet", []pubsub.Item{{ID: "1", Payload: []byte(sampleEntryXML)}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM news WHERE channel = ? AND link = ?`, "planet", "http://example.org/1").Scan(&count); err != nil {
		t.Fatalf("count news: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one stored news item, got %d", count)
	}

	if err := conn.QueryRow(`SELECT count(*) FROM news_flags WHERE user_id = ?`, userID).Scan(&count); err != nil {
		t.Fatalf("count news_flags: %v", err)
	}
	if count != 1 {
		t.Errorf("expected item to be marked unread for a store_offline subscriber, got %d flags", count)
	}
}

func TestProcessSecondPublishUpdatesRatherThanDuplicates(t *testing.T) {
	svc, conn := newTestNewsService(t)
	seedSubscriber(t, conn, "planet", "alice@example.com", false)

	items := []pubsub.Item{{ID: "1", Payload: []byte(sampleEntryXML)}}
	if err := svc.Process(context.Background(), "planet", items); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := svc.Process(context.Background(), "planet", items); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM news WHERE channel = ?`, "planet").Scan(&count); err != nil {
		t.Fatalf("count news: %v", err)
	}
	if count != 1 {
		t.Errorf("expected re-publishing the same entry to update, not duplicate, got %d rows", count)
	}
}

func TestHandleItemsIgnoresNodesOutsideNewsPrefix(t *testing.T) {
	svc, conn := newTestNewsService(t)

	svc.HandleItems(mustJID(t, "pubsub.example.com"), "other/node", []pubsub.Item{{ID: "1", Payload: []byte(sampleEntryXML)}})

	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM news`).Scan(&count); err != nil {
		t.Fatalf("count news: %v", err)
	}
	if count != 0 {
		t.Errorf("expected a non-news node to be ignored, got %d stored items", count)
	}
}

func TestCheckNotifyReturnsNoNotifyWhenNothingUnread(t *testing.T) {
	svc, conn := newTestNewsService(t)
	seedSubscriber(t, conn, "planet", "alice@example.com", true)
	if _, err := conn.Exec(`INSERT INTO news_notify_presences (user_id, presence) VALUES (1, 'online')`); err != nil {
		t.Fatalf("seed notify presence: %v", err)
	}

	err := svc.pageNotify(context.Background(), "alice@example.com", "online")
	if err != errNoNotify {
		t.Errorf("expected errNoNotify with nothing unread, got %v", err)
	}
}
