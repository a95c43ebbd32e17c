package monitor

import (
	"context"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/session"
)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

func TestMonitorHandlePresenceStoresAndInvokesCallback(t *testing.T) {
	store, _ := newTestStore(t)
	manager := session.New(nil, testLogger())
	mon := NewMonitor(store, manager, testLogger())

	var called bool
	var gotJID string
	var gotAvailable bool
	mon.RegisterCallback(func(ctx context.Context, bareJID string, available bool, show string) {
		called = true
		gotJID = bareJID
		gotAvailable = available
	})

	mon.HandlePresence(session.Presence{
		Stanza:    stanza.Presence{From: mustJID(t, "alice@example.com/work")},
		Available: true,
		Show:      "chat",
		Priority:  5,
	})

	if !called {
		t.Fatal("expected callback to be invoked for a jid's first presence")
	}
	if gotJID != "alice@example.com" {
		t.Errorf("expected callback jid 'alice@example.com', got %q", gotJID)
	}
	if !gotAvailable {
		t.Error("expected callback to report available=true")
	}
}

func TestMonitorHandlePresenceSkipsSubscriptionTypes(t *testing.T) {
	store, _ := newTestStore(t)
	manager := session.New(nil, testLogger())
	mon := NewMonitor(store, manager, testLogger())

	mon.HandlePresence(session.Presence{
		Stanza: stanza.Presence{From: mustJID(t, "alice@example.com/work"), Type: stanza.SubscribePresence},
	})

	var count int
	if err := queryCount(store, "alice@example.com", &count); err != nil {
		t.Fatalf("count presences: %v", err)
	}
	if count != 0 {
		t.Errorf("expected subscription-type presence to not be stored, found %d rows", count)
	}
}

func queryCount(store *PresenceStore, bareJID string, out *int) error {
	return store.db.QueryRow(`SELECT count(*) FROM presences WHERE jid = ?`, bareJID).Scan(out)
}

func TestRosterMonitorReciprocatesSubscribeRequest(t *testing.T) {
	store, _ := newTestStore(t)
	manager := session.New(nil, testLogger())
	roster := NewRosterMonitor(NewMonitor(store, manager, testLogger()))

	roster.HandlePresence(session.Presence{
		Stanza: stanza.Presence{From: mustJID(t, "bob@example.com"), Type: stanza.SubscribePresence},
	})

	// Manager queues outbound stanzas until a stream is initialized;
	// a successful reciprocation enqueues exactly two presences
	// (subscribed ack, then a subscribe request of our own).
	if got := manager.PendingSendCount(); got != 2 {
		t.Errorf("expected 2 queued presence stanzas, got %d", got)
	}
}

func TestRosterMonitorUnsubscribedRemovesPresences(t *testing.T) {
	store, _ := newTestStore(t)
	manager := session.New(nil, testLogger())
	roster := NewRosterMonitor(NewMonitor(store, manager, testLogger()))

	if _, err := store.StorePresence(context.Background(), "bob@example.com", "home", true, "chat", "", 1); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	roster.HandlePresence(session.Presence{
		Stanza: stanza.Presence{From: mustJID(t, "bob@example.com"), Type: stanza.UnsubscribedPresence},
	})

	var count int
	if err := queryCount(store, "bob@example.com", &count); err != nil {
		t.Fatalf("count presences: %v", err)
	}
	if count != 0 {
		t.Errorf("expected presences to be removed after unsubscribed, found %d rows", count)
	}
}
