package aggregator

import (
	"testing"

	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/feedstore"
	"github.com/ralphm/mimir/internal/session"
)

func newTestControl(t *testing.T) (*Control, *Engine, *feedstore.Storage) {
	t.Helper()
	engine, storage := newTestEngine(t, nil)
	mgr := session.New(nil, testLogger())
	return NewControl(engine, mgr), engine, storage
}

func TestControlIgnoresNonSetIQ(t *testing.T) {
	control, _, _ := newTestControl(t)
	iq := stanza.IQ{ID: "1", Type: stanza.GetIQ}
	if control.HandleIQ(iq, []byte(`<aggregator xmlns="http://mimir.ik.nu/protocol/aggregator"><feed><handle>a</handle><url>http://example.org</url></feed></aggregator>`)) {
		t.Error("expected get-IQ to be left unhandled")
	}
}

func TestControlIgnoresUnrelatedPayload(t *testing.T) {
	control, _, _ := newTestControl(t)
	iq := stanza.IQ{ID: "1", Type: stanza.SetIQ}
	if control.HandleIQ(iq, []byte(`<ping xmlns="urn:xmpp:ping"/>`)) {
		t.Error("expected unrelated payload to be left unhandled")
	}
}

func TestControlRegistersValidFeed(t *testing.T) {
	control, _, storage := newTestControl(t)
	iq := stanza.IQ{ID: "1", Type: stanza.SetIQ}
	payload := []byte(`<aggregator xmlns="http://mimir.ik.nu/protocol/aggregator"><feed><handle>myfeed</handle><url>http://example.org/feed</url></feed></aggregator>`)

	if !control.HandleIQ(iq, payload) {
		t.Fatal("expected a valid feed request to be handled")
	}

	feed, err := storage.GetFeed("myfeed")
	if err != nil {
		t.Fatalf("GetFeed returned error: %v", err)
	}
	if feed.Href != "http://example.org/feed" {
		t.Errorf("unexpected href: %q", feed.Href)
	}
}

func TestControlRejectsInvalidHandle(t *testing.T) {
	control, _, _ := newTestControl(t)
	iq := stanza.IQ{ID: "1", Type: stanza.SetIQ}
	payload := []byte(`<aggregator xmlns="http://mimir.ik.nu/protocol/aggregator"><feed><handle>Not Valid</handle><url>http://example.org/feed</url></feed></aggregator>`)

	if !control.HandleIQ(iq, payload) {
		t.Fatal("expected an invalid-handle request to still be reported as handled")
	}
}
