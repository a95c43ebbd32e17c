package pubsub

import (
	"encoding/xml"
	"strings"
	"testing"

	"mellium.im/xmpp/stanza"
)

func TestNewPublishBuildsSetIQWithItems(t *testing.T) {
	req := NewPublish("pubsub.example.org", "mimir/news/example", []Item{
		{ID: "1", Payload: []byte("<entry xmlns='http://www.w3.org/2005/Atom'><id>1</id></entry>")},
	})

	if req.IQ.Type != stanza.SetIQ {
		t.Errorf("expected set IQ, got %v", req.IQ.Type)
	}
	if req.IQ.ID == "" {
		t.Error("expected a generated IQ id")
	}
	if req.Payload.Publish.Node != "mimir/news/example" {
		t.Errorf("unexpected node: %q", req.Payload.Publish.Node)
	}
	if len(req.Payload.Publish.Items) != 1 || req.Payload.Publish.Items[0].ID != "1" {
		t.Errorf("unexpected items: %+v", req.Payload.Publish.Items)
	}

	out, err := xml.Marshal(req.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if !strings.Contains(string(out), `node="mimir/news/example"`) {
		t.Errorf("expected node attribute in marshalled output: %s", out)
	}
}

func TestNewCreateNodeBuildsSetIQ(t *testing.T) {
	req := NewCreateNode("pubsub.example.org", "mimir/news/example")
	if req.IQ.Type != stanza.SetIQ {
		t.Errorf("expected set IQ, got %v", req.IQ.Type)
	}
	if req.Payload.Create.Node != "mimir/news/example" {
		t.Errorf("unexpected node: %q", req.Payload.Create.Node)
	}
}

func TestIsConflictDetectsConflictCondition(t *testing.T) {
	payload := []byte(`<error type="cancel"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`)
	if !IsConflict(payload) {
		t.Error("expected conflict condition to be detected")
	}
}

func TestIsConflictFalseForOtherConditions(t *testing.T) {
	payload := []byte(`<error type="cancel"><item-not-found xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`)
	if IsConflict(payload) {
		t.Error("expected non-conflict condition to return false")
	}
}
