package aggregator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ralphm/mimir/internal/session"
)

func TestAddFeedResourceRejectsNonPost(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	publisher := NewAtomPublisher(session.New(nil, testLogger()), "pubsub.example.org", testLogger())
	resource := NewAddFeedResource(engine, publisher, "pubsub.example.org", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/addfeed", nil)
	rec := httptest.NewRecorder()
	resource.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestAddFeedResourceRejectsInvalidHandle(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	publisher := NewAtomPublisher(session.New(nil, testLogger()), "pubsub.example.org", testLogger())
	resource := NewAddFeedResource(engine, publisher, "pubsub.example.org", testLogger())

	body, _ := json.Marshal(AddFeedRequest{Handle: "Not Valid", URL: "http://example.org/feed"})
	req := httptest.NewRequest(http.MethodPost, "/addfeed", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	resource.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
