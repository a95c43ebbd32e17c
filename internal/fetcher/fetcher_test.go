package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/httpclient"
)

func newTestFetcher() *Fetcher {
	client := httpclient.New(5*time.Second, httpclient.WithoutPrivateIPBlocking())
	return New(client, NewCache())
}

const feedBody = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Test Feed</title>
  <entry>
    <id>1</id>
    <title>Hello</title>
    <link href="http://example.org/1"/>
  </entry>
</feed>`

func TestGetFeedSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Type", "application/atom+xml")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(feedBody))
	}))
	defer server.Close()

	f := newTestFetcher()
	result, err := f.GetFeed(context.Background(), server.URL, "mimir-test", nil, true)
	if err != nil {
		t.Fatalf("GetFeed returned error: %v", err)
	}
	if result.Status != "200" {
		t.Errorf("expected status 200, got %q", result.Status)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result.Entries))
	}
}

func TestGetFeedNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	f := newTestFetcher()
	_, err := f.GetFeed(context.Background(), server.URL, "mimir-test", nil, true)
	if !errors.Is(err, errors.ErrNotModified) {
		t.Fatalf("expected ErrNotModified, got %v", err)
	}
}

func TestGetFeedSendsConditionalHeadersOnSecondCall(t *testing.T) {
	var sawIfNoneMatch string
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("ETag", `"etag-1"`)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(feedBody))
			return
		}
		sawIfNoneMatch = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	f := newTestFetcher()
	if _, err := f.GetFeed(context.Background(), server.URL, "mimir-test", nil, true); err != nil {
		t.Fatalf("first GetFeed returned error: %v", err)
	}
	_, err := f.GetFeed(context.Background(), server.URL, "mimir-test", nil, true)
	if !errors.Is(err, errors.ErrNotModified) {
		t.Fatalf("expected ErrNotModified on second call, got %v", err)
	}
	if sawIfNoneMatch != `"etag-1"` {
		t.Errorf("expected cached etag to be sent, got %q", sawIfNoneMatch)
	}
}

func TestGetFeedFollowsPermanentRedirect(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(feedBody))
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer origin.Close()

	f := newTestFetcher()
	result, err := f.GetFeed(context.Background(), origin.URL, "mimir-test", nil, false)
	if err != nil {
		t.Fatalf("GetFeed returned error: %v", err)
	}
	if result.Status != "301" {
		t.Errorf("expected status 301 to be surfaced, got %q", result.Status)
	}
	if result.URL != target.URL {
		t.Errorf("expected final URL %s, got %s", target.URL, result.URL)
	}
}

func TestGetFeedReturnsFetchErrorOn500(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newTestFetcher()
	_, err := f.GetFeed(context.Background(), server.URL, "mimir-test", nil, false)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fetchErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", fetchErr.Status)
	}
}
