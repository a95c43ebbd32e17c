// Package fetcher downloads feed documents over HTTP, honoring
// conditional-GET caching and the aggregator's redirect semantics
// (spec.md §4.3), adapted from mimir.aggregator.fetcher.getFeed.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/feedparser"
	"github.com/ralphm/mimir/internal/httpclient"
)

const maxRedirectHops = 10

// FetchError is returned for a non-success final HTTP status, a
// redirect that cannot be followed, or too many redirects. A body that
// fails to parse as a feed is not a FetchError: it comes back as a
// Result with Bozo set.
type FetchError struct {
	Status  int
	Message string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error (status %d): %s", e.Status, e.Message)
}

func (e *FetchError) Unwrap() error { return errors.ErrFetch }

// Result is the fetcher's public contract: a parsed feed plus the
// transport metadata the aggregator needs to update its stored Feed
// record (spec.md's FeedResult).
type Result struct {
	Status  string            `json:"status"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	feedparser.Result
}

// Fetcher downloads and parses feed documents, reusing a single
// conditional-GET cache and SSRF-hardened HTTP client across calls.
type Fetcher struct {
	safer  *httpclient.SaferClient
	client *http.Client
	cache  *Cache
}

// New builds a Fetcher backed by client, sharing cache across calls.
// It follows redirects itself rather than relying on client's default
// policy, so it can apply spec.md's per-status-code redirect rules.
func New(client *httpclient.SaferClient, cache *Cache) *Fetcher {
	return &Fetcher{safer: client, client: client.NoFollowClient(), cache: cache}
}

// GetFeed downloads url, honoring the process-wide conditional-GET
// cache when useCache is true, following redirects per the rules in
// spec.md §4.3, and returns the parsed feed. A 304 response yields
// errors.ErrNotModified; a final non-2xx status yields *FetchError.
func (f *Fetcher) GetFeed(ctx context.Context, url, agent string, headers map[string]string, useCache bool) (Result, error) {
	originalURL := url
	currentURL := url
	method := http.MethodGet
	realStatus := ""

	for hop := 0; ; hop++ {
		if hop > maxRedirectHops {
			return Result{}, &FetchError{Status: 0, Message: "too many redirects"}
		}

		if _, err := f.safer.ValidateURL(currentURL); err != nil {
			return Result{}, errors.Wrapf(err, "fetch %s", currentURL)
		}

		req, err := http.NewRequestWithContext(ctx, method, currentURL, nil)
		if err != nil {
			return Result{}, errors.Wrapf(err, "build request for %s", currentURL)
		}
		f.applyHeaders(req, originalURL, agent, headers, useCache)

		resp, err := f.client.Do(req)
		if err != nil {
			return Result{}, errors.Wrapf(err, "fetch %s", currentURL)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently:
			resp.Body.Close()
			next, err := resolveLocation(currentURL, resp.Header.Get("Location"))
			if err != nil {
				return Result{}, &FetchError{Status: resp.StatusCode, Message: err.Error()}
			}
			originalURL = next
			realStatus = "301"
			currentURL = next
			method = http.MethodGet
			continue
		case http.StatusFound, http.StatusTemporaryRedirect:
			resp.Body.Close()
			next, err := resolveLocation(currentURL, resp.Header.Get("Location"))
			if err != nil {
				return Result{}, &FetchError{Status: resp.StatusCode, Message: err.Error()}
			}
			if realStatus == "" {
				realStatus = fmt.Sprintf("%d", resp.StatusCode)
			}
			currentURL = next
			continue
		case http.StatusSeeOther:
			resp.Body.Close()
			next, err := resolveLocation(currentURL, resp.Header.Get("Location"))
			if err != nil {
				return Result{}, &FetchError{Status: resp.StatusCode, Message: err.Error()}
			}
			if realStatus == "" {
				realStatus = fmt.Sprintf("%d", resp.StatusCode)
			}
			currentURL = next
			method = http.MethodGet
			continue
		case http.StatusNotModified:
			resp.Body.Close()
			return Result{}, errors.ErrNotModified
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return Result{}, &FetchError{Status: resp.StatusCode, Message: resp.Status}
		}

		f.updateCache(originalURL, resp.Header)

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return Result{}, errors.Wrapf(err, "read response body from %s", currentURL)
		}

		parsed, err := feedparser.Parse(strings.NewReader(string(body)))
		if err != nil {
			return Result{}, errors.Wrapf(err, "parse feed from %s", currentURL)
		}

		status := realStatus
		if status == "" {
			status = fmt.Sprintf("%d", resp.StatusCode)
		}

		return Result{
			Status:  status,
			URL:     currentURL,
			Headers: flattenHeaders(resp.Header),
			Result:  parsed,
		}, nil
	}
}

func (f *Fetcher) applyHeaders(req *http.Request, cacheKey, agent string, headers map[string]string, useCache bool) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if useCache {
		if entry, ok := f.cache.get(cacheKey); ok {
			if entry.etag != "" && req.Header.Get("If-None-Match") == "" {
				req.Header.Set("If-None-Match", entry.etag)
			}
			if entry.lastModified != "" && req.Header.Get("If-Modified-Since") == "" {
				req.Header.Set("If-Modified-Since", entry.lastModified)
			}
		}
	}

	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/atom+xml,application/rss+xml,application/xml;q=0.9,text/xml;q=0.8,*/*;q=0.1")
	}
	if agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", agent)
	}
}

func (f *Fetcher) updateCache(cacheKey string, header http.Header) {
	etag := header.Get("ETag")
	lastModified := header.Get("Last-Modified")
	date := header.Get("Date")

	if etag == "" && lastModified == "" && date == "" {
		return
	}

	entry := cacheEntry{etag: etag}
	if lastModified != "" {
		entry.lastModified = lastModified
	} else if date != "" {
		entry.lastModified = date
	}
	f.cache.set(cacheKey, entry)
}

func resolveLocation(base, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect without Location header")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %s: %w", base, err)
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location header %q: %w", location, err)
	}
	return baseURL.ResolveReference(locationURL).String(), nil
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k := range header {
		out[strings.ToLower(k)] = header.Get(k)
	}
	return out
}
