// Package aggregator schedules feed polls, diffs the results against
// the last snapshot, and hands newly discovered entries to a
// FeedHandler, adapted from mimir.aggregator.aggregator.AggregatorService.
package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/buildinfo"
	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/feedparser"
	"github.com/ralphm/mimir/internal/feedstore"
	"github.com/ralphm/mimir/internal/fetcher"
)

// handleRE validates a feed handle: lowercase letters, digits, dash,
// underscore only, matching mimir.aggregator.aggregator.RE_HANDLE.
var handleRE = regexp.MustCompile(`^[-a-z0-9_]+$`)

// startupStagger is the delay added between each feed's first poll at
// startup, spreading load instead of hammering every feed at once.
const startupStagger = 5 * time.Second

// Engine polls every registered feed on its own schedule, persists
// results through a feedstore.Storage, and reports discovered entries
// to a FeedHandler.
type Engine struct {
	storage *feedstore.Storage
	fetcher *fetcher.Fetcher
	handler FeedHandler
	log     *zap.SugaredLogger
	agent   string

	mu       sync.Mutex
	running  bool
	schedule map[string]*time.Timer
}

// New builds an Engine. Run must be called to start polling.
func New(storage *feedstore.Storage, f *fetcher.Fetcher, handler FeedHandler, log *zap.SugaredLogger) *Engine {
	return &Engine{
		storage:  storage,
		fetcher:  f,
		handler:  handler,
		log:      log,
		agent:    fmt.Sprintf("MimirAggregator/%s (http://mimir.ik.nu/)", buildinfo.Get().Version),
		schedule: map[string]*time.Timer{},
	}
}

// Run reads the feed list and schedules a first poll for each handle,
// staggered startupStagger apart, then blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("starting aggregator")

	feeds, err := e.storage.GetFeedList()
	if err != nil {
		return errors.Wrap(err, "read feed list")
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	delay := startupStagger
	for handle := range feeds {
		e.reschedule(ctx, delay, handle, true)
		delay += startupStagger
	}

	<-ctx.Done()

	e.log.Info("stopping aggregator")
	e.mu.Lock()
	e.running = false
	calls := e.schedule
	e.schedule = map[string]*time.Timer{}
	e.mu.Unlock()
	for _, timer := range calls {
		timer.Stop()
	}
	return nil
}

// SetFeed associates handle with url, persisting it and, if the
// engine is running, scheduling an immediate uncached poll.
func (e *Engine) SetFeed(ctx context.Context, handle, url string) error {
	if !handleRE.MatchString(handle) {
		return errors.ErrInvalidHandle
	}

	e.mu.Lock()
	if timer, ok := e.schedule[handle]; ok {
		timer.Stop()
		delete(e.schedule, handle)
	}
	running := e.running
	e.mu.Unlock()

	if _, err := e.storage.SetFeedURL(handle, url); err != nil {
		return errors.Wrapf(err, "set feed url for %s", handle)
	}

	if running {
		e.reschedule(ctx, 0, handle, false)
	}
	return nil
}

func (e *Engine) reschedule(ctx context.Context, delay time.Duration, handle string, useCache bool) {
	e.mu.Lock()
	if existing, ok := e.schedule[handle]; ok {
		existing.Stop()
	}
	e.schedule[handle] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.schedule, handle)
		e.mu.Unlock()
		e.aggregate(ctx, handle, useCache)
	})
	e.mu.Unlock()
}

// aggregate polls handle once, stores the result, reports discovered
// entries, and reschedules the next poll at the feed's interval.
func (e *Engine) aggregate(ctx context.Context, handle string, useCache bool) {
	cached, err := e.storage.GetFeed(handle)
	if err != nil {
		e.log.Errorw("unknown feed, dropping from schedule", "handle", handle, "error", err)
		return
	}

	interval := cached.Interval
	if interval == 0 {
		interval = feedstore.DefaultInterval
	}

	headers := map[string]string{}
	if useCache {
		if cached.ETag != "" {
			headers["If-None-Match"] = cached.ETag
		}
		if updated, ok := cached.UpdatedTime(); ok {
			headers["If-Modified-Since"] = updated.UTC().Format(http.TimeFormat)
		}
	}

	result, err := e.fetcher.GetFeed(ctx, cached.Href, e.agent, headers, useCache)
	switch {
	case errors.Is(err, errors.ErrNotModified):
		e.log.Infow("not modified", "handle", handle)
		e.reschedule(ctx, time.Duration(interval)*time.Second, handle, true)
		return
	case err != nil:
		e.logFetchError(handle, err)
		e.reschedule(ctx, time.Duration(interval)*time.Second, handle, true)
		return
	}

	updated := e.workOnFeed(handle, cached, result)
	updated.Interval = interval

	discovered, newIndexes := e.findFreshEntries(handle, cached, updated.Entries)
	updated.Indexes = newIndexes

	if len(discovered) > 0 && e.handler != nil {
		if err := e.handler.EntriesDiscovered(ctx, handle, &updated, discovered); err != nil {
			e.log.Errorw("handler failed on discovered entries", "handle", handle, "error", err)
		}
	}

	e.log.Infow("updating cache", "handle", handle)
	if err := e.storage.StoreFeed(&updated); err != nil {
		e.log.Errorw("failed to store feed snapshot", "handle", handle, "error", err)
	}

	e.reschedule(ctx, time.Duration(updated.Interval)*time.Second, handle, true)
}

// workOnFeed merges a fetch result into the persisted record,
// following a permanent redirect by rewriting the stored URL, and
// normalizes entries missing an id to use their link instead.
func (e *Engine) workOnFeed(handle string, cached *feedstore.Feed, result fetcher.Result) feedstore.Feed {
	if result.Status == "301" {
		e.log.Infow("feed location changed permanently", "handle", handle, "url", result.URL)
		if _, err := e.storage.SetFeedURL(handle, result.URL); err != nil {
			e.log.Errorw("failed to persist redirected url", "handle", handle, "error", err)
		}
	}

	if len(result.Entries) > 0 {
		e.log.Infow("got feed", "handle", handle, "title", result.Channel.Title)
	} else {
		e.log.Infow("not a valid feed", "handle", handle)
	}
	if result.Bozo {
		e.log.Warnw("bozo flag raised", "handle", handle, "exception", result.BozoException)
	}

	entries := make([]feedparser.Entry, len(result.Entries))
	copy(entries, result.Entries)
	for i := range entries {
		if entries[i].ID == "" && entries[i].Link != "" {
			entries[i].ID = entries[i].Link
		}
	}

	updatedHeader := result.Headers["last-modified"]
	if updatedHeader == "" {
		updatedHeader = result.Headers["date"]
	}
	var updatedRFC3339 string
	if updatedHeader != "" {
		if t, err := http.ParseTime(updatedHeader); err == nil {
			updatedRFC3339 = t.UTC().Format(time.RFC3339)
		}
	}

	return feedstore.Feed{
		Handle:        handle,
		Href:          cached.Href,
		Status:        result.Status,
		ETag:          result.Headers["etag"],
		Updated:       updatedRFC3339,
		Channel:       result.Channel,
		Entries:       entries,
		Bozo:          result.Bozo,
		BozoException: result.BozoException,
	}
}

// findFreshEntries diffs result entries against the cached index
// (entry id -> position), returning entries that are new or whose
// content changed, and the index to persist for next time.
func (e *Engine) findFreshEntries(handle string, cached *feedstore.Feed, entries []feedparser.Entry) ([]feedparser.Entry, map[string]int) {
	var discovered []feedparser.Entry
	newIndexes := make(map[string]int, len(entries))

	index := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		index--
		entry := entries[i]
		if entry.ID == "" {
			continue
		}

		if pos, known := cached.Indexes[entry.ID]; !known {
			e.log.Debugw("found new entry", "handle", handle, "id", entry.ID)
			discovered = append(discovered, entry)
		} else if pos >= 0 && pos < len(cached.Entries) && !sameEntry(cached.Entries[pos], entry) {
			e.log.Debugw("found updated entry", "handle", handle, "id", entry.ID)
			discovered = append(discovered, entry)
		}

		newIndexes[entry.ID] = index
	}

	return discovered, newIndexes
}

// sameEntry approximates the source's simplejson round-trip equality
// check with a field comparison over what callers actually care about.
func sameEntry(a, b feedparser.Entry) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Link == b.Link &&
		textDetailEqual(a.Summary, b.Summary) &&
		textDetailEqual(a.Content, b.Content)
}

func textDetailEqual(a, b *feedparser.TextDetail) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *Engine) logFetchError(handle string, err error) {
	var fetchErr *fetcher.FetchError
	if errors.As(err, &fetchErr) {
		e.log.Warnw("no feed", "handle", handle, "status", fetchErr.Status, "message", fetchErr.Message)
		return
	}
	e.log.Errorw("unhandled error aggregating feed", "handle", handle, "error", err)
}
