// Package feedstore is the aggregator's durable registry of feeds:
// the flat `feeds` list file plus one JSON snapshot per handle,
// adapted from mimir.aggregator.aggregator.FileFeedStorage.
package feedstore

import (
	"time"

	"github.com/ralphm/mimir/internal/feedparser"
)

// Feed is the persisted record for one aggregated handle (spec.md's
// Feed entity): the minimal {handle, href} record when nothing has
// been fetched yet, growing to carry the last snapshot's cache
// metadata once a poll has succeeded.
type Feed struct {
	Handle  string `json:"handle"`
	Href    string `json:"href"`
	Status  string `json:"status,omitempty"`
	ETag    string `json:"etag,omitempty"`
	Updated string `json:"updated,omitempty"`

	Interval int `json:"interval,omitempty"`

	Channel feedparser.Channel `json:"feed,omitempty"`
	Entries []feedparser.Entry `json:"entries,omitempty"`

	Indexes map[string]int `json:"indexes,omitempty"`

	Bozo          bool   `json:"bozo,omitempty"`
	BozoException string `json:"bozo_exception,omitempty"`
}

// DefaultInterval is the poll interval (seconds) assigned to a feed
// that has never carried one in its snapshot.
const DefaultInterval = 1800

// UpdatedTime parses the snapshot's Updated field, used to build the
// If-Modified-Since header for the next conditional GET.
func (f *Feed) UpdatedTime() (time.Time, bool) {
	if f.Updated == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, f.Updated)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
