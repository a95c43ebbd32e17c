// Package feedparser turns a fetched feed document into the typed
// records the aggregator pipeline operates on (spec.md §4.3), the
// Go-native replacement for the Python implementation's dynamic
// feedparser dict-with-attribute-access output.
package feedparser

import (
	"io"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ralphm/mimir/internal/errors"
)

// TextDetail carries a value plus the MIME type the source document
// declared for it (e.g. "text/plain" vs "text/html").
type TextDetail struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

// Entry is one item inside a parsed feed (spec.md's Entry type).
type Entry struct {
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	TitleDetail *TextDetail `json:"title_detail,omitempty"`
	Link        string      `json:"link,omitempty"`
	Summary     *TextDetail `json:"summary_detail,omitempty"`
	Content     *TextDetail `json:"content,omitempty"`
	Updated     *time.Time  `json:"updated,omitempty"`
	Published   *time.Time  `json:"published,omitempty"`
	Created     *time.Time  `json:"created,omitempty"`
}

// Channel carries the parsed feed-level metadata.
type Channel struct {
	Title string `json:"title"`
}

// Result is the parser's output for one fetched document: channel
// metadata, the ordered entries, and a bozo flag set when the
// document could not be parsed at all (Channel and Entries are then
// empty).
type Result struct {
	Channel        Channel `json:"feed"`
	Entries        []Entry `json:"entries"`
	Bozo           bool    `json:"bozo"`
	BozoException  string  `json:"bozo_exception,omitempty"`
}

// Parse reads body as an RSS or Atom document and produces a Result.
// A document the parser rejects is not an error: it comes back as a
// Result with Bozo set, BozoException describing the problem, and no
// channel metadata or entries. A document the parser accepts never has
// Bozo set.
func Parse(body io.Reader) (Result, error) {
	parser := gofeed.NewParser()
	feed, err := parser.Parse(body)
	if err != nil {
		return Result{
			Bozo:          true,
			BozoException: err.Error(),
		}, nil
	}

	result := Result{
		Channel: Channel{Title: feed.Title},
		Entries: make([]Entry, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		result.Entries = append(result.Entries, convertItem(item))
	}

	return result, nil
}

func convertItem(item *gofeed.Item) Entry {
	entry := Entry{
		ID:    item.GUID,
		Title: item.Title,
		Link:  item.Link,
	}
	if entry.ID == "" {
		entry.ID = item.Link
	}
	if item.Title != "" {
		entry.TitleDetail = &TextDetail{Value: item.Title, Type: "text/plain"}
	}

	if item.Content != "" {
		entry.Content = &TextDetail{Value: item.Content, Type: "text/html"}
	} else if item.Description != "" {
		entry.Summary = &TextDetail{Value: item.Description, Type: "text/html"}
	}

	entry.Updated = item.UpdatedParsed
	entry.Published = item.PublishedParsed
	if entry.Updated == nil {
		entry.Created = item.PublishedParsed
	}

	return entry
}

// ErrEmptyBody is an error value for callers that refuse to hand an
// empty response body to the parser rather than let it report a bozo
// error. Parse never returns it, and the fetcher passes empty bodies
// to Parse.
var ErrEmptyBody = errors.New("feedparser: empty response body")
