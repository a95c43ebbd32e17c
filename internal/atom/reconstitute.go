package atom

import (
	"encoding/xml"

	"github.com/ralphm/mimir/internal/feedparser"
)

// Reconstitute rebuilds an Atom entry starting from the channel's own
// metadata as well as the entry's, the Go-native stand-in for the
// original's ReconstituteWriter (which delegated to Venus's
// `reconstitute` module): a source's title carries through even when
// an individual entry omits one.
type Reconstitute struct{}

type reconstitutedEntry struct {
	atomEntry
	Source *sourceElement `xml:"source,omitempty"`
}

type sourceElement struct {
	XMLName xml.Name `xml:"source"`
	Title   string   `xml:"title,omitempty"`
}

// Generate implements Writer.
func (Reconstitute) Generate(channel feedparser.Channel, entry feedparser.Entry) ([]byte, error) {
	out := reconstitutedEntry{atomEntry: buildEntry(entry)}
	if channel.Title != "" {
		out.Source = &sourceElement{Title: channel.Title}
	}
	return xml.Marshal(out)
}
