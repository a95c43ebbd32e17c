// Package atom turns a parsed feed entry into an Atom <entry> document
// suitable for publication over XMPP pub-sub (spec.md §4.6), adapted
// from mimir.aggregator.writer.
package atom

import (
	"encoding/xml"

	"github.com/ralphm/mimir/internal/feedparser"
)

// Writer turns one feed entry into a standalone Atom entry document.
type Writer interface {
	Generate(channel feedparser.Channel, entry feedparser.Entry) ([]byte, error)
}

// newText builds an Atom "text construct" element: a value plus a
// type attribute ("text" or "html").
func newText(name string, detail *feedparser.TextDetail) *xmlElement {
	if detail == nil || detail.Value == "" {
		return nil
	}
	typ := "html"
	if detail.Type == "text/plain" {
		typ = "text"
	}
	return &xmlElement{
		XMLName: xml.Name{Local: name},
		Type:    typ,
		Value:   detail.Value,
	}
}

type xmlElement struct {
	XMLName xml.Name
	Type    string `xml:"type,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type link struct {
	XMLName xml.Name `xml:"link"`
	Href    string   `xml:"href,attr"`
}

type atomEntry struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom entry"`
	ID      string      `xml:"id,omitempty"`
	Title   *xmlElement `xml:"title,omitempty"`
	Links   []link      `xml:"link,omitempty"`
	Summary *xmlElement `xml:"summary,omitempty"`
	Content *xmlElement `xml:"content,omitempty"`
	Updated string      `xml:"updated,omitempty"`
}

// buildEntry assembles the shared atomEntry fields common to every
// writer; a writer then marshals it directly or embeds it in a larger
// document.
func buildEntry(entry feedparser.Entry) atomEntry {
	doc := atomEntry{
		ID:      entry.ID,
		Title:   newText("title", entry.TitleDetail),
		Summary: newText("summary", entry.Summary),
		Content: newText("content", entry.Content),
	}
	if entry.Link != "" {
		doc.Links = []link{{Href: entry.Link}}
	}
	if entry.Updated != nil {
		doc.Updated = entry.Updated.UTC().Format("2006-01-02T15:04:05Z")
	} else if entry.Published != nil {
		doc.Updated = entry.Published.UTC().Format("2006-01-02T15:04:05Z")
	}
	return doc
}

// HandWritten builds the Atom entry by marshalling feedparser.Entry
// fields directly through encoding/xml, the Go-native equivalent of
// AtomWriter's per-field `_generate_*` dispatch.
type HandWritten struct{}

// Generate implements Writer.
func (HandWritten) Generate(_ feedparser.Channel, entry feedparser.Entry) ([]byte, error) {
	return xml.Marshal(buildEntry(entry))
}
