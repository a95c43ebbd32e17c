// Package pubsub builds the XEP-0060 IQs the aggregator needs to
// publish Atom entries and create nodes on the pub-sub service,
// adapted from wokkel.pubsub.PubSubClient's publish/createNode calls
// in mimir.aggregator.aggregator.AtomPublisher.
package pubsub

import (
	"bytes"
	"encoding/xml"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const ns = "http://jabber.org/protocol/pubsub"

// Item is one entry to publish to a node: its item id and the raw
// Atom entry document produced by internal/atom.
type Item struct {
	ID      string
	Payload []byte
}

type itemElement struct {
	XMLName xml.Name `xml:"item"`
	ID      string   `xml:"id,attr"`
	Inner   []byte   `xml:",innerxml"`
}

type publishElement struct {
	XMLName xml.Name      `xml:"http://jabber.org/protocol/pubsub publish"`
	Node    string        `xml:"node,attr"`
	Items   []itemElement `xml:"item"`
}

type pubsubPublish struct {
	XMLName xml.Name       `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Publish publishElement `xml:"publish"`
}

type createElement struct {
	XMLName xml.Name `xml:"create"`
	Node    string   `xml:"node,attr"`
}

type pubsubCreate struct {
	XMLName xml.Name      `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Create  createElement `xml:"create"`
}

// PublishRequest is a fully-formed set-IQ ready to be encoded and
// sent over the session, carrying one or more items to publish.
type PublishRequest struct {
	IQ      stanza.IQ
	Payload pubsubPublish
}

// NewPublish builds a `publish` request for node on service, wrapping
// each item's pre-rendered Atom document as the item's payload.
func NewPublish(service, node string, items []Item) PublishRequest {
	elements := make([]itemElement, 0, len(items))
	for _, item := range items {
		elements = append(elements, itemElement{ID: item.ID, Inner: item.Payload})
	}

	return PublishRequest{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			To:   mustParseJID(service),
			Type: stanza.SetIQ,
		},
		Payload: pubsubPublish{
			Publish: publishElement{Node: node, Items: elements},
		},
	}
}

// CreateNodeRequest is a fully-formed set-IQ that creates a pub-sub node.
type CreateNodeRequest struct {
	IQ      stanza.IQ
	Payload pubsubCreate
}

// NewCreateNode builds a `create` request for node on service.
func NewCreateNode(service, node string) CreateNodeRequest {
	return CreateNodeRequest{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			To:   mustParseJID(service),
			Type: stanza.SetIQ,
		},
		Payload: pubsubCreate{
			Create: createElement{Node: node},
		},
	}
}

// IsConflict reports whether payload (an error IQ's child element) is
// a <conflict/> stanza error, the response wokkel.pubsub's createNode
// treats as "node already exists" rather than a real failure.
func IsConflict(payload []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "conflict" {
			return true
		}
	}
}

func mustParseJID(s string) jid.JID {
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}
	}
	return j
}
