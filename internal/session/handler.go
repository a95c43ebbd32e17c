package session

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/pubsub"
)

// Handler receives the stream lifecycle events the Manager fans out
// to every registered handler, plus arbitrary stanzas it cares about
// (spec.md §4.1/§4.2). Handlers that only care about a subset embed
// NopHandler to satisfy the interface.
type Handler interface {
	// ConnectionMade is called once a new stream is up, before the
	// packet queue is drained. The component dialer has already
	// completed the handshake by then.
	ConnectionMade(*Manager)
	// ConnectionInitialized is called once after authentication, after
	// the packet queue has been drained onto the new stream.
	ConnectionInitialized(*Manager)
	// ConnectionLost is called when the stream ends, for any reason.
	ConnectionLost(*Manager, error)
}

// NopHandler is embedded by handlers that only implement part of the
// Handler interface.
type NopHandler struct{}

func (NopHandler) ConnectionMade(*Manager)          {}
func (NopHandler) ConnectionInitialized(*Manager)   {}
func (NopHandler) ConnectionLost(*Manager, error)   {}

// StanzaHandler additionally wants a look at every inbound IQ before
// the Manager falls back to a service-unavailable reply.
type StanzaHandler interface {
	Handler
	HandleIQ(stanza.IQ, []byte) (handled bool)
}

// Presence is one <presence/> stanza's parsed fields, as handed to
// PresenceHandler: who it's from, whether they're available, and
// their show/status/priority (spec.md's presence model).
type Presence struct {
	Stanza    stanza.Presence
	Available bool
	Show      string
	Status    string
	Priority  int8
}

// PresenceHandler additionally wants a look at every inbound presence
// stanza, the XMPP counterpart to StanzaHandler for IQs.
type PresenceHandler interface {
	Handler
	HandlePresence(Presence)
}

// MessageHandler wants a look at pub-sub event notifications carried
// in <message/> stanzas (XEP-0060 §4.3), the subscriber-side
// counterpart to internal/aggregator's publisher.
type MessageHandler interface {
	Handler
	HandleItems(notifier jid.JID, node string, items []pubsub.Item)
}
