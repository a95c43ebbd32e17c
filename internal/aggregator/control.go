package aggregator

import (
	"context"
	"encoding/xml"

	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/session"
)

// NamespaceAggregator is the IQ payload namespace used to register or
// update a feed over the XMPP control channel (spec.md §4.4), matching
// the source's NS_AGGREGATOR.
const NamespaceAggregator = "http://mimir.ik.nu/protocol/aggregator"

type feedRequest struct {
	XMLName xml.Name `xml:"http://mimir.ik.nu/protocol/aggregator aggregator"`
	Feed    struct {
		Handle string `xml:"handle"`
		URL    string `xml:"url"`
	} `xml:"feed"`
}

// Control answers `aggregator/feed` set-IQs by registering the feed
// with an Engine, adapted from mimir.aggregator.aggregator.XMPPControl.
type Control struct {
	session.NopHandler
	engine  *Engine
	manager *session.Manager
}

// NewControl builds a Control wired to engine, replying over manager.
func NewControl(engine *Engine, manager *session.Manager) *Control {
	return &Control{engine: engine, manager: manager}
}

// HandleIQ implements session.StanzaHandler, answering set-IQs whose
// child element is `aggregator` in NamespaceAggregator; every other
// stanza is left for the next handler (or the fallback responder).
func (c *Control) HandleIQ(iq stanza.IQ, payload []byte) bool {
	if iq.Type != stanza.SetIQ {
		return false
	}

	var req feedRequest
	if err := xml.Unmarshal(payload, &req); err != nil {
		return false
	}

	handle := req.Feed.Handle
	url := req.Feed.URL
	if handle == "" || url == "" {
		c.replyError(iq, stanza.BadRequest, "")
		return true
	}

	if err := c.engine.SetFeed(context.Background(), handle, url); err != nil {
		if errors.Is(err, errors.ErrInvalidHandle) {
			c.replyError(iq, stanza.BadRequest, "Invalid handle")
			return true
		}
		c.replyError(iq, stanza.InternalServerError, "")
		return true
	}

	c.replyResult(iq)
	return true
}

func (c *Control) replyError(req stanza.IQ, condition stanza.Condition, text string) {
	resp := struct {
		stanza.IQ
		Error stanza.Error `xml:"error"`
	}{
		IQ: stanza.IQ{
			ID:   req.ID,
			To:   req.From,
			From: req.To,
			Type: stanza.ErrorIQ,
		},
		Error: stanza.Error{Condition: condition, Text: text},
	}
	_ = c.manager.Send(context.Background(), resp)
}

func (c *Control) replyResult(req stanza.IQ) {
	resp := stanza.IQ{
		ID:   req.ID,
		To:   req.From,
		From: req.To,
		Type: stanza.ResultIQ,
	}
	_ = c.manager.Send(context.Background(), resp)
}
