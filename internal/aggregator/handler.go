package aggregator

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/atom"
	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/feedparser"
	"github.com/ralphm/mimir/internal/feedstore"
	"github.com/ralphm/mimir/internal/pubsub"
	"github.com/ralphm/mimir/internal/session"
)

// FeedHandler is notified when a poll turns up new or updated entries
// (spec.md's IFeedHandler), adapted from mimir.aggregator.aggregator.IFeedHandler.
type FeedHandler interface {
	EntriesDiscovered(ctx context.Context, handle string, feed *feedstore.Feed, entries []feedparser.Entry) error
}

// AtomPublisher republishes discovered entries as Atom items on the
// pub-sub node "mimir/news/<handle>", adapted from
// mimir.aggregator.aggregator.AtomPublisher.
type AtomPublisher struct {
	manager *session.Manager
	service string
	writer  atom.Writer
	log     *zap.SugaredLogger
}

// NewAtomPublisher builds a publisher that sends over manager to the
// pub-sub service JID service, rendering entries with
// atom.Reconstitute.
func NewAtomPublisher(manager *session.Manager, service string, log *zap.SugaredLogger) *AtomPublisher {
	return &AtomPublisher{manager: manager, service: service, writer: atom.Reconstitute{}, log: log}
}

func (p *AtomPublisher) node(handle string) string {
	return "mimir/news/" + handle
}

// EntriesDiscovered renders each entry to an Atom document and
// publishes whichever render successfully to the handle's node,
// skipping (and logging) entries that fail to render.
func (p *AtomPublisher) EntriesDiscovered(ctx context.Context, handle string, feed *feedstore.Feed, entries []feedparser.Entry) error {
	node := p.node(handle)

	items := make([]pubsub.Item, 0, len(entries))
	for _, entry := range entries {
		doc, err := p.writer.Generate(feed.Channel, entry)
		if err != nil {
			p.log.Warnw("error processing entry", "handle", handle, "title", entry.Title, "error", err)
			continue
		}
		items = append(items, pubsub.Item{ID: entry.ID, Payload: doc})
	}

	if len(items) == 0 {
		return nil
	}

	p.log.Infow("publishing items", "handle", handle, "count", len(items))
	req := pubsub.NewPublish(p.service, node, items)
	_, _, err := p.manager.SendIQ(ctx, req.IQ, req.Payload, 0)
	if err != nil {
		return errors.Wrapf(err, "publish items for %s", handle)
	}
	return nil
}

// CheckNode ensures the pub-sub node for handle exists, treating a
// conflict response (the node already exists) as success.
func (p *AtomPublisher) CheckNode(ctx context.Context, handle string) error {
	node := p.node(handle)
	req := pubsub.NewCreateNode(p.service, node)
	resultIQ, payload, err := p.manager.SendIQ(ctx, req.IQ, req.Payload, 0)
	if err != nil {
		return errors.Wrapf(err, "create node %s", node)
	}
	if resultIQ.Type == stanza.ErrorIQ {
		if pubsub.IsConflict(payload) {
			p.log.Debugw("node already exists", "node", node, "reason", errors.ErrConflict)
			return nil
		}
		return errors.Newf("create node %s: %s", node, resultIQ.Type)
	}
	return nil
}
