package monitor

import (
	"context"
	"encoding/xml"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/session"
)

// PresenceCallback is notified whenever a roster change actually
// altered the elected top resource for a jid, adapted from
// mimir.monitor.presence.Monitor.register_callback's callback shape.
type PresenceCallback func(ctx context.Context, bareJID string, available bool, show string)

// Monitor tracks every inbound <presence/> into a PresenceStore and
// notifies registered callbacks when a jid's top resource changes,
// adapted from mimir.monitor.presence.Monitor.
type Monitor struct {
	session.NopHandler
	store   *PresenceStore
	manager *session.Manager
	log     *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []PresenceCallback
}

// NewMonitor builds a Monitor backed by store, replying/sending over manager.
func NewMonitor(store *PresenceStore, manager *session.Manager, log *zap.SugaredLogger) *Monitor {
	return &Monitor{store: store, manager: manager, log: log}
}

// RegisterCallback adds f to the set notified on a roster change.
func (m *Monitor) RegisterCallback(f PresenceCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, f)
}

// ConnectionInitialized announces this component's own availability,
// mirroring Monitor.connectionInitialized's call to self.available().
func (m *Monitor) ConnectionInitialized(mgr *session.Manager) {
	_ = mgr.Send(context.Background(), stanza.Presence{Type: stanza.AvailablePresence})
}

// HandlePresence implements session.PresenceHandler: it persists the
// update and fans out to every callback if the roster's elected top
// resource actually changed.
func (m *Monitor) HandlePresence(p session.Presence) {
	if p.Stanza.Type != "" && p.Stanza.Type != stanza.UnavailablePresence {
		return
	}

	ctx := context.Background()
	bareJID := p.Stanza.From.Bare().String()
	resource := p.Stanza.From.Resourcepart()

	available := p.Available
	show := p.Show
	priority := int(p.Priority)
	if !available {
		show = ""
		priority = 0
	}

	changed, err := m.store.StorePresence(ctx, bareJID, resource, available, show, p.Status, priority)
	if err != nil {
		m.log.Errorw("failed to store presence", "jid", bareJID, "error", err)
		return
	}

	m.log.Debugw("presence changed", "jid", bareJID, "changed", changed)
	if !changed {
		return
	}

	m.mu.Lock()
	callbacks := make([]PresenceCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(ctx, bareJID, available, show)
	}
}

// RosterMonitor additionally requests the roster on connect and keeps
// subscriptions reciprocal, adapted from
// mimir.monitor.presence.RosterMonitor.
type RosterMonitor struct {
	*Monitor
}

// NewRosterMonitor wraps monitor with subscription handling.
func NewRosterMonitor(monitor *Monitor) *RosterMonitor {
	return &RosterMonitor{Monitor: monitor}
}

// ConnectionInitialized requests the roster before announcing
// availability, mirroring RosterMonitor.connectionInitialized.
func (r *RosterMonitor) ConnectionInitialized(mgr *session.Manager) {
	_ = mgr.Send(context.Background(), rosterGetIQ())
	r.Monitor.ConnectionInitialized(mgr)
}

// HandlePresence adds subscription-request handling on top of
// Monitor's availability tracking.
func (r *RosterMonitor) HandlePresence(p session.Presence) {
	switch p.Stanza.Type {
	case stanza.SubscribePresence:
		r.reciprocate(p.Stanza.From, stanza.SubscribedPresence, stanza.SubscribePresence)
	case stanza.UnsubscribePresence:
		r.reciprocate(p.Stanza.From, stanza.UnsubscribedPresence, stanza.UnsubscribePresence)
	case stanza.UnsubscribedPresence:
		if err := r.store.RemovePresences(context.Background(), p.Stanza.From.Bare().String()); err != nil {
			r.log.Errorw("failed to remove presences on unsubscribe", "jid", p.Stanza.From.Bare().String(), "error", err)
		}
	default:
		r.Monitor.HandlePresence(p)
	}
}

// reciprocate answers a subscription request with ack then returns
// the favour, e.g. 'subscribe' -> send 'subscribed' then 'subscribe'.
func (r *RosterMonitor) reciprocate(to jid.JID, ack, back stanza.PresenceType) {
	ctx := context.Background()
	_ = r.manager.Send(ctx, stanza.Presence{To: to, Type: ack})
	_ = r.manager.Send(ctx, stanza.Presence{To: to, Type: back})
}

type rosterQuery struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
}

// rosterGetIQ requests the roster on connect, mirroring
// RosterMonitor.connectionInitialized's roster.RosterRequest.
func rosterGetIQ() interface{} {
	return struct {
		stanza.IQ
		Query rosterQuery `xml:"query"`
	}{
		IQ: stanza.IQ{Type: stanza.GetIQ},
	}
}
