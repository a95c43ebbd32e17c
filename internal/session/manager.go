// Package session manages a single reconnecting XMPP component stream:
// packet queueing while the stream is down, handler lifecycle fanout,
// and a pending-IQ table for request/response calls. It is the one
// part of the XMPP stack Mimir owns itself rather than delegating to
// mellium.im/xmpp, adapted from mimir.common.manager.StreamManager.
package session

import (
	"context"
	"encoding/xml"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/pubsub"
)

// DefaultIQTimeout bounds how long SendIQ waits for a matching result
// or error stanza before failing with errors.ErrTimeout, when the
// caller passes timeout <= 0 (spec.md §5, scenario S5).
const DefaultIQTimeout = 300 * time.Second

const (
	minBackoff = time.Second
	maxBackoff = 15 * time.Minute
)

// Dialer opens the underlying component stream. Component implements
// this against mellium.im/xmpp/component; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context) (*xmpp.Session, error)
}

// Manager owns one logical, auto-reconnecting XMPP stream and is the
// only thing in this package that other packages hold a reference to.
// It is safe for concurrent use.
type Manager struct {
	dialer Dialer
	log    *zap.SugaredLogger

	mu          sync.Mutex
	sess        *xmpp.Session
	domain      jid.JID
	initialized bool
	queue       []interface{}
	handlers    []Handler
	pending     *pendingTable

	stop   chan struct{}
	stopWg sync.WaitGroup
	once   sync.Once
}

// New builds a Manager around dialer; Run must be called to start the
// reconnect loop.
func New(dialer Dialer, log *zap.SugaredLogger) *Manager {
	return &Manager{
		dialer:  dialer,
		log:     log,
		pending: newPendingTable(),
		stop:    make(chan struct{}),
	}
}

// AddHandler registers handler for lifecycle and stanza callbacks. If
// the stream is already up and initialized, ConnectionInitialized is
// called immediately so the handler doesn't miss the transition.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		h.ConnectionInitialized(m)
	}
}

// RemoveHandler unregisters handler; it is a no-op if not registered.
func (m *Manager) RemoveHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.handlers {
		if existing == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Send writes obj over the stream if one is initialized, or queues it
// to be flushed in order once the next stream comes up. Any stanza
// missing an explicit "from" is stamped with the component's own
// bound domain first, since the router rejects from-less stanzas
// (spec.md §4.1).
func (m *Manager) Send(ctx context.Context, obj interface{}) error {
	m.mu.Lock()
	sess := m.sess
	initialized := m.initialized
	domain := m.domain
	m.mu.Unlock()

	obj = stampFrom(domain, obj)

	if initialized && sess != nil {
		return sess.Encode(ctx, obj)
	}

	m.mu.Lock()
	m.queue = append(m.queue, obj)
	m.mu.Unlock()
	return nil
}

// SendIQ sends iq (with payload as its child) and blocks until a
// matching result/error IQ arrives, the context is cancelled, timeout
// elapses, or the stream is lost — whichever comes first resolves it,
// per the pending-IQ invariant. A timeout <= 0 uses DefaultIQTimeout.
func (m *Manager) SendIQ(ctx context.Context, iq stanza.IQ, payload interface{}, timeout time.Duration) (stanza.IQ, []byte, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = DefaultIQTimeout
	}

	pending := m.pending.register(iq.ID, timeout, func() { m.pending.timeout(iq.ID) })

	if err := m.Send(ctx, struct {
		stanza.IQ
		Payload interface{}
	}{IQ: iq, Payload: payload}); err != nil {
		m.pending.resolve(iq.ID, stanza.IQ{}, nil) // drop the registration, no response coming
		return stanza.IQ{}, nil, err
	}

	select {
	case res := <-pending.result:
		return res.iq, res.payload, res.err
	case <-ctx.Done():
		return stanza.IQ{}, nil, ctx.Err()
	}
}

// PendingSendCount reports how many stanzas are queued waiting for a
// stream to come up, useful for tests and diagnostics.
func (m *Manager) PendingSendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stop tears down the reconnect loop and fails every pending IQ with
// errors.ErrConnectionLost.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.stopWg.Wait()
	m.pending.failAll()
}

// Run drives the reconnect-with-backoff loop until Stop is called or
// ctx is cancelled. It returns once the loop has exited for good.
func (m *Manager) Run(ctx context.Context) {
	m.stopWg.Add(1)
	defer m.stopWg.Done()

	backoff := minBackoff
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		sess, err := m.dialer.Dial(ctx)
		if err != nil {
			m.log.Warnw("component dial failed, retrying", "error", err, "backoff", backoff)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		lossErr := m.runSession(ctx, sess)
		m.log.Warnw("component session ended", "error", lossErr)
	}
}

// sleep waits for d, full-jitter style callers add jitter via
// nextBackoff; it returns false if Stop/ctx fired during the wait.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(d)))
	if jittered < minBackoff {
		jittered = minBackoff
	}
	return jittered
}

// runSession owns one physical connection end to end: bring handlers
// up, flush the queue, serve inbound stanzas until the stream dies,
// then tear everything back down. It returns the error that ended the
// stream, if any.
func (m *Manager) runSession(ctx context.Context, sess *xmpp.Session) error {
	m.mu.Lock()
	m.sess = sess
	if addr := sess.LocalAddr(); addr != nil {
		m.domain = *addr
	}
	m.mu.Unlock()

	for _, h := range m.snapshotHandlers() {
		h.ConnectionMade(m)
	}

	m.flushQueue(ctx, sess)

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	for _, h := range m.snapshotHandlers() {
		h.ConnectionInitialized(m)
	}

	serveErr := sess.Serve(&xmppHandler{manager: m, sess: sess})

	m.mu.Lock()
	m.sess = nil
	m.initialized = false
	m.mu.Unlock()

	m.pending.failAll()

	for _, h := range m.snapshotHandlers() {
		h.ConnectionLost(m, serveErr)
	}

	return serveErr
}

// xmppHandler adapts Manager.dispatch to xmpp.Handler, the interface
// Session.Serve expects (see mellium.im/xmpp/ibb.Handler.HandleXMPP for
// the same shape).
type xmppHandler struct {
	manager *Manager
	sess    *xmpp.Session
}

func (h *xmppHandler) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	return h.manager.dispatch(h.sess, t, start)
}

func (m *Manager) snapshotHandlers() []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

func (m *Manager) flushQueue(ctx context.Context, sess *xmpp.Session) {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	domain := m.domain
	m.mu.Unlock()

	for _, obj := range queue {
		if err := sess.Encode(ctx, stampFrom(domain, obj)); err != nil {
			m.log.Warnw("dropping queued stanza on flush failure", "error", err)
			return
		}
	}
}

// dispatch decodes one top-level inbound stanza and routes it by
// name: IQs go through dispatchIQ, presence through dispatchPresence,
// messages through dispatchMessage (pub-sub event notifications);
// anything else is ignored.
func (m *Manager) dispatch(sess *xmpp.Session, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	switch start.Name.Local {
	case "iq":
		return m.dispatchIQ(sess, t, start)
	case "presence":
		return m.dispatchPresence(t, start)
	case "message":
		return m.dispatchMessage(t, start)
	default:
		return nil
	}
}

// dispatchIQ routes a decoded <iq/>: result and error IQs resolve a
// pending SendIQ call by id; everything else is offered to registered
// StanzaHandlers in order, falling back to a service-unavailable reply
// for unanswered get/set IQs (spec.md §4.2).
func (m *Manager) dispatchIQ(sess *xmpp.Session, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var iq stanza.IQ
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			iq.ID = attr.Value
		case "type":
			iq.Type = stanza.IQType(attr.Value)
		case "to":
			iq.To, _ = jid.Parse(attr.Value)
		case "from":
			iq.From, _ = jid.Parse(attr.Value)
		}
	}

	d := xml.NewTokenDecoder(t)
	var raw struct {
		Inner []byte `xml:",innerxml"`
	}
	if err := d.DecodeElement(&raw, start); err != nil {
		return errors.Wrap(err, "session: decode inbound iq")
	}

	// Result and error IQs resolve a pending SendIQ call by id; the
	// caller inspects iq.Type to tell success from a stanza error.
	if iq.Type == stanza.ResultIQ || iq.Type == stanza.ErrorIQ {
		m.pending.resolve(iq.ID, iq, raw.Inner)
		return nil
	}

	for _, h := range m.snapshotHandlers() {
		stanzaHandler, ok := h.(StanzaHandler)
		if !ok {
			continue
		}
		if stanzaHandler.HandleIQ(iq, raw.Inner) {
			return nil
		}
	}

	if iq.Type == stanza.GetIQ || iq.Type == stanza.SetIQ {
		m.mu.Lock()
		domain := m.domain
		m.mu.Unlock()
		return sess.Encode(context.Background(), stampFrom(domain, serviceUnavailable(iq)))
	}
	return nil
}

type presenceElement struct {
	XMLName  xml.Name `xml:"presence"`
	Type     string   `xml:"type,attr"`
	From     string   `xml:"from,attr"`
	To       string   `xml:"to,attr"`
	ID       string   `xml:"id,attr"`
	Show     string   `xml:"show"`
	Status   string   `xml:"status"`
	Priority int8     `xml:"priority"`
}

// dispatchPresence routes a decoded <presence/> to every registered
// PresenceHandler, used by the monitor's roster tracking (spec.md's
// Monitor.availableReceived/unavailableReceived).
func (m *Manager) dispatchPresence(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var p presenceElement
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&p, start); err != nil {
		return errors.Wrap(err, "session: decode inbound presence")
	}

	from, err := jid.Parse(p.From)
	if err != nil {
		return nil
	}

	presence := Presence{
		Stanza:    stanza.Presence{ID: p.ID, From: from, Type: stanza.PresenceType(p.Type)},
		Available: p.Type == "" || p.Type == "available",
		Show:      p.Show,
		Status:    p.Status,
		Priority:  p.Priority,
	}

	for _, h := range m.snapshotHandlers() {
		if presenceHandler, ok := h.(PresenceHandler); ok {
			presenceHandler.HandlePresence(presence)
		}
	}
	return nil
}

type itemPayload struct {
	ID    string `xml:"id,attr"`
	Inner []byte `xml:",innerxml"`
}

type itemsElement struct {
	Node string        `xml:"node,attr"`
	Item []itemPayload `xml:"item"`
}

type eventElement struct {
	Items *itemsElement `xml:"http://jabber.org/protocol/pubsub#event items"`
}

type messageElement struct {
	XMLName xml.Name      `xml:"message"`
	From    string        `xml:"from,attr"`
	Event   *eventElement `xml:"http://jabber.org/protocol/pubsub#event event"`
}

// dispatchMessage routes a decoded <message/> carrying a pub-sub
// "items" event notification to every registered MessageHandler,
// mirroring wokkel.pubsub.PubSubClient._onItems. Messages without such
// an event payload (plain chat, etc.) are ignored, mimir has no use
// for them.
func (m *Manager) dispatchMessage(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var msg messageElement
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&msg, start); err != nil {
		return errors.Wrap(err, "session: decode inbound message")
	}

	if msg.Event == nil || msg.Event.Items == nil {
		return nil
	}

	notifier, err := jid.Parse(msg.From)
	if err != nil {
		return nil
	}

	items := make([]pubsub.Item, 0, len(msg.Event.Items.Item))
	for _, it := range msg.Event.Items.Item {
		items = append(items, pubsub.Item{ID: it.ID, Payload: it.Inner})
	}

	for _, h := range m.snapshotHandlers() {
		if messageHandler, ok := h.(MessageHandler); ok {
			messageHandler.HandleItems(notifier, msg.Event.Items.Node, items)
		}
	}
	return nil
}

// serviceUnavailable builds the fallback reply for a get/set IQ no
// registered StanzaHandler answered, mirroring control.go's
// replyError pattern (spec.md §4.2).
func serviceUnavailable(req stanza.IQ) interface{} {
	return struct {
		stanza.IQ
		Error stanza.Error `xml:"error"`
	}{
		IQ: stanza.IQ{
			ID:   req.ID,
			To:   req.From,
			From: req.To,
			Type: stanza.ErrorIQ,
		},
		Error: stanza.Error{Condition: stanza.ServiceUnavailable},
	}
}

// stampFrom returns obj with its promoted "From" field set to domain
// when that field exists and is currently unset, so callers don't
// each have to know or thread the component's own bound JID through
// every stanza they build. It is a no-op for any shape without a
// From field (or before the component's domain is known).
func stampFrom(domain jid.JID, obj interface{}) interface{} {
	var zero jid.JID
	if domain == zero {
		return obj
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Struct {
		return obj
	}

	cp := reflect.New(v.Type()).Elem()
	cp.Set(v)
	f := cp.FieldByName("From")
	if !f.IsValid() || !f.CanSet() || !f.IsZero() {
		return obj
	}

	switch f.Interface().(type) {
	case jid.JID:
		f.Set(reflect.ValueOf(domain))
	case string:
		f.SetString(domain.String())
	default:
		return obj
	}
	return cp.Interface()
}
