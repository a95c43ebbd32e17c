package session

import (
	"sync"
	"time"

	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/errors"
)

// pendingIQ is a request awaiting its matching result or error IQ, or
// a timeout, or the session ending first (spec.md's Pending IQ
// entity): exactly one of those three resolves it.
type pendingIQ struct {
	result chan iqResult
	timer  *time.Timer
}

type iqResult struct {
	iq      stanza.IQ
	payload []byte
	err     error
}

// pendingTable tracks in-flight IQs by stanza id.
type pendingTable struct {
	mu      sync.Mutex
	pending map[string]*pendingIQ
}

func newPendingTable() *pendingTable {
	return &pendingTable{pending: make(map[string]*pendingIQ)}
}

// register adds id to the table with a timeout timer; onTimeout fires
// if nothing resolves the request first.
func (t *pendingTable) register(id string, timeout time.Duration, onTimeout func()) *pendingIQ {
	p := &pendingIQ{result: make(chan iqResult, 1)}
	p.timer = time.AfterFunc(timeout, onTimeout)

	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()

	return p
}

// resolve delivers a result IQ or error to the pending request with
// the matching id, if any is still outstanding. Returns false if no
// request is pending under that id (e.g. already timed out).
func (t *pendingTable) resolve(id string, iq stanza.IQ, payload []byte) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	p.result <- iqResult{iq: iq, payload: payload}
	return true
}

// timeout removes id and delivers ErrTimeout, called by the pending
// IQ's own timer.
func (t *pendingTable) timeout(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.result <- iqResult{err: errors.ErrTimeout}
}

// failAll resolves every outstanding request with ErrConnectionLost,
// called when the stream ends (spec.md: "fail every pending IQ with
// ConnectionLost and clear the pending table").
func (t *pendingTable) failAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingIQ)
	t.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.result <- iqResult{err: errors.ErrConnectionLost}
	}
}
