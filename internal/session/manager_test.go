package session

import (
	"context"
	"testing"
)

func newTestManager() *Manager {
	return New(nil, nil)
}

// Sending while no stream is up must queue rather than error, and the
// queue must preserve FIFO order so a reconnect flushes stanzas in the
// order they were produced.
func TestSendQueuesWhileUninitialized(t *testing.T) {
	m := newTestManager()

	if err := m.Send(context.Background(), "first"); err != nil {
		t.Fatalf("unexpected error queuing first: %v", err)
	}
	if err := m.Send(context.Background(), "second"); err != nil {
		t.Fatalf("unexpected error queuing second: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) != 2 {
		t.Fatalf("expected 2 queued stanzas, got %d", len(m.queue))
	}
	if m.queue[0] != "first" || m.queue[1] != "second" {
		t.Errorf("expected FIFO order, got %+v", m.queue)
	}
}

func TestAddHandlerCallsConnectionInitializedIfAlreadyUp(t *testing.T) {
	m := newTestManager()
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	h := &recordingHandler{}
	m.AddHandler(h)

	if !h.initialized {
		t.Error("expected ConnectionInitialized to be called immediately")
	}
}

func TestRemoveHandlerStopsFutureCallbacks(t *testing.T) {
	m := newTestManager()
	h := &recordingHandler{}
	m.AddHandler(h)
	m.RemoveHandler(h)

	for _, other := range m.snapshotHandlers() {
		if other == h {
			t.Fatal("expected handler to be removed")
		}
	}
}

func TestNextBackoffStaysWithinBounds(t *testing.T) {
	d := minBackoff
	for i := 0; i < 20; i++ {
		next := nextBackoff(d)
		if next > maxBackoff {
			t.Fatalf("backoff exceeded cap: %v", next)
		}
		if next < minBackoff {
			t.Fatalf("backoff fell below floor: %v", next)
		}
		d = next
	}
}

type recordingHandler struct {
	made, initialized bool
	lost              error
}

func (h *recordingHandler) ConnectionMade(*Manager)        { h.made = true }
func (h *recordingHandler) ConnectionInitialized(*Manager) { h.initialized = true }
func (h *recordingHandler) ConnectionLost(_ *Manager, err error) {
	h.lost = err
}
