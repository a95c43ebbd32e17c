package session

import (
	"testing"
	"time"

	"mellium.im/xmpp/stanza"

	"github.com/ralphm/mimir/internal/errors"
)

func TestPendingTableResolveDeliversResult(t *testing.T) {
	table := newPendingTable()
	p := table.register("iq1", time.Minute, func() { t.Error("timeout should not fire") })

	ok := table.resolve("iq1", stanza.IQ{ID: "iq1", Type: stanza.ResultIQ}, []byte("<payload/>"))
	if !ok {
		t.Fatal("expected resolve to find the pending request")
	}

	select {
	case res := <-p.result:
		if res.err != nil {
			t.Errorf("unexpected error: %v", res.err)
		}
		if res.iq.ID != "iq1" {
			t.Errorf("unexpected iq id: %q", res.iq.ID)
		}
	default:
		t.Fatal("expected a result to be delivered")
	}
}

func TestPendingTableResolveUnknownIDReturnsFalse(t *testing.T) {
	table := newPendingTable()
	if table.resolve("missing", stanza.IQ{}, nil) {
		t.Error("expected resolve of an unknown id to return false")
	}
}

func TestPendingTableTimeoutDeliversErrTimeout(t *testing.T) {
	table := newPendingTable()
	done := make(chan struct{})
	p := table.register("iq2", time.Millisecond, func() {
		table.timeout("iq2")
		close(done)
	})

	<-done
	select {
	case res := <-p.result:
		if !errors.Is(res.err, errors.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout delivery")
	}
}

func TestPendingTableResolveAfterTimeoutIsNoop(t *testing.T) {
	table := newPendingTable()
	done := make(chan struct{})
	table.register("iq3", time.Millisecond, func() {
		table.timeout("iq3")
		close(done)
	})
	<-done

	if table.resolve("iq3", stanza.IQ{ID: "iq3"}, nil) {
		t.Error("expected resolve to find nothing once the timeout already fired")
	}
}

func TestPendingTableFailAllResolvesEveryPending(t *testing.T) {
	table := newPendingTable()
	a := table.register("a", time.Minute, func() {})
	b := table.register("b", time.Minute, func() {})

	table.failAll()

	for name, p := range map[string]*pendingIQ{"a": a, "b": b} {
		select {
		case res := <-p.result:
			if !errors.Is(res.err, errors.ErrConnectionLost) {
				t.Errorf("%s: expected ErrConnectionLost, got %v", name, res.err)
			}
		default:
			t.Errorf("%s: expected a result to be delivered by failAll", name)
		}
	}

	if len(table.pending) != 0 {
		t.Errorf("expected pending table to be cleared, has %d entries", len(table.pending))
	}
}
