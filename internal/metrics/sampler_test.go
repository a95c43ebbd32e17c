package metrics

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSamplerRunStopsOnContextCancel(t *testing.T) {
	s := New(zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewResolvesCurrentProcess(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	if s.proc == nil {
		t.Error("expected New to resolve a process handle for the running test binary")
	}
}
