package aggregator

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

const metricsSampleInterval = 30 * time.Second

// ScheduleSize reports how many feeds currently have a pending poll
// timer, for metrics sampling.
func (e *Engine) ScheduleSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.schedule)
}

// IsScheduled reports whether handle already has a pending poll timer,
// so a feed-list reload doesn't reschedule what's already waiting. The
// entry is removed when the timer fires, so a poll that is currently
// running is not reported.
func (e *Engine) IsScheduled(handle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.schedule[handle]
	return ok
}

// ScheduleNow schedules an immediate, uncached poll of handle without
// touching the persisted feed list, for reconciling a feed list
// reload discovered through storage.Watch.
func (e *Engine) ScheduleNow(ctx context.Context, handle string) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	e.reschedule(ctx, 0, handle, false)
}

// RunMetrics samples system memory in use and the schedule size on a timer,
// logging at debug level, until ctx is cancelled. Callers gate this on
// logger.ShouldSampleMetrics so it costs nothing below debug verbosity.
func (e *Engine) RunMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleMetrics()
		}
	}
}

func (e *Engine) sampleMetrics() {
	v, err := mem.VirtualMemory()
	if err != nil {
		e.log.Debugw("metrics: failed to get memory stats", "error", err)
		return
	}
	e.log.Debugw("metrics: aggregator usage",
		"used_mb", (v.Total-v.Available)/1024/1024,
		"scheduled_feeds", e.ScheduleSize(),
	)
}
