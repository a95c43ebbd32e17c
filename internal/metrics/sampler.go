// Package metrics samples process and system resource usage for the
// high-verbosity debug logging used by both daemons.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const sampleInterval = 30 * time.Second

// Sampler periodically logs memory and process statistics at debug level.
type Sampler struct {
	log  *zap.SugaredLogger
	proc *process.Process
}

// New builds a Sampler for the current process. Run logs its samples
// at debug level; below debug verbosity it still samples, and the
// logger drops the lines.
func New(log *zap.SugaredLogger) *Sampler {
	proc, err := process.NewProcess(int32(currentPID()))
	if err != nil {
		log.Debugw("metrics: failed to resolve current process", "error", err)
		proc = nil
	}
	return &Sampler{log: log, proc: proc}
}

// Run samples system and process metrics every sampleInterval until ctx is
// canceled. Callers gate invocation on logger.ShouldSampleMetrics.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	v, err := mem.VirtualMemory()
	if err != nil {
		s.log.Debugw("metrics: failed to get memory stats", "error", err)
	} else {
		s.log.Debugw("metrics: system memory",
			"total_mb", v.Total/1024/1024,
			"used_percent", v.UsedPercent,
		)
	}

	if s.proc == nil {
		return
	}
	rss, err := s.proc.MemoryInfo()
	if err != nil {
		s.log.Debugw("metrics: failed to get process memory", "error", err)
		return
	}
	cpuPercent, err := s.proc.CPUPercent()
	if err != nil {
		s.log.Debugw("metrics: failed to get process cpu", "error", err)
		cpuPercent = 0
	}
	s.log.Debugw("metrics: process usage",
		"rss_mb", rss.RSS/1024/1024,
		"cpu_percent", cpuPercent,
	)
}
