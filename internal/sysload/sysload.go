// Package sysload periodically samples process CPU and memory usage,
// publishes them as metrics, and answers whether a new connection
// should be accepted against those same samples.
package sysload

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler periodically refreshes CPU and RSS gauges and keeps the
// latest reading available for admission decisions. A zero threshold
// disables that particular check.
type Sampler struct {
	proc     *process.Process
	interval time.Duration
	cpuGauge prometheus.Gauge
	rssGauge prometheus.Gauge

	cpuRejectPct   float64
	rssRejectBytes int64

	currentCPU atomic.Value // float64
	currentRSS atomic.Value // int64
}

// New builds a Sampler for the current process. cpuRejectPct and
// rssRejectBytes are the thresholds ShouldAcceptConnection rejects
// above; 0 disables the respective check.
func New(interval time.Duration, cpuGauge, rssGauge prometheus.Gauge, cpuRejectPct float64, rssRejectBytes int64) (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	s := &Sampler{
		proc:           p,
		interval:       interval,
		cpuGauge:       cpuGauge,
		rssGauge:       rssGauge,
		cpuRejectPct:   cpuRejectPct,
		rssRejectBytes: rssRejectBytes,
	}
	s.currentCPU.Store(0.0)
	s.currentRSS.Store(int64(0))
	return s, nil
}

// Run samples on a ticker until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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
	if pct, err := s.proc.CPUPercent(); err == nil {
		s.cpuGauge.Set(pct)
		s.currentCPU.Store(pct)
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		s.rssGauge.Set(float64(mem.RSS))
		s.currentRSS.Store(int64(mem.RSS))
	}
}

// ShouldAcceptConnection checks the most recently sampled CPU and RSS
// against their reject thresholds. accept is false only once a
// threshold has actually been exceeded; code is a fixed, low-cardinality
// label suitable for a metric ("cpu_overload", "memory_limit") and is
// empty when accept is true.
func (s *Sampler) ShouldAcceptConnection() (accept bool, code string) {
	if s.cpuRejectPct > 0 {
		if cpu := s.currentCPU.Load().(float64); cpu > s.cpuRejectPct {
			return false, "cpu_overload"
		}
	}
	if s.rssRejectBytes > 0 {
		if rss := s.currentRSS.Load().(int64); rss > s.rssRejectBytes {
			return false, "memory_limit"
		}
	}
	return true, ""
}
