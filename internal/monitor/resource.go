// Package monitor samples host resource usage so operators can correlate
// task run latency with CPU and memory pressure on the scheduler host.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	MemoryUsedMB   uint64    `json:"memory_used_mb"`
	MemoryTotalMB  uint64    `json:"memory_total_mb"`
}

// Sampler periodically reads host CPU and memory usage and logs it. The
// latest reading is kept for callers that want a synchronous view.
type Sampler struct {
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	latest *Snapshot
}

// NewSampler creates a sampler with the given collection interval.
func NewSampler(logger *zap.Logger, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		logger:   logger.Named("monitor"),
		interval: interval,
	}
}

// Start runs the collection loop until ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	s.logger.Info("Resource sampler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Resource sampler stopped")
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (s *Sampler) Latest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	copied := *s.latest
	return &copied
}

func (s *Sampler) sample() {
	snap, err := collect()
	if err != nil {
		s.logger.Error("Failed to collect resource usage", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	s.logger.Debug("Resource usage",
		zap.Float64("cpu_percent", snap.CPUPercent),
		zap.Float64("memory_percent", snap.MemoryPercent),
		zap.Uint64("memory_used_mb", snap.MemoryUsedMB))
}

func collect() (*Snapshot, error) {
	// A zero interval reads the counters since the previous call instead
	// of blocking for a sampling window.
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Timestamp:     time.Now(),
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsedMB:  memInfo.Used / 1024 / 1024,
		MemoryTotalMB: memInfo.Total / 1024 / 1024,
	}
	if len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}
	return snap, nil
}
