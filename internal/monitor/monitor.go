package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	DefaultMinFreeDisk      = 1 << 30
	DefaultMaxCPUPercent    = 80.0
	DefaultMaxMemoryPercent = 85.0
	DefaultSampleTTL        = time.Second
)

// Resource names used in PressureError.
const (
	ResourceDisk   = "disk"
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
)

// Sample is one reading of host resources.
type Sample struct {
	FreeDisk      uint64
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler reads host resources. Path names the filesystem whose free space counts.
type Sampler interface {
	Sample(ctx context.Context, path string) (Sample, error)
}

// HostSampler reads the local host.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context, path string) (Sample, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Sample{}, fmt.Errorf("disk usage %s: %w", path, err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}
	// zero interval compares against the previous call
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu percent: %w", err)
	}
	s := Sample{FreeDisk: usage.Free, MemoryPercent: vm.UsedPercent}
	if len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	return s, nil
}

// Limits are the thresholds above which new work is held back. Zero disables a check.
type Limits struct {
	MinFreeDisk      uint64
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// PressureError reports the first exceeded limit.
type PressureError struct {
	Resource string
	Value    float64
	Limit    float64
}

func (e *PressureError) Error() string {
	if e.Resource == ResourceDisk {
		return fmt.Sprintf("low disk space: %.0f MiB free, need %.0f MiB", e.Value/(1<<20), e.Limit/(1<<20))
	}
	return fmt.Sprintf("high %s usage: %.1f%% (limit %.1f%%)", e.Resource, e.Value, e.Limit)
}

// Monitor decides whether the host can take more work. Samples are cached for
// ttl so the dispatcher can ask before every item.
type Monitor struct {
	path    string
	limits  Limits
	sampler Sampler
	ttl     time.Duration

	mu      sync.Mutex
	sampled time.Time
	last    error
}

func New(path string, limits Limits, sampler Sampler, ttl time.Duration) *Monitor {
	if sampler == nil {
		sampler = HostSampler{}
	}
	if ttl <= 0 {
		ttl = DefaultSampleTTL
	}
	return &Monitor{path: path, limits: limits, sampler: sampler, ttl: ttl}
}

// Check returns a *PressureError while a limit is exceeded. A failed sample
// allows the work.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sampled.IsZero() && time.Since(m.sampled) < m.ttl {
		return m.last
	}
	m.sampled = time.Now()
	s, err := m.sampler.Sample(ctx, m.path)
	if err != nil {
		log.Warn().Str("path", m.path).Err(err).Msg("resource sample failed")
		m.last = nil
		return nil
	}
	m.last = m.evaluate(s)
	return m.last
}

func (m *Monitor) evaluate(s Sample) error {
	l := m.limits
	if l.MinFreeDisk > 0 && s.FreeDisk < l.MinFreeDisk {
		return &PressureError{Resource: ResourceDisk, Value: float64(s.FreeDisk), Limit: float64(l.MinFreeDisk)}
	}
	if l.MaxCPUPercent > 0 && s.CPUPercent > l.MaxCPUPercent {
		return &PressureError{Resource: ResourceCPU, Value: s.CPUPercent, Limit: l.MaxCPUPercent}
	}
	if l.MaxMemoryPercent > 0 && s.MemoryPercent > l.MaxMemoryPercent {
		return &PressureError{Resource: ResourceMemory, Value: s.MemoryPercent, Limit: l.MaxMemoryPercent}
	}
	return nil
}
