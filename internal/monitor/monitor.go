// Package monitor polls the CPU on the main loop and publishes the latest
// readings as an immutable snapshot.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/cpu"
	"github.com/CristiGvl/picoCPUCtl/internal/memory"
	"github.com/CristiGvl/picoCPUCtl/internal/metrics"
	"github.com/CristiGvl/picoCPUCtl/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Task names
const (
	TaskCPU     = "cpu"
	TaskControl = "control"
)

// Snapshot is the latest set of readings. It is never modified after
// publication.
type Snapshot struct {
	Time     time.Time    `json:"time"`
	CPU      *cpu.Sample  `json:"cpu,omitempty"`
	Memory   *memory.Info `json:"memory,omitempty"`
	Governor string       `json:"governor,omitempty"`
	Boost    *bool        `json:"boost,omitempty"`
}

// MemoryReader reads memory usage
type MemoryReader interface {
	GetInfo(ctx context.Context) (*memory.Info, error)
}

// Monitor runs the cpu and control polling tasks
type Monitor struct {
	cpu     cpu.Reader
	memory  MemoryReader
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	logger  logrus.FieldLogger

	current  atomic.Pointer[Snapshot]
	interval atomic.Int64
}

// New creates a monitor. metrics may be nil.
func New(reader cpu.Reader, mem MemoryReader, sched *scheduler.Scheduler, m *metrics.Metrics, logger logrus.FieldLogger) *Monitor {
	mon := &Monitor{
		cpu:     reader,
		memory:  mem,
		sched:   sched,
		metrics: m,
		logger:  logger,
	}
	mon.current.Store(&Snapshot{})
	mon.interval.Store(int64(config.DefaultInterval))
	return mon
}

// Start schedules both polling tasks
func (m *Monitor) Start(interval time.Duration) {
	interval = config.ClampInterval(interval)
	m.interval.Store(int64(interval))
	m.sched.Schedule(TaskCPU, interval, m.sampleCPU)
	m.sched.Schedule(TaskControl, interval, m.sampleControl)
}

// Stop cancels both polling tasks
func (m *Monitor) Stop() {
	m.sched.Stop(TaskCPU)
	m.sched.Stop(TaskControl)
}

// Interval returns the polling interval
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// SetInterval restarts the running tasks with a new interval
func (m *Monitor) SetInterval(interval time.Duration) time.Duration {
	interval = config.ClampInterval(interval)
	m.interval.Store(int64(interval))
	m.sched.Reschedule(interval)
	return interval
}

// PauseControl stops the control task while a control action is in flight
func (m *Monitor) PauseControl() {
	m.sched.Stop(TaskControl)
}

// ResumeControl restarts the control task
func (m *Monitor) ResumeControl() {
	m.sched.Schedule(TaskControl, m.Interval(), m.sampleControl)
}

// ControlRunning reports whether the control task is scheduled
func (m *Monitor) ControlRunning() bool {
	return m.sched.IsRunning(TaskControl)
}

// Snapshot returns the latest readings
func (m *Monitor) Snapshot() *Snapshot {
	return m.current.Load()
}

// SetBoost publishes a boost state without reading the boost file. Must
// run on the main loop.
func (m *Monitor) SetBoost(enabled *bool) {
	m.publish(func(s *Snapshot) { s.Boost = enabled })
	if m.metrics != nil {
		m.metrics.ObserveBoost(enabled)
	}
}

// Refresh runs both tasks once. Must run on the main loop.
func (m *Monitor) Refresh(ctx context.Context) error {
	if err := m.sampleCPU(ctx); err != nil {
		return err
	}
	return m.sampleControl(ctx)
}

func (m *Monitor) sampleCPU(ctx context.Context) error {
	sample, err := m.cpu.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sampling CPU: %w", err)
	}

	var mem *memory.Info
	if m.memory != nil {
		if mem, err = m.memory.GetInfo(ctx); err != nil {
			m.logger.Debugf("Reading memory: %v", err)
		}
	}

	m.publish(func(s *Snapshot) {
		s.CPU = sample
		if mem != nil {
			s.Memory = mem
		}
	})

	if m.metrics != nil {
		m.metrics.ObserveSample(sample)
		m.metrics.ObserveMemory(mem)
	}
	return nil
}

func (m *Monitor) sampleControl(ctx context.Context) error {
	governor := m.cpu.Governor()
	boost := m.cpu.Boost()

	m.publish(func(s *Snapshot) {
		s.Governor = governor
		s.Boost = boost
	})

	if m.metrics != nil {
		m.metrics.ObserveBoost(boost)
	}
	return nil
}

// publish copies the current snapshot, applies fn and swaps it in. Callers
// run on the main loop so there is a single writer.
func (m *Monitor) publish(fn func(*Snapshot)) {
	next := *m.current.Load()
	fn(&next)
	next.Time = time.Now()
	m.current.Store(&next)
}
