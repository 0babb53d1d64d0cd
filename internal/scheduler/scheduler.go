package scheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/sirupsen/logrus"
)

// Task is one tick of a repeating task. It runs on the main loop.
type Task func(ctx context.Context) error

type entry struct {
	fn     Task
	cancel context.CancelFunc
}

// Scheduler runs named repeating tasks on a Loop
type Scheduler struct {
	loop   *Loop
	logger logrus.FieldLogger

	mu    sync.Mutex
	tasks map[string]*entry
}

// New creates a scheduler posting its ticks to loop
func New(loop *Loop, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		loop:   loop,
		logger: logger,
		tasks:  make(map[string]*entry),
	}
}

// Schedule starts fn every interval under name, replacing any task of the
// same name. The interval is clamped to 100 ms..20 s.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn Task) {
	interval = config.ClampInterval(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(name)

	ctx, cancel := context.WithCancel(context.Background())
	s.tasks[name] = &entry{fn: fn, cancel: cancel}
	go s.run(ctx, name, interval, fn)

	s.logger.Debugf("Scheduled task %s every %v", name, interval)
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, fn Task) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.loop.Do(ctx, func() {
				// stopped while the tick was queued
				if ctx.Err() != nil {
					return
				}
				s.tick(ctx, name, fn)
			})
			if err != nil && ctx.Err() == nil {
				s.logger.Debugf("task %s: %v", name, err)
				return
			}
		}
	}
}

// tick runs fn once; an error or panic is logged and the task stays
// scheduled
func (s *Scheduler) tick(ctx context.Context, name string, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil {
		s.logger.Errorf("task %s failed: %v", name, err)
	}
}

// Stop cancels the named task. It reports whether the task was running.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(name)
}

func (s *Scheduler) stopLocked(name string) bool {
	e, ok := s.tasks[name]
	if !ok {
		return false
	}
	e.cancel()
	delete(s.tasks, name)
	s.logger.Debugf("Stopped task %s", name)
	return true
}

// StopAll cancels every task
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.tasks {
		s.stopLocked(name)
	}
}

// IsRunning reports whether name is scheduled
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Running lists the scheduled task names, sorted
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reschedule restarts every task with a new interval
func (s *Scheduler) Reschedule(interval time.Duration) {
	s.mu.Lock()
	current := make(map[string]Task, len(s.tasks))
	for name, e := range s.tasks {
		current[name] = e.fn
	}
	s.mu.Unlock()

	for name, fn := range current {
		s.Schedule(name, interval, fn)
	}
	s.logger.Infof("Update interval set to %v", config.ClampInterval(interval))
}
