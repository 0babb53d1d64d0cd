// Package scheduler provides the main loop that owns application state and
// a named-task scheduler whose ticks run on that loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when work is posted to a loop that has exited
var ErrStopped = errors.New("main loop stopped")

const queueSize = 256

// Loop runs posted functions one at a time on a single goroutine
type Loop struct {
	queue    chan func()
	stopping chan struct{}
	done     chan struct{}
	logger   logrus.FieldLogger

	// mu is held for reading while a Post is sending; Run takes it for
	// writing once to fence off late senders before draining
	mu      sync.RWMutex
	stopped bool
}

// NewLoop creates a loop; nothing runs until Run is called
func NewLoop(logger logrus.FieldLogger) *Loop {
	return &Loop{
		queue:    make(chan func(), queueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run executes posted functions until ctx is canceled. Functions already
// accepted by Post still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case fn := <-l.queue:
			l.call(fn)
		}
	}
}

func (l *Loop) shutdown() {
	close(l.stopping)
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	for {
		select {
		case fn := <-l.queue:
			l.call(fn)
		default:
			return
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("panic on main loop: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// Post queues fn. It returns true only if fn will run, and false once the
// loop is shutting down.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.stopping:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for main loop: %w", ctx.Err())
	case <-l.done:
		// accepted functions run before done closes
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
