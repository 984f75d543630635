// Package reactor runs tasks one at a time on a single goroutine.
//
// The AMQP node drives every connection, channel and queue operation
// through a Reactor so that broker-client objects are only touched from one
// goroutine, whatever goroutine called the public API.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned when scheduling on a stopped reactor
var ErrStopped = errors.New("reactor: stopped")

// Reactor executes scheduled tasks sequentially on its own goroutine
type Reactor struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	logger  *slog.Logger
	name    string
}

// Option configures the Reactor
type Option func(*Reactor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) {
		r.logger = logger
	}
}

// WithName labels the reactor in log output
func WithName(name string) Option {
	return func(r *Reactor) {
		r.name = name
	}
}

// New creates a reactor and starts its goroutine
func New(options ...Option) *Reactor {
	r := &Reactor{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
		name:   "reactor",
	}

	for _, opt := range options {
		opt(r)
	}

	go r.loop()

	return r
}

// Schedule queues task to run on the reactor and returns immediately.
// It may be called from the reactor itself.
func (r *Reactor) Schedule(task func()) error {
	if task == nil {
		return nil
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	return nil
}

// Do schedules task and waits for it to finish or for ctx to end.
// Calling Do from a reactor task deadlocks.
func (r *Reactor) Do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := r.Schedule(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, runs those already queued and waits for the
// reactor goroutine to exit
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	<-r.done
}

// Done is closed once the reactor goroutine has exited
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Pending returns the number of queued tasks
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Reactor) loop() {
	defer close(r.done)

	for {
		r.mu.Lock()
		batch := r.tasks
		r.tasks = nil
		stopped := r.stopped
		r.mu.Unlock()

		for _, task := range batch {
			r.run(task)
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}

		<-r.wake
	}
}

func (r *Reactor) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reactor task panicked",
				"reactor", r.name,
				"error", fmt.Sprintf("%v", rec),
			)
		}
	}()
	task()
}
