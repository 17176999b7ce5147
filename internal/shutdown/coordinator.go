// Package shutdown coordinates orderly shutdown: it waits for an operator
// trigger, flips the shared stop flag, force-stops the instance pool and
// waits for every long-running task to return.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"
)

type task struct {
	name string
	done chan struct{}
	err  error
}

// Coordinator runs named tasks under one stopper and shuts them down
// together.
type Coordinator struct {
	parent      context.Context
	sctx        *stopper.Context
	keys        <-chan byte
	poll        time.Duration
	grace       time.Duration
	stopAll     func(ctx context.Context)
	onShutdown  func()
	trigger     chan struct{}
	triggerOnce sync.Once
	mu          sync.Mutex
	tasks       []*task
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKeys sets the operator key source.
func WithKeys(keys <-chan byte) Option {
	return func(c *Coordinator) {
		c.keys = keys
	}
}

// WithPollInterval sets the trigger polling cadence. Default is 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.poll = d
	}
}

// WithGrace bounds how long tasks may take to return. Default is 30s.
func WithGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		c.grace = d
	}
}

// WithStopAll sets the pool force-stop run after the stop flag is set.
func WithStopAll(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) {
		c.stopAll = fn
	}
}

// WithOnShutdown registers a hook run as soon as shutdown begins.
func WithOnShutdown(fn func()) Option {
	return func(c *Coordinator) {
		c.onShutdown = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a coordinator. Cancelling parent triggers shutdown.
func New(parent context.Context, opts ...Option) *Coordinator {
	c := &Coordinator{
		parent:  parent,
		sctx:    stopper.WithContext(context.WithoutCancel(parent)),
		poll:    250 * time.Millisecond,
		grace:   30 * time.Second,
		trigger: make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context returns the shared stopper context.
func (c *Coordinator) Context() *stopper.Context {
	return c.sctx
}

// Go starts a named task. The task should return once the stopper begins
// stopping.
func (c *Coordinator) Go(name string, fn func(*stopper.Context) error) {
	t := &task{name: name, done: make(chan struct{})}
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()

	c.sctx.Go(func(sctx *stopper.Context) error {
		defer close(t.done)
		t.err = fn(sctx)
		return t.err
	})
}

// Trigger requests shutdown.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() { close(c.trigger) })
}

// Run waits for the trigger key, Trigger or parent cancellation, then shuts
// everything down. It returns the first task error.
func (c *Coordinator) Run() error {
	c.wait()
	c.logger.Info("Shutting down...")
	if c.onShutdown != nil {
		c.onShutdown()
	}

	c.sctx.Stop(c.grace)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.parent), c.grace)
	defer cancel()
	if c.stopAll != nil {
		c.stopAll(ctx)
	}

	c.mu.Lock()
	tasks := append([]*task(nil), c.tasks...)
	c.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			c.logger.Warn("Task did not stop in time", "task", t.name)
			continue
		}
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			c.logger.Error("Task failed", "task", t.name, "error", t.err)
			errs = append(errs, t.err)
			continue
		}
		c.logger.Info("Task clean shutdown", "task", t.name)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("Shutdown complete")
	return nil
}

// wait blocks until shutdown is requested. Keys are checked at the poll
// cadence.
func (c *Coordinator) wait() {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-c.trigger:
			return
		case <-c.parent.Done():
			return
		case <-c.sctx.Stopping():
			return
		case <-ticker.C:
			if c.keyPressed() {
				return
			}
		}
	}
}

// keyPressed drains pending keys and reports whether q or Q was pressed.
func (c *Coordinator) keyPressed() bool {
	for {
		select {
		case k := <-c.keys:
			if k == 'q' || k == 'Q' {
				return true
			}
		default:
			return false
		}
	}
}
