// Package corectx provides the explicit process-lifecycle object that
// owns a loop.Pool and everything scheduled on it. Unlike a framework
// that keeps its module graph in package-level state, a Core is a
// value the caller constructs, starts, and stops; nothing here is
// reachable except through a *Core a caller holds.
package corectx

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbproto/corelib/log"
	"github.com/nbproto/corelib/loop"
)

// Stoppable is anything a Core should shut down, in reverse of
// registration order, when the Core itself stops. Endpoints,
// resolvers, and protocol clients all satisfy this with a Close or
// Stop method wrapped in a small adapter.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// StoppableFunc adapts a plain function to Stoppable.
type StoppableFunc func(ctx context.Context) error

func (f StoppableFunc) Stop(ctx context.Context) error { return f(ctx) }

// Core is the explicit replacement for global framework state: it owns
// a loop.Pool, a logger, and the set of Stoppables registered against
// it. Construct one with New, call Start, register work, and call Stop
// once during process shutdown.
type Core struct {
	Pool *loop.Pool
	Log  log.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	owned   []Stoppable
}

// Options configures a new Core. A zero Options is valid and selects
// defaults (one loop per CPU, a logger writing to the Logger field's
// default output).
type Options struct {
	// Loops is the number of loop.Loop workers in the pool. Zero
	// selects runtime.NumCPU(), matching loop.NewPool's own default.
	Loops int
	// Logger overrides the default logger. Zero value uses
	// log.DefaultLogger.
	Logger log.Logger
}

// New constructs a Core without starting its loop pool; call Start
// before scheduling any work on it.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger.Out == nil {
		logger = log.DefaultLogger
	}
	return &Core{
		Pool: loop.NewPool(opts.Loops),
		Log:  logger,
	}
}

// Start starts the loop pool. It is idempotent; calling Start more
// than once has no additional effect.
func (c *Core) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.Pool.Start()
	c.Log.Msg("core started", "loops", c.Pool.Size())
}

// Own registers s to be stopped, in reverse registration order, when
// Stop is called. It mirrors the teacher's LifetimeTracker.Add, but a
// Core has no separate Start phase for owned objects: callers start
// their own Stoppables before registering them, since construction
// order in this library is already explicit (an Endpoint is usable the
// moment New returns).
func (c *Core) Own(s Stoppable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned = append(c.owned, s)
}

// Stop stops every registered Stoppable in reverse registration order,
// then stops the loop pool. It does not abort at the first error, so a
// slow or failing component does not prevent the rest of the core from
// shutting down. It returns nil, the single error encountered, or, when
// there were several, one error that states their count and wraps the
// first. Stop is idempotent.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	owned := make([]Stoppable, len(c.owned))
	copy(owned, c.owned)
	c.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].Stop(ctx); err != nil {
			c.Log.Error("component stop failed", err)
			errs = append(errs, err)
		}
	}

	if err := c.Pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	c.Log.Msg("core stopped", "errors", len(errs))
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%d errors during shutdown, first: %w", len(errs), errs[0])
	}
}
