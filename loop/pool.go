package loop

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a process-wide set of worker Loops. Endpoints are assigned a
// Loop at creation time and keep it for their lifetime (loop affinity,
// spec.md §3). The zero value is not usable; construct with NewPool.
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewPool creates size Loops (size <= 0 means runtime.NumCPU()). Loops
// are not started; call Start.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	loops := make([]*Loop, size)
	for i := range loops {
		loops[i] = New(i, 0, 0)
	}
	return &Pool{loops: loops}
}

// Start starts every Loop in the pool.
func (p *Pool) Start() {
	for _, l := range p.loops {
		l.Start()
	}
}

// Stop stops every Loop in the pool and waits for all of them to
// drain, joining their shutdown with a bounded fan-in instead of a
// sequential loop so one slow loop doesn't block the others from
// starting their own drain.
func (p *Pool) Stop(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range p.loops {
		l := l
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				l.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("loop %d: %w", l.ID(), ctx.Err())
			}
		})
	}
	return g.Wait()
}

// Assign returns the next Loop to bind a new Endpoint to, round-robin
// over the pool. The assignment is permanent for the Endpoint's
// lifetime; Pool never reassigns a Loop afterwards.
func (p *Pool) Assign() *Loop {
	n := uint64(len(p.loops))
	idx := p.next.Add(1) - 1
	return p.loops[idx%n]
}

// Size returns the number of loops in the pool.
func (p *Pool) Size() int { return len(p.loops) }

// Loops returns the pool's loops in assignment order. Callers must not
// mutate the returned slice.
func (p *Pool) Loops() []*Loop { return p.loops }
