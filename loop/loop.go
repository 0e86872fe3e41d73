// Package loop implements the SelectorLoop of spec.md §4.1: a
// single-threaded, cooperative event loop that owns a set of
// registered endpoints and serializes every callback delivered to
// them.
//
// Go's runtime netpoller already multiplexes blocking net.Conn reads
// across a small number of OS threads, so this package does not
// reimplement epoll/kqueue by hand. Instead each Loop dedicates one
// goroutine — the "loop thread" spec.md refers to throughout — to
// draining a task queue that both cross-thread callers (via Execute)
// and per-connection reader goroutines (in package transport) post to.
// Handler callbacks are only ever invoked from that one goroutine,
// which is what gives registered connections their loop affinity and
// serialized callback delivery (Testable Property 1).
package loop

import (
	"sync/atomic"
)

// Task is a zero-argument unit of work posted to a Loop via Execute.
type Task func()

// Loop is one single-threaded cooperative event loop. The zero value is
// not usable; construct with New.
type Loop struct {
	id int

	tasks   chan Task
	stopped chan struct{}
	done    chan struct{}

	running int32
}

// New creates a Loop. taskQueueSize bounds how many pending tasks may
// be buffered before Execute blocks; 0 defaults to 256.
func New(id int, taskQueueSize, _ int) *Loop {
	if taskQueueSize <= 0 {
		taskQueueSize = 256
	}
	return &Loop{
		id:      id,
		tasks:   make(chan Task, taskQueueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the loop's index within its owning Pool, if any.
func (l *Loop) ID() int { return l.id }

// Start begins running the loop's dispatch goroutine. Start must be
// called exactly once.
func (l *Loop) Start() {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return
	}
	go l.run()
}

// Stop requests the loop to terminate after draining its current task
// queue, and blocks until it has. Stop is idempotent.
func (l *Loop) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 2) {
		<-l.done
		return
	}
	close(l.stopped)
	<-l.done
}

// onLoopThread reports whether the calling goroutine is the loop's own
// dispatch goroutine. It's a best-effort heuristic used only to allow
// Execute to run inline; correctness never depends on it being exact
// since cross-thread Execute is always safe (the call will simply be
// enqueued rather than inlined).
func (l *Loop) onLoopThread() bool {
	id, ok := currentLoopID()
	return ok && id == l.id
}

// Execute enqueues task to run on this loop's thread on the next tick.
// If the caller is already on the loop's thread, task runs inline
// immediately, matching spec.md §4.1: "if caller is already on the
// loop thread, the task runs inline". This is also how
// transport.Endpoint's background reader/writer goroutines hand
// readiness events back to the loop thread, since a readiness event is
// just a task that invokes the relevant handler callback.
func (l *Loop) Execute(task Task) {
	if l.onLoopThread() {
		task()
		return
	}
	select {
	case l.tasks <- task:
	case <-l.stopped:
	}
}

// Wakeup forces the loop to re-check its queue immediately, for
// callers that need the loop to notice a state change without a
// specific task to run (e.g. an external timer).
func (l *Loop) Wakeup() {
	select {
	case l.tasks <- func() {}:
	case <-l.stopped:
	default:
	}
}

func (l *Loop) run() {
	setCurrentLoopID(l.id)
	defer clearCurrentLoopID()
	defer close(l.done)

	for {
		select {
		case <-l.stopped:
			l.drainOnStop()
			return
		case t := <-l.tasks:
			t()
		}
	}
}

// drainOnStop runs any tasks already queued before returning, so a
// Close() enqueued just before Stop() still observes I2 (no callback
// fires after close returns) rather than being silently dropped.
func (l *Loop) drainOnStop() {
	for {
		select {
		case t := <-l.tasks:
			t()
		default:
			return
		}
	}
}
