package wire

// LiteralCallback receives the bytes of an IMAP literal as they
// arrive and is notified once the announced length has been fully
// delivered (spec.md §4.4, Testable Property 6).
type LiteralCallback interface {
	// LiteralContent delivers up to len(chunk) bytes, a sub-slice of
	// the buffer passed to Process; valid only for the duration of the
	// call.
	LiteralContent(chunk []byte)
	// LiteralComplete fires exactly once, when Remaining reaches 0.
	LiteralComplete()
}

// LiteralTracker counts down an announced-length IMAP literal payload
// and delivers it to a LiteralCallback as chunks, re-entrant across
// however many Process calls it takes for size bytes to arrive.
type LiteralTracker struct {
	remaining int
	done      bool
	cb        LiteralCallback
}

// NewLiteralTracker constructs a tracker for a literal of the given
// total size.
func NewLiteralTracker(size int, cb LiteralCallback) *LiteralTracker {
	return &LiteralTracker{remaining: size, cb: cb}
}

// Remaining returns the number of bytes not yet delivered.
func (t *LiteralTracker) Remaining() int { return t.remaining }

// Process delivers up to min(t.Remaining(), len(buf)) bytes from the
// front of buf to the callback, returns how many bytes it consumed,
// and reports whether the literal is now complete (LiteralComplete
// having just fired).
func (t *LiteralTracker) Process(buf []byte) (consumed int, complete bool) {
	if t.done {
		return 0, true
	}
	if t.remaining <= 0 {
		// A zero-size literal ({0}) completes without consuming or
		// delivering anything; LiteralComplete still fires exactly
		// once.
		t.done = true
		t.cb.LiteralComplete()
		return 0, true
	}

	n := len(buf)
	if n > t.remaining {
		n = t.remaining
	}
	if n > 0 {
		t.cb.LiteralContent(buf[:n])
		t.remaining -= n
	}
	if t.remaining == 0 {
		t.done = true
		t.cb.LiteralComplete()
		return n, true
	}
	return n, false
}
