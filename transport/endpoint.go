// Package transport implements the Endpoint of spec.md §4.2: a
// buffered, non-blocking bidirectional byte stream bound to one Loop
// and one protocol Handler for its lifetime.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nbproto/corelib/loop"
)

// TLSState is one of the four states spec.md §3 Invariant I3 allows,
// transitioned monotonically: Plaintext -> Handshaking -> Encrypted ->
// Shutdown (Plaintext -> Shutdown also permitted).
type TLSState int

const (
	Plaintext TLSState = iota
	Handshaking
	Encrypted
	Shutdown
)

func (s TLSState) String() string {
	switch s {
	case Plaintext:
		return "plaintext"
	case Handshaking:
		return "handshaking"
	case Encrypted:
		return "encrypted"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handler is the per-connection callback surface an Endpoint drives.
// Every method is invoked only from the Endpoint's owning Loop thread
// (spec.md Testable Property 1); handlers must not block.
type Handler interface {
	// Connected fires once the outbound TCP connection completes (or
	// immediately, for an Endpoint bound to an already-open conn).
	Connected(e *Endpoint)
	// Receive delivers newly-read, already-TLS-unwrapped bytes. The
	// handler consumes as many as it can understand; bytes it does not
	// consume remain buffered for the next call.
	Receive(data []byte) (consumed int)
	// SecurityEstablished fires once a StartTLS handshake completes.
	SecurityEstablished(info TLSInfo)
	// Error fires on a transport-fatal error; a forced Close follows.
	Error(err error)
	// Disconnected fires on a peer-initiated close (clean EOF).
	Disconnected()
}

// Endpoint represents one bidirectional byte stream bound to one Loop
// and Handler for its lifetime (spec.md §3/§4.2).
type Endpoint struct {
	ID   uuid.UUID
	Loop *loop.Loop

	tlsEngine TLSEngine

	mu            sync.Mutex // guards fields below; held only briefly, never across a Write/Read syscall
	conn          net.Conn
	tlsConn       TLSConn
	tlsState      TLSState
	handler       Handler
	remoteAddress net.Addr
	readBuf       []byte
	writeQueue    [][]byte
	writing       bool
	closed        bool
	readerGen     int // bumped on each (re)start of the reader goroutine, e.g. after STARTTLS
}

// New creates an Endpoint bound to l, ready for Connect or Bind.
// tlsEngine may be nil if the Endpoint will never call StartTLS.
func New(l *loop.Loop, tlsEngine TLSEngine) *Endpoint {
	return &Endpoint{
		ID:        uuid.New(),
		Loop:      l,
		tlsEngine: tlsEngine,
		readBuf:   make([]byte, 0, 4096),
	}
}

// Connect initiates an outbound TCP connection to addr (network is
// "tcp", "tcp4", or "tcp6") and, on completion, calls
// handler.Connected(e) on the loop thread.
func (e *Endpoint) Connect(ctx context.Context, network, addr string, handler Handler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		e.Loop.Execute(func() {
			if err != nil {
				e.deliverError(err)
				return
			}
			e.bindLocked(conn)
			e.startReader()
			handler.Connected(e)
		})
	}()
}

// Bind attaches an already-established connection (e.g. accepted by an
// application-level listener, or a net.Pipe endpoint in tests) to this
// Endpoint and calls handler.Connected(e) on the loop thread.
func (e *Endpoint) Bind(conn net.Conn, handler Handler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()

	e.Loop.Execute(func() {
		e.bindLocked(conn)
		e.startReader()
		handler.Connected(e)
	})
}

func (e *Endpoint) bindLocked(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.remoteAddress = conn.RemoteAddr()
	e.mu.Unlock()
}

// RemoteAddress returns the immutable peer identity (spec.md §3).
func (e *Endpoint) RemoteAddress() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteAddress
}

// TLSStateNow returns the current TLS state.
func (e *Endpoint) TLSStateNow() TLSState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tlsState
}

// activeConn returns whichever of the plaintext/TLS conn is currently
// in effect for raw I/O.
func (e *Endpoint) activeConn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tlsConn != nil {
		return e.tlsConn
	}
	return e.conn
}

// startReader launches (or relaunches, after a STARTTLS upgrade) the
// background goroutine that performs blocking reads and forwards
// results to the loop thread via Execute. Must be called from the loop
// thread.
func (e *Endpoint) startReader() {
	e.mu.Lock()
	e.readerGen++
	gen := e.readerGen
	e.mu.Unlock()

	go e.readLoop(gen)
}

func (e *Endpoint) readLoop(gen int) {
	buf := make([]byte, 32*1024)
	for {
		conn := e.activeConn()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.Loop.Execute(func() {
				e.onReadable(gen, chunk)
			})
		}
		if err != nil {
			e.Loop.Execute(func() {
				e.onReadError(gen, err)
			})
			return
		}
	}
}

func (e *Endpoint) onReadable(gen int, chunk []byte) {
	e.mu.Lock()
	if e.closed || gen != e.readerGen {
		e.mu.Unlock()
		return
	}
	e.readBuf = append(e.readBuf, chunk...)
	buf := e.readBuf
	handler := e.handler
	e.mu.Unlock()

	if handler == nil {
		return
	}
	consumed := handler.Receive(buf)

	e.mu.Lock()
	if consumed > 0 {
		if consumed >= len(e.readBuf) {
			e.readBuf = e.readBuf[:0]
		} else {
			e.readBuf = append(e.readBuf[:0], e.readBuf[consumed:]...)
		}
	}
	e.mu.Unlock()
}

func (e *Endpoint) onReadError(gen int, err error) {
	e.mu.Lock()
	if e.closed || gen != e.readerGen {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if errors.Is(err, io.EOF) {
		e.deliverDisconnected()
		return
	}
	e.deliverError(err)
}

func (e *Endpoint) deliverError(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler.Error(err)
	}
	e.forceClose()
}

func (e *Endpoint) deliverDisconnected() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler.Disconnected()
	}
	e.forceClose()
}

// Send appends data to the write queue, to be flushed on the loop
// thread. Callable from any goroutine (spec.md §4.2); cross-thread
// calls are enqueued via Loop.Execute, which preserves strict FIFO
// ordering of calls that race to enqueue (Testable Property 2) because
// each Send posts exactly one task that appends-then-maybe-flushes.
func (e *Endpoint) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.Loop.Execute(func() {
		e.enqueueWrite(cp)
	})
}

func (e *Endpoint) enqueueWrite(data []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.writeQueue = append(e.writeQueue, data)
	if e.writing {
		e.mu.Unlock()
		return
	}
	e.writing = true
	e.mu.Unlock()

	e.flush()
}

// flush drains the write queue. Send/enqueueWrite always run on the
// loop thread via Execute, and a blocking conn.Write there would stall
// the loop on a slow peer, so the writes run on a short-lived goroutine and
// the loop thread is freed to process other events while the write is
// in flight. The writing flag ensures only one flush goroutine with
// this queue is ever in flight at a time.
func (e *Endpoint) flush() {
	go func() {
		for {
			e.mu.Lock()
			if len(e.writeQueue) == 0 {
				e.writing = false
				e.mu.Unlock()
				return
			}
			next := e.writeQueue[0]
			e.writeQueue = e.writeQueue[1:]
			conn := e.activeConnLocked()
			e.mu.Unlock()

			if conn == nil {
				return
			}
			if _, err := conn.Write(next); err != nil {
				e.Loop.Execute(func() {
					e.deliverError(err)
				})
				return
			}
		}
	}()
}

func (e *Endpoint) activeConnLocked() net.Conn {
	if e.tlsConn != nil {
		return e.tlsConn
	}
	return e.conn
}

// StartTLS initiates a TLS handshake on an existing plaintext
// connection. On completion, handler.SecurityEstablished(info) is
// invoked on the loop thread. serverName is used for certificate
// verification on the client side.
func (e *Endpoint) StartTLS(ctx context.Context, serverName string, isServer bool) {
	e.mu.Lock()
	if e.tlsState != Plaintext {
		e.mu.Unlock()
		e.deliverError(fmt.Errorf("transport: StartTLS called from state %s", e.tlsState))
		return
	}
	e.tlsState = Handshaking
	conn := e.conn
	engine := e.tlsEngine
	e.mu.Unlock()

	if engine == nil {
		e.deliverError(errors.New("transport: StartTLS called with no TLSEngine configured"))
		return
	}

	go func() {
		tlsConn, err := engine.Handshake(ctx, conn, serverName, isServer)
		e.Loop.Execute(func() {
			if err != nil {
				e.mu.Lock()
				e.tlsState = Plaintext
				e.mu.Unlock()
				e.deliverError(err)
				return
			}
			e.mu.Lock()
			e.tlsConn = tlsConn
			e.tlsState = Encrypted
			handler := e.handler
			e.mu.Unlock()

			// The plaintext reader goroutine is reading from e.conn
			// directly; bump the generation and start a fresh reader
			// against the TLS conn so post-handshake bytes are
			// unwrapped before Receive sees them.
			e.startReader()

			if handler != nil {
				handler.SecurityEstablished(SummarizeTLS(tlsConn.ConnectionState()))
			}
		})
	}()
}

// Close drains pending writes on a best-effort basis, issues a TLS
// shutdown if encrypted, and closes the socket. Close is idempotent.
// Once the close has run on the loop thread, no further handler
// callback fires for this Endpoint (spec.md Testable Property 3 /
// Invariant I2). Called on the loop thread, Close runs it before
// returning; a cross-thread call is enqueued via Loop.Execute and
// returns before it has run.
func (e *Endpoint) Close() {
	e.Loop.Execute(e.forceClose)
}

func (e *Endpoint) forceClose() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.tlsState = Shutdown
	conn := e.conn
	tlsConn := e.tlsConn
	pending := e.writeQueue
	e.writeQueue = nil
	e.mu.Unlock()

	// Best-effort drain of whatever is already queued; we do not wait
	// indefinitely for a wedged peer.
	if len(pending) > 0 {
		var target net.Conn = conn
		if tlsConn != nil {
			target = tlsConn
		}
		if target != nil {
			_ = target.SetWriteDeadline(timeNow().Add(2 * time.Second))
			for _, chunk := range pending {
				if _, err := target.Write(chunk); err != nil {
					break
				}
			}
		}
	}

	if cw, ok := tlsConn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	if tlsConn != nil {
		_ = tlsConn.Close()
	} else if conn != nil {
		_ = conn.Close()
	}
}

// timeNow is indirected so tests can avoid real wall-clock waits if
// ever needed; production code just calls time.Now.
var timeNow = time.Now
