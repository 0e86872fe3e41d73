package transport

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nbproto/corelib/loop"
)

type recordingHandler struct {
	mu          sync.Mutex
	connected   bool
	received    []byte
	errs        []error
	disconn     bool
	connectedCh chan struct{}
	receivedCh  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connectedCh: make(chan struct{}, 1),
		receivedCh:  make(chan struct{}, 16),
	}
}

func (h *recordingHandler) Connected(e *Endpoint) {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	select {
	case h.connectedCh <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) Receive(data []byte) int {
	h.mu.Lock()
	h.received = append(h.received, data...)
	h.mu.Unlock()
	select {
	case h.receivedCh <- struct{}{}:
	default:
	}
	return len(data)
}

func (h *recordingHandler) SecurityEstablished(TLSInfo) {}

func (h *recordingHandler) Error(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) Disconnected() {
	h.mu.Lock()
	h.disconn = true
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (connected bool, received []byte, disconn bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected, append([]byte(nil), h.received...), h.disconn
}

func newBoundPair(t *testing.T) (*Endpoint, net.Conn, *recordingHandler, *loop.Loop) {
	t.Helper()
	l := loop.New(0, 0, 0)
	l.Start()
	t.Cleanup(l.Stop)

	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	ep := New(l, nil)
	h := newRecordingHandler()
	ep.Bind(client, h)

	select {
	case <-h.connectedCh:
	case <-time.After(time.Second):
		t.Fatal("Connected never fired")
	}

	return ep, server, h, l
}

func TestReceiveDeliversBytes(t *testing.T) {
	ep, server, h, _ := newBoundPair(t)
	_ = ep

	go server.Write([]byte("hello world"))

	select {
	case <-h.receivedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Receive")
	}

	_, received, _ := h.snapshot()
	if !bytes.Equal(received, []byte("hello world")) {
		t.Errorf("got %q, want %q", received, "hello world")
	}
}

func TestSendWritesToWire(t *testing.T) {
	ep, server, _, _ := newBoundPair(t)

	ep.Send([]byte("ping"))

	buf := make([]byte, 4)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := readFull(server, buf)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
}

func TestDisconnectedFiresOnPeerClose(t *testing.T) {
	ep, server, h, _ := newBoundPair(t)
	_ = ep

	server.Close()

	deadline := time.After(time.Second)
	for {
		_, _, disconn := h.snapshot()
		if disconn {
			return
		}
		select {
		case <-deadline:
			t.Fatal("Disconnected never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNoCallbackAfterClose(t *testing.T) {
	ep, server, h, _ := newBoundPair(t)

	done := make(chan struct{})
	ep.Loop.Execute(func() {
		ep.forceClose()
		close(done)
	})
	<-done

	h.mu.Lock()
	before := len(h.received)
	h.mu.Unlock()

	// Further writes from the peer must not reach the handler.
	server.Write([]byte("late data"))
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	after := len(h.received)
	h.mu.Unlock()

	if after != before {
		t.Errorf("handler received data after Close: before=%d after=%d", before, after)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
