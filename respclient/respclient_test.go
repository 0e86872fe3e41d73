package respclient

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/nbproto/corelib/log"
	"github.com/nbproto/corelib/loop"
	"github.com/nbproto/corelib/transport"
)

func TestDecodeSimpleString(t *testing.T) {
	v, n, err := decode([]byte("+OK\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || v.Kind != KindSimpleString || v.Str != "OK" {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeError(t *testing.T) {
	v, n, err := decode([]byte("-ERR no such key\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("-ERR no such key\r\n") || v.Kind != KindError || v.Str != "ERR no such key" {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeInteger(t *testing.T) {
	v, n, err := decode([]byte(":1000\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 || v.Kind != KindInteger || v.Int != 1000 {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeBulkString(t *testing.T) {
	v, n, err := decode([]byte("$5\r\nhello\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 || v.Kind != KindBulkString || v.Str != "hello" || v.Null {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeBulkStringNull(t *testing.T) {
	v, n, err := decode([]byte("$-1\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || v.Kind != KindBulkString || !v.Null {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeArrayNull(t *testing.T) {
	v, n, err := decode([]byte("*-1\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || v.Kind != KindArray || !v.Null {
		t.Fatalf("got %+v, n=%d", v, n)
	}
}

func TestDecodeArrayNested(t *testing.T) {
	raw := "*2\r\n$3\r\nfoo\r\n:42\r\n"
	v, n, err := decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("n = %d, want %d", n, len(raw))
	}
	if v.Kind != KindArray || len(v.Array) != 2 {
		t.Fatalf("got %+v", v)
	}
	if v.Array[0].Str != "foo" || v.Array[1].Int != 42 {
		t.Fatalf("got %+v", v.Array)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	_, n, err := decode([]byte("$5\r\nhel"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 for incomplete bulk string", n)
	}
}

func TestEncodeCommand(t *testing.T) {
	got := encodeCommand([]string{"SET", "k", "v"})
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func newTestClientPair(t *testing.T) (*Client, net.Conn, *loop.Loop) {
	t.Helper()
	l := loop.New(0, 0, 0)
	l.Start()
	t.Cleanup(l.Stop)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	cl := NewClient(log.DefaultLogger)
	ep := transport.New(l, nil)
	ep.Bind(clientConn, cl)

	return cl, serverConn, l
}

func syncCall(t *testing.T, l *loop.Loop, fn func(done func())) {
	t.Helper()
	ch := make(chan struct{})
	l.Execute(func() {
		fn(func() { close(ch) })
	})
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

// TestPipelinedRequestsMatchFIFO drives spec.md §8's S4 scenario: SET
// and GET are sent back-to-back with no wait between them, and their
// replies must be delivered to the right callback in send order
// (Testable Property 7), even though the server coalesces both
// replies into a single write.
func TestPipelinedRequestsMatchFIFO(t *testing.T) {
	cl, srv, l := newTestClientPair(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf := make([]byte, 256)
		total := 0
		want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"
		srv.SetReadDeadline(time.Now().Add(2 * time.Second))
		for total < len(want) {
			n, err := srv.Read(buf[total:])
			if err != nil {
				t.Errorf("server read: %v", err)
				return
			}
			total += n
		}
		if string(buf[:total]) != want {
			t.Errorf("server got %q, want %q", buf[:total], want)
			return
		}
		srv.SetWriteDeadline(time.Now().Add(2 * time.Second))
		srv.Write([]byte("+OK\r\n$1\r\nv\r\n"))
	}()

	var order []string
	done1 := make(chan struct{})
	done2 := make(chan struct{})

	syncCall(t, l, func(done func()) {
		defer done()
		cl.Command(func(v Value, err error) {
			if err != nil {
				t.Errorf("SET: %v", err)
			}
			if v.Kind != KindSimpleString || v.Str != "OK" {
				t.Errorf("SET reply = %+v", v)
			}
			order = append(order, "SET")
			close(done1)
		}, "SET", "k", "v")
		cl.Command(func(v Value, err error) {
			if err != nil {
				t.Errorf("GET: %v", err)
			}
			if v.Kind != KindBulkString || v.Str != "v" {
				t.Errorf("GET reply = %+v", v)
			}
			order = append(order, "GET")
			close(done2)
		}, "GET", "k")
	})

	<-serverDone
	select {
	case <-done1:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SET reply")
	}
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GET reply")
	}
	if len(order) != 2 || order[0] != "SET" || order[1] != "GET" {
		t.Fatalf("order = %v, want [SET GET]", order)
	}
}

type recordingMessages struct {
	messages  [][2]string
	pmessages [][3]string
}

func (r *recordingMessages) Message(channel, payload string) {
	r.messages = append(r.messages, [2]string{channel, payload})
}
func (r *recordingMessages) PMessage(pattern, channel, payload string) {
	r.pmessages = append(r.pmessages, [3]string{pattern, channel, payload})
}

// TestPubSubDispatch drives SUBSCRIBE -> message -> UNSUBSCRIBE,
// confirming the subscription counter correctly tracks entry to and
// exit from pub/sub mode.
func TestPubSubDispatch(t *testing.T) {
	cl, srv, l := newTestClientPair(t)
	rec := &recordingMessages{}
	cl.SetMessageHandler(rec)

	go func() {
		srv.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 256)
		srv.Read(buf) // SUBSCRIBE news

		srv.SetWriteDeadline(time.Now().Add(2 * time.Second))
		srv.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"))
		srv.Write([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nhello\r\n"))

		srv.Read(buf) // UNSUBSCRIBE news
		srv.Write([]byte("*3\r\n$11\r\nunsubscribe\r\n$4\r\nnews\r\n:0\r\n"))
	}()

	syncCall(t, l, func(done func()) {
		defer done()
		cl.Subscribe("news")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		syncCall(t, l, func(done func()) {
			defer done()
			n = len(rec.messages)
		})
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for pub/sub message")
		}
		time.Sleep(time.Millisecond)
	}

	var inPubSub bool
	syncCall(t, l, func(done func()) {
		defer done()
		inPubSub = cl.InPubSub()
	})
	if !inPubSub {
		t.Fatal("expected InPubSub() after subscribe+message")
	}

	syncCall(t, l, func(done func()) {
		defer done()
		cl.Unsubscribe("news")
	})

	deadline = time.Now().Add(2 * time.Second)
	for {
		var still bool
		syncCall(t, l, func(done func()) {
			defer done()
			still = cl.InPubSub()
		})
		if !still {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for unsubscribe to drain subscription count")
		}
		time.Sleep(time.Millisecond)
	}

	if len(rec.messages) != 1 || rec.messages[0][0] != "news" || rec.messages[0][1] != "hello" {
		t.Fatalf("messages = %v", rec.messages)
	}
}

// TestErrorReplyMapsToPermanent confirms a "-ERR ..." reply surfaces
// through the closed error taxonomy instead of a bare Value.
func TestErrorReplyMapsToPermanent(t *testing.T) {
	cl, srv, l := newTestClientPair(t)

	go func() {
		buf := make([]byte, 256)
		srv.SetReadDeadline(time.Now().Add(2 * time.Second))
		srv.Read(buf)
		srv.SetWriteDeadline(time.Now().Add(2 * time.Second))
		srv.Write([]byte("-ERR unknown command\r\n"))
	}()

	errCh := make(chan error, 1)
	syncCall(t, l, func(done func()) {
		defer done()
		cl.Command(func(v Value, err error) {
			errCh <- err
		}, "BOGUS")
	})

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected non-nil error for -ERR reply")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error reply")
	}
}

func TestEncodeCommandSingleArg(t *testing.T) {
	got := encodeCommand([]string{"PING"})
	want := "*1\r\n$4\r\nPING\r\n"
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
