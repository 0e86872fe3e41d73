// Package respclient implements the RESP half of spec.md §4.7: a
// non-blocking Redis wire-protocol client layered on transport.Endpoint,
// covering request pipelining (Testable Property 7) and pub/sub mode.
package respclient

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/nbproto/corelib/exterr"
	"github.com/nbproto/corelib/log"
	"github.com/nbproto/corelib/transport"
)

// Value is a decoded RESP reply. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Str   string // Simple/Error/Bulk string payload
	Int   int64
	Null  bool // bulk string "$-1" or array "*-1"
	Array []Value
}

// ValueKind is one of RESP2+'s five wire prefixes.
type ValueKind int

const (
	KindSimpleString ValueKind = iota
	KindError
	KindInteger
	KindBulkString
	KindArray
)

// ReplyCallback receives one decoded reply, or a non-nil err on a
// transport/protocol failure.
type ReplyCallback func(v Value, err error)

// MessageHandler receives pub/sub deliveries once the connection has
// entered reception-only mode via SUBSCRIBE/PSUBSCRIBE.
type MessageHandler interface {
	// Message delivers a "message" (channel, payload).
	Message(channel, payload string)
	// PMessage delivers a "pmessage" (pattern, channel, payload).
	PMessage(pattern, channel, payload string)
}

// Client drives one RESP connection. It implements transport.Handler;
// bind it to an Endpoint with Endpoint.Connect or Endpoint.Bind.
//
// Receive is called with the Endpoint's own accumulation buffer (prior
// unconsumed bytes plus whatever just arrived) and returns how many
// bytes it managed to consume; the Endpoint retains the remainder for
// the next call, so Client keeps no read buffer of its own.
type Client struct {
	Log log.Logger

	ep *transport.Endpoint

	pending []ReplyCallback // FIFO of callbacks, one per outstanding request

	subscribed int // active subscription count; >0 means pub/sub mode
	onMessage  MessageHandler
}

// NewClient constructs a Client bound to no Endpoint yet.
func NewClient(logger log.Logger) *Client {
	return &Client{Log: logger}
}

// SetMessageHandler registers the pub/sub message sink.
func (c *Client) SetMessageHandler(h MessageHandler) { c.onMessage = h }

// InPubSub reports whether the connection has an active subscription.
func (c *Client) InPubSub() bool { return c.subscribed > 0 }

// --- transport.Handler ---

func (c *Client) Connected(e *transport.Endpoint) {
	c.ep = e
	c.Log.Msg("resp connected", "remote", e.RemoteAddress())
}

func (c *Client) Receive(data []byte) int {
	consumed := 0
	for {
		v, n, err := decode(data[consumed:])
		if err != nil {
			c.failProtocol(err)
			return len(data)
		}
		if n == 0 {
			return consumed // incomplete reply; Endpoint retains the rest
		}
		consumed += n
		c.dispatch(v)
	}
}

func (c *Client) SecurityEstablished(info transport.TLSInfo) {
	c.Log.Msg("resp tls established", "version", info.Version, "cipher", info.CipherSuite)
}

func (c *Client) Error(err error) {
	c.Log.Error("resp transport error", err)
	c.failAll(&exterr.Error{Kind: exterr.Transport, Message: err.Error(), Err: err})
}

func (c *Client) Disconnected() {
	c.Log.Msg("resp disconnected")
	c.failAll(&exterr.Error{Kind: exterr.Transport, Message: "connection closed by peer"})
}

func (c *Client) failAll(err error) {
	pending := c.pending
	c.pending = nil
	for _, cb := range pending {
		cb(Value{}, err)
	}
}

func (c *Client) failProtocol(err error) {
	wrapped := &exterr.Error{Kind: exterr.Protocol, Message: err.Error(), Err: err}
	c.failAll(wrapped)
	c.ep.Close()
}

// dispatch routes one decoded reply: to the FIFO's head while not in
// pub/sub mode, or to onMessage/UNSUBSCRIBE bookkeeping once
// subscribed (spec.md §4.7 "Pub/sub").
func (c *Client) dispatch(v Value) {
	if c.subscribed > 0 || isPubSubPush(v) {
		c.handlePubSub(v)
		return
	}
	if len(c.pending) == 0 {
		c.Log.Msg("resp reply with no pending request")
		return
	}
	cb := c.pending[0]
	c.pending = c.pending[1:]
	if v.Kind == KindError {
		cb(v, &exterr.Error{Kind: exterr.Permanent, Message: v.Str})
		return
	}
	cb(v, nil)
}

func isPubSubPush(v Value) bool {
	if v.Kind != KindArray || len(v.Array) < 1 {
		return false
	}
	first := v.Array[0]
	if first.Kind != KindBulkString && first.Kind != KindSimpleString {
		return false
	}
	switch first.Str {
	case "message", "pmessage", "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		return true
	default:
		return false
	}
}

func (c *Client) handlePubSub(v Value) {
	if v.Kind != KindArray || len(v.Array) == 0 {
		return
	}
	kind := v.Array[0].Str
	switch kind {
	case "subscribe", "psubscribe":
		if len(v.Array) >= 3 {
			c.subscribed = int(v.Array[2].Int)
		}
	case "unsubscribe", "punsubscribe":
		if len(v.Array) >= 3 {
			c.subscribed = int(v.Array[2].Int)
		}
	case "message":
		if len(v.Array) >= 3 && c.onMessage != nil {
			c.onMessage.Message(v.Array[1].Str, v.Array[2].Str)
		}
	case "pmessage":
		if len(v.Array) >= 4 && c.onMessage != nil {
			c.onMessage.PMessage(v.Array[1].Str, v.Array[2].Str, v.Array[3].Str)
		}
	}
}

// Command encodes args as a RESP array of bulk strings and queues cb
// for the reply matching this request's send-order position (spec.md
// §4.7 "Request pipelining", Testable Property 7). Commands may be
// issued back-to-back without waiting for prior replies.
func (c *Client) Command(cb ReplyCallback, args ...string) {
	c.pending = append(c.pending, cb)
	c.ep.Send(encodeCommand(args))
}

// Subscribe sends SUBSCRIBE for the given channels.
func (c *Client) Subscribe(channels ...string) {
	args := append([]string{"SUBSCRIBE"}, channels...)
	c.ep.Send(encodeCommand(args))
}

// PSubscribe sends PSUBSCRIBE for the given patterns.
func (c *Client) PSubscribe(patterns ...string) {
	args := append([]string{"PSUBSCRIBE"}, patterns...)
	c.ep.Send(encodeCommand(args))
}

// Unsubscribe sends UNSUBSCRIBE; with no channels, it unsubscribes
// from all of them.
func (c *Client) Unsubscribe(channels ...string) {
	args := append([]string{"UNSUBSCRIBE"}, channels...)
	c.ep.Send(encodeCommand(args))
}

func encodeCommand(args []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return b.Bytes()
}

var crlf = []byte("\r\n")

// decode parses one RESP value from the front of buf. It returns
// n == 0 (with a nil error) when buf holds an incomplete value.
func decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, nil
	}
	switch buf[0] {
	case '+':
		return decodeLine(buf, KindSimpleString)
	case '-':
		return decodeLine(buf, KindError)
	case ':':
		v, n, err := decodeLine(buf, KindInteger)
		if err != nil || n == 0 {
			return v, n, err
		}
		i, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return Value{}, 0, fmt.Errorf("respclient: malformed integer %q", v.Str)
		}
		v.Int = i
		v.Str = ""
		return v, n, nil
	case '$':
		return decodeBulkString(buf)
	case '*':
		return decodeArray(buf)
	default:
		return Value{}, 0, fmt.Errorf("respclient: unrecognized reply prefix %q", buf[0])
	}
}

func decodeLine(buf []byte, kind ValueKind) (Value, int, error) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return Value{}, 0, nil
	}
	return Value{Kind: kind, Str: string(buf[1:idx])}, idx + 2, nil
}

func decodeBulkString(buf []byte) (Value, int, error) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return Value{}, 0, nil
	}
	n, err := strconv.Atoi(string(buf[1:idx]))
	if err != nil {
		return Value{}, 0, fmt.Errorf("respclient: malformed bulk string length %q", buf[1:idx])
	}
	headerLen := idx + 2
	if n < 0 {
		return Value{Kind: KindBulkString, Null: true}, headerLen, nil
	}
	total := headerLen + n + 2
	if len(buf) < total {
		return Value{}, 0, nil
	}
	payload := string(buf[headerLen : headerLen+n])
	return Value{Kind: KindBulkString, Str: payload}, total, nil
}

func decodeArray(buf []byte) (Value, int, error) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return Value{}, 0, nil
	}
	n, err := strconv.Atoi(string(buf[1:idx]))
	if err != nil {
		return Value{}, 0, fmt.Errorf("respclient: malformed array length %q", buf[1:idx])
	}
	consumed := idx + 2
	if n < 0 {
		return Value{Kind: KindArray, Null: true}, consumed, nil
	}
	items := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		item, m, err := decode(buf[consumed:])
		if err != nil {
			return Value{}, 0, err
		}
		if m == 0 {
			return Value{}, 0, nil // incomplete; wait for more data
		}
		items = append(items, item)
		consumed += m
	}
	return Value{Kind: KindArray, Array: items}, consumed, nil
}
