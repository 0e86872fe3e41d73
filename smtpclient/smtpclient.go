// Package smtpclient implements the SMTP half of spec.md §4.5: a
// non-blocking client state machine layered on transport.Endpoint,
// covering greeting, EHLO/HELO, STARTTLS, AUTH, the envelope commands,
// DATA/BDAT message transfer, and QUIT.
package smtpclient

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/nbproto/corelib/exterr"
	"github.com/nbproto/corelib/log"
	"github.com/nbproto/corelib/transport"
	"github.com/nbproto/corelib/wire"
)

// State is one of the positions in spec.md §4.5's state diagram.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateEhloSent
	StateStartTLSSent
	StateAuthSent
	StateMailFromSent
	StateMailFromAccepted
	StateRcptToSent
	StateRcptToAccepted
	StateDataCommandSent
	StateDataMode
	StateDataEndSent
	StateBdatMode
	StateQuitSent
	StateClosed
	StateError
)

func (s State) String() string {
	names := [...]string{
		"DISCONNECTED", "CONNECTING", "CONNECTED", "EHLO_SENT",
		"STARTTLS_SENT", "AUTH_SENT", "MAIL_FROM_SENT", "MAIL_FROM_ACCEPTED",
		"RCPT_TO_SENT", "RCPT_TO_ACCEPTED", "DATA_COMMAND_SENT", "DATA_MODE",
		"DATA_END_SENT", "BDAT_MODE", "QUIT_SENT", "CLOSED", "ERROR",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ReplyCallback receives the parsed server reply for a single command,
// or a non-nil err if the reply could not be obtained (transport
// failure, protocol violation, or a 421 service-closing reply).
type ReplyCallback func(r Reply, err error)

// EhloCallback receives the parsed capability set from a successful
// EHLO, or err on failure.
type EhloCallback func(caps Capabilities, err error)

// MessageCallback receives the queue ID from a message accepted by
// DATA/BDAT's final reply, or err on failure.
type MessageCallback func(queueID string, err error)

// Client drives one SMTP connection. It implements transport.Handler;
// bind it to an Endpoint with Endpoint.Connect or Endpoint.Bind.
type Client struct {
	Log log.Logger

	// TLSHandler, if set, is called when a StartTLS handshake completes
	// (transport.Handler.SecurityEstablished). Per RFC 5321 §3.8, the
	// caller is expected to issue EHLO again afterward; this client
	// does not do so automatically since capability state belongs to
	// the caller's session logic, not the transport state machine.
	TLSHandler func(transport.TLSInfo)

	ep    *transport.Endpoint
	state State
	acc   replyAccumulator

	pendingReply ReplyCallback

	capabilities Capabilities
	rcptCount    int

	saslClient sasl.Client
	authDone   ReplyCallback

	dotStuffer  *wire.DotStuffer
	bdatQueue   []bdatChunk
	bdatFinalCB MessageCallback
	bdatErrored bool
}

// NewClient constructs a Client bound to no Endpoint yet; call
// Endpoint.Connect(ctx, network, addr, client) or Endpoint.Bind to
// attach it.
func NewClient(logger log.Logger) *Client {
	return &Client{Log: logger, state: StateDisconnected}
}

// State returns the client's current state.
func (c *Client) State() State { return c.state }

// Capabilities returns the capability set from the most recent
// successful EHLO.
func (c *Client) Capabilities() Capabilities { return c.capabilities }

// --- transport.Handler ---

func (c *Client) Connected(e *transport.Endpoint) {
	c.ep = e
	c.state = StateConnecting
	c.Log.Msg("smtp connected", "remote", e.RemoteAddress())
}

func (c *Client) Receive(data []byte) int {
	return wire.ParseLines(data, func(line []byte) bool {
		// Strip the trailing CRLF; replyAccumulator works on bare text.
		text := string(line[:len(line)-2])
		complete, err := c.acc.feed(text)
		if err != nil {
			c.failProtocol(err)
			return false
		}
		if !complete {
			return true
		}
		reply := c.acc.reply()
		c.acc.reset()
		c.dispatchReply(reply)
		return c.state != StateClosed && c.state != StateError
	})
}

func (c *Client) SecurityEstablished(info transport.TLSInfo) {
	c.Log.Msg("smtp tls established", "version", info.Version, "cipher", info.CipherSuite)
	if c.TLSHandler != nil {
		c.TLSHandler(info)
	}
}

func (c *Client) Error(err error) {
	c.state = StateError
	c.Log.Error("smtp transport error", err)
	if cb := c.takePending(); cb != nil {
		cb(Reply{}, &exterr.Error{Kind: exterr.Transport, Message: err.Error(), Err: err})
	}
}

func (c *Client) Disconnected() {
	c.state = StateClosed
	c.Log.Msg("smtp disconnected")
	if cb := c.takePending(); cb != nil {
		cb(Reply{}, &exterr.Error{Kind: exterr.Transport, Message: "connection closed by peer"})
	}
}

func (c *Client) takePending() ReplyCallback {
	cb := c.pendingReply
	c.pendingReply = nil
	return cb
}

func (c *Client) failProtocol(err error) {
	c.state = StateError
	wrapped := &exterr.Error{Kind: exterr.Protocol, Message: err.Error(), Err: err}
	if cb := c.takePending(); cb != nil {
		cb(Reply{}, wrapped)
	} else {
		c.Log.Error("smtp protocol error with no pending command", err)
	}
	c.ep.Close()
}

// dispatchReply routes one complete reply to whatever is currently
// waiting for it. A 421 at any point means the server is closing the
// connection regardless of what was pending (spec.md §4.5).
func (c *Client) dispatchReply(reply Reply) {
	if reply.Code == 421 {
		cb := c.takePending()
		c.state = StateError
		err := c.replyError(reply)
		if cb != nil {
			cb(reply, err)
		} else {
			c.Log.Msg("smtp 421 with no pending command", "text", reply.Text())
		}
		c.ep.Close()
		return
	}

	cb := c.takePending()
	if cb == nil {
		c.Log.Msg("smtp unexpected reply with no pending command", "code", reply.Code, "text", reply.Text())
		return
	}
	cb(reply, nil)
}

// replyError converts a non-2xx/3xx reply into the exterr.Kind the
// code implies (spec.md §7).
func (c *Client) replyError(reply Reply) error {
	kind := exterr.Permanent
	if reply.Temporary() {
		kind = exterr.Temporary
	}
	return &exterr.Error{Kind: kind, Code: reply.Code, Message: reply.Text()}
}

func (c *Client) requireState(want State) error {
	if c.state != want {
		return &exterr.Error{
			Kind:    exterr.Protocol,
			Message: fmt.Sprintf("smtpclient: operation requires state %s, have %s", want, c.state),
		}
	}
	return nil
}

func (c *Client) sendLine(line string) {
	c.ep.Send([]byte(line + "\r\n"))
}

// --- commands ---

// AwaitGreeting registers cb for the server's initial 220 greeting.
// Call this once, immediately after Connected fires (e.g. from an
// application-level Connected wrapper), before issuing EHLO.
func (c *Client) AwaitGreeting(cb ReplyCallback) {
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		if r.Code != 220 {
			c.state = StateError
			cb(r, c.replyError(r))
			return
		}
		c.state = StateConnected
		cb(r, nil)
	}
}

// Ehlo sends EHLO and parses the capability lines of a successful
// reply (spec.md §4.5 "EHLO capability parse").
func (c *Client) Ehlo(hostname string, cb EhloCallback) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	c.state = StateEhloSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(Capabilities{}, err)
			return
		}
		if !r.Positive() {
			c.state = StateError
			cb(Capabilities{}, c.replyError(r))
			return
		}
		c.capabilities = parseCapabilities(r.Lines)
		c.state = StateConnected
		cb(c.capabilities, nil)
	}
	c.sendLine("EHLO " + hostname)
	return nil
}

// Helo sends the legacy HELO command, for servers (or test doubles)
// that don't support EHLO. No capabilities are parsed.
func (c *Client) Helo(hostname string, cb ReplyCallback) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	c.state = StateEhloSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		if !r.Positive() {
			c.state = StateError
			cb(r, c.replyError(r))
			return
		}
		c.state = StateConnected
		cb(r, nil)
	}
	c.sendLine("HELO " + hostname)
	return nil
}

// StartTLS issues STARTTLS and, on a successful 220 reply, initiates
// the TLS handshake via the bound Endpoint. The caller must re-issue
// EHLO once SecurityEstablished/TLSHandler fires.
func (c *Client) StartTLS(ctx context.Context, serverName string, cb ReplyCallback) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	if !c.capabilities.StartTLS {
		return &exterr.Error{Kind: exterr.Protocol, Message: "smtpclient: server did not advertise STARTTLS"}
	}
	c.state = StateStartTLSSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		if r.Code != 220 {
			c.state = StateError
			cb(r, c.replyError(r))
			return
		}
		c.state = StateConnected
		c.capabilities = Capabilities{} // discarded per RFC 5321 §3.8 until re-EHLO
		cb(r, nil)
		c.ep.StartTLS(ctx, serverName, false)
	}
	c.sendLine("STARTTLS")
	return nil
}

// Auth drives the AUTH command using mech (any github.com/emersion/go-sasl
// Client), handling the 334-challenge/response loop until a final
// 235/5xx/4xx reply (spec.md §4.5 "AUTH").
func (c *Client) Auth(mech sasl.Client, cb ReplyCallback) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	name, initial, err := mech.Start()
	if err != nil {
		return &exterr.Error{Kind: exterr.Protocol, Message: "smtpclient: sasl start failed", Err: err}
	}

	c.saslClient = mech
	c.authDone = cb
	c.state = StateAuthSent

	line := "AUTH " + name
	if initial != nil {
		if len(initial) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(initial)
		}
	}
	c.pendingReply = c.handleAuthReply
	c.sendLine(line)
	return nil
}

func (c *Client) handleAuthReply(r Reply, err error) {
	if err != nil {
		c.authDone(r, err)
		return
	}

	switch {
	case r.Code == 334:
		var challenge []byte
		if len(r.Lines) > 0 && r.Lines[0] != "" {
			challenge, err = base64.StdEncoding.DecodeString(r.Lines[0])
			if err != nil {
				c.sendLine("*")
				c.pendingReply = c.handleAuthAbort
				return
			}
		}
		resp, saslErr := c.saslClient.Next(challenge)
		if saslErr != nil {
			c.sendLine("*")
			c.pendingReply = c.handleAuthAbort
			return
		}
		c.sendLine(base64.StdEncoding.EncodeToString(resp))
		c.pendingReply = c.handleAuthReply
	case r.Code == 235:
		c.state = StateConnected
		c.authDone(r, nil)
	case r.Code == 535 || r.Code == 534 || r.Code == 501:
		c.state = StateConnected
		c.authDone(r, &exterr.Error{Kind: exterr.AuthChallengeFail, Code: r.Code, Message: r.Text()})
	case r.Temporary():
		c.state = StateConnected
		c.authDone(r, &exterr.Error{Kind: exterr.Temporary, Code: r.Code, Message: r.Text()})
	default:
		c.state = StateError
		c.authDone(r, c.replyError(r))
	}
}

// handleAuthReply sent "*" to abort a SASL exchange after a local
// decode/Next failure; the server's reply to that abort is always
// final (235 is impossible here), so route it back through authDone.
func (c *Client) handleAuthAbort(r Reply, err error) {
	c.state = StateConnected
	if err != nil {
		c.authDone(r, err)
		return
	}
	c.authDone(r, &exterr.Error{Kind: exterr.AuthChallengeFail, Code: r.Code, Message: r.Text()})
}

// MailFrom sends MAIL FROM:<addr>, optionally with SIZE and SMTPUTF8
// parameters.
func (c *Client) MailFrom(addr string, size int64, smtputf8 bool, cb ReplyCallback) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	c.state = StateMailFromSent
	c.rcptCount = 0
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		if !r.Positive() {
			c.state = StateConnected
			cb(r, c.replyError(r))
			return
		}
		c.state = StateMailFromAccepted
		cb(r, nil)
	}
	line := "MAIL FROM:<" + addr + ">"
	if size > 0 {
		line += fmt.Sprintf(" SIZE=%d", size)
	}
	if smtputf8 && c.capabilities.SMTPUTF8 {
		line += " SMTPUTF8"
	}
	c.sendLine(line)
	return nil
}

// RcptTo sends RCPT TO:<addr>. It may be called repeatedly (once the
// first succeeds) to add further recipients to the same transaction.
func (c *Client) RcptTo(addr string, cb ReplyCallback) error {
	switch c.state {
	case StateMailFromAccepted, StateRcptToAccepted:
	default:
		return c.requireState(StateMailFromAccepted)
	}
	base := c.state
	c.state = StateRcptToSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		if !r.Positive() {
			c.state = base
			cb(r, c.replyError(r))
			return
		}
		c.rcptCount++
		c.state = StateRcptToAccepted
		cb(r, nil)
	}
	c.sendLine("RCPT TO:<" + addr + ">")
	return nil
}

// Rset sends RSET, returning to CONNECTED with the recipient count
// zeroed (spec.md §4.5 "Failure semantics").
func (c *Client) Rset(cb ReplyCallback) error {
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb(r, err)
			return
		}
		c.rcptCount = 0
		c.state = StateConnected
		cb(r, nil)
	}
	c.sendLine("RSET")
	return nil
}

// Noop sends NOOP.
func (c *Client) Noop(cb ReplyCallback) error {
	c.pendingReply = cb
	c.sendLine("NOOP")
	return nil
}

// Quit sends QUIT; the final reply (whatever it is) is delivered to
// cb, after which the caller should expect Disconnected soon after.
func (c *Client) Quit(cb ReplyCallback) error {
	c.state = StateQuitSent
	c.pendingReply = func(r Reply, err error) {
		c.state = StateClosed
		cb(r, err)
		c.ep.Close()
	}
	c.sendLine("QUIT")
	return nil
}
