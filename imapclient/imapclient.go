// Package imapclient implements the IMAP half of spec.md §4.6: a
// non-blocking client state machine layered on transport.Endpoint,
// covering the greeting, tagged-command correlation, untagged-response
// routing, literal streaming, IDLE, and APPEND.
package imapclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/nbproto/corelib/exterr"
	"github.com/nbproto/corelib/log"
	"github.com/nbproto/corelib/transport"
	"github.com/nbproto/corelib/wire"
)

// TaggedCallback receives a command's tagged completion, or a non-nil
// err (transport/protocol failure, or a NO/BAD status via errForStatus).
type TaggedCallback func(resp TaggedResponse, err error)

// MailboxEvents receives unsolicited mailbox state changes (spec.md
// §4.6 "Unsolicited events"): either a registered listener for a
// SELECTED connection, or the active IDLE's event sink.
type MailboxEvents interface {
	Exists(count uint32)
	Recent(count uint32)
	Expunge(seq uint32)
	FlagsUpdate(seq uint32, flags []string)
}

// MailboxInfo accumulates the untagged data a SELECT/EXAMINE collects
// before its tagged completion.
type MailboxInfo struct {
	Exists          uint32
	Recent          uint32
	UIDValidity     uint32
	UIDNext         uint32
	Flags           []string
	PermanentFlags  []string
	ReadOnly        bool
}

// Client drives one IMAP connection. It implements transport.Handler;
// bind it to an Endpoint with Endpoint.Connect or Endpoint.Bind.
type Client struct {
	Log log.Logger

	// TLSHandler, if set, is called when a StartTLS handshake completes.
	TLSHandler func(transport.TLSInfo)

	ep    *transport.Endpoint
	state State

	tags        tagGenerator
	currentTag  string
	baseState   State // state to restore once the outstanding tagged command completes
	pendingTagged TaggedCallback

	pendingGreeting func(preauth bool, err error)

	capabilities Capabilities

	// untagged-line / literal-mode bookkeeping (FETCH with literals,
	// spec.md §4.6 "FETCH with literals").
	literalTracker      *wire.LiteralTracker
	inFetchContinuation bool
	literalSeq          uint32
	literalSection      string
	fetchHandler        FetchHandler

	mailboxEvents  MailboxEvents // registered listener for a SELECTED connection outside IDLE
	idleHandler    MailboxEvents
	idleDone       func(error)
	pendingSelect  *MailboxInfo

	saslClient sasl.Client
	authDone   TaggedCallback

	appendOnReady   func(error)
	appendRemaining int
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
// CAPABILITY response (including one folded into a greeting/tagged
// response code).
func (c *Client) Capabilities() Capabilities { return c.capabilities }

// SetMailboxEvents registers the listener that receives unsolicited
// mailbox events (EXISTS/RECENT/EXPUNGE/flag updates) while no IDLE is
// active and no SELECT/EXAMINE is still accumulating its info.
func (c *Client) SetMailboxEvents(h MailboxEvents) { c.mailboxEvents = h }

// --- transport.Handler ---

func (c *Client) Connected(e *transport.Endpoint) {
	c.ep = e
	c.state = StateConnecting
	c.Log.Msg("imap connected", "remote", e.RemoteAddress())
}

func (c *Client) Receive(data []byte) int {
	consumed := 0
	for {
		if c.literalTracker != nil {
			n, complete := c.literalTracker.Process(data[consumed:])
			consumed += n
			if !complete {
				return consumed
			}
			c.literalTracker = nil
			continue
		}

		n := wire.ParseLines(data[consumed:], c.consumeLine)
		consumed += n
		if c.literalTracker == nil {
			return consumed
		}
	}
}

func (c *Client) SecurityEstablished(info transport.TLSInfo) {
	c.Log.Msg("imap tls established", "version", info.Version, "cipher", info.CipherSuite)
	if c.TLSHandler != nil {
		c.TLSHandler(info)
	}
}

func (c *Client) Error(err error) {
	c.state = StateError
	c.Log.Error("imap transport error", err)
	c.failOutstanding(&exterr.Error{Kind: exterr.Transport, Message: err.Error(), Err: err})
}

func (c *Client) Disconnected() {
	c.state = StateClosed
	c.Log.Msg("imap disconnected")
	c.failOutstanding(&exterr.Error{Kind: exterr.Transport, Message: "connection closed by peer"})
}

// failOutstanding delivers a terminal error to whichever single
// operation is currently outstanding (greeting, tagged command, or an
// IDLE in progress).
func (c *Client) failOutstanding(err error) {
	if g := c.pendingGreeting; g != nil {
		c.pendingGreeting = nil
		g(false, err)
		return
	}
	if c.idleDone != nil {
		done := c.idleDone
		c.idleDone = nil
		done(err)
		return
	}
	if cb := c.pendingTagged; cb != nil {
		c.pendingTagged = nil
		cb(TaggedResponse{Tag: c.currentTag}, err)
	}
}

func (c *Client) failProtocol(text string) {
	c.state = StateError
	c.Log.Msg("imap protocol error", "reason", text)
	c.failOutstanding(&exterr.Error{Kind: exterr.Protocol, Message: text})
	c.ep.Close()
}

func (c *Client) requireState(want State) error {
	if c.state != want {
		return &exterr.Error{
			Kind:    exterr.Protocol,
			Message: fmt.Sprintf("imapclient: operation requires state %s, have %s", want, c.state),
		}
	}
	return nil
}

func (c *Client) sendLine(line string) {
	c.ep.Send([]byte(line + "\r\n"))
}

// sendCommand writes "<tag> cmd", remembering baseState (the state to
// return to once the tagged completion arrives) and cb (the tagged
// callback). Generalizes spec.md §4.6's single wasSelected flag to
// also cover the NOT_AUTHENTICATED base, since the same restore
// mechanism applies before and after authentication.
func (c *Client) sendCommand(cmd string, baseState, busyState State, cb TaggedCallback) {
	tag := c.tags.next()
	c.currentTag = tag
	c.baseState = baseState
	c.state = busyState
	c.pendingTagged = cb
	c.sendLine(tag + " " + cmd)
}

// --- line dispatch ---

func (c *Client) consumeLine(line []byte) bool {
	text := string(line[:len(line)-2])

	if c.inFetchContinuation {
		return c.handleFetchContinuation(text)
	}
	if text == "" {
		return true
	}

	switch text[0] {
	case '*':
		return c.handleUntagged(strings.TrimLeft(text[1:], " "))
	case '+':
		return c.handleContinuation(strings.TrimLeft(text[1:], " "))
	default:
		return c.handleTagged(text)
	}
}

func (c *Client) handleUntagged(rest string) bool {
	word1, rest2 := splitWord(rest)
	if word1 == "" {
		return true
	}

	if seq, err := strconv.ParseUint(word1, 10, 32); err == nil {
		word2, rest3 := splitWord(rest2)
		switch strings.ToUpper(word2) {
		case "EXISTS":
			c.routeMailboxEvent(uint32(seq), func(h MailboxEvents) { h.Exists(uint32(seq)) }, func(mi *MailboxInfo) { mi.Exists = uint32(seq) })
		case "RECENT":
			c.routeMailboxEvent(uint32(seq), func(h MailboxEvents) { h.Recent(uint32(seq)) }, func(mi *MailboxInfo) { mi.Recent = uint32(seq) })
		case "EXPUNGE":
			c.routeMailboxEvent(uint32(seq), func(h MailboxEvents) { h.Expunge(uint32(seq)) }, nil)
		case "FETCH":
			return c.handleFetchUntagged(uint32(seq), rest3)
		default:
			c.Log.Msg("imap unhandled numeric untagged response", "n", seq, "keyword", word2)
		}
		return true
	}

	switch strings.ToUpper(word1) {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		return c.handleUntaggedStatus(word1, rest2)
	case "CAPABILITY":
		c.capabilities = newCapabilities(strings.Fields(rest2))
	case "FLAGS":
		if c.pendingSelect != nil {
			c.pendingSelect.Flags = parseParenList(rest2)
		}
	default:
		c.Log.Msg("imap unhandled untagged response", "keyword", word1)
	}
	return true
}

// routeMailboxEvent sends an EXISTS/RECENT/EXPUNGE-class event to
// whichever sink currently owns it: an active IDLE's handler, a
// SELECT/EXAMINE still accumulating its info, or a registered
// mailbox-event listener, in that priority order (spec.md §4.6
// "Unsolicited events").
func (c *Client) routeMailboxEvent(seq uint32, deliver func(MailboxEvents), record func(*MailboxInfo)) {
	switch {
	case c.state == StateIdleActive && c.idleHandler != nil:
		deliver(c.idleHandler)
	case c.pendingSelect != nil && record != nil:
		record(c.pendingSelect)
	case c.mailboxEvents != nil:
		deliver(c.mailboxEvents)
	default:
		c.Log.Msg("imap unsolicited mailbox event with no listener", "seq", seq)
	}
}

func (c *Client) handleUntaggedStatus(word, rest string) bool {
	code, text := splitResponseCode(rest)
	if strings.HasPrefix(strings.ToUpper(code), "CAPABILITY") {
		fields := strings.Fields(code)
		if len(fields) > 1 {
			c.capabilities = newCapabilities(fields[1:])
		}
	}
	if c.pendingSelect != nil {
		switch strings.ToUpper(code) {
		case "READ-ONLY":
			c.pendingSelect.ReadOnly = true
		}
		if strings.HasPrefix(strings.ToUpper(code), "UIDVALIDITY ") {
			c.pendingSelect.UIDValidity = parseUint32(strings.Fields(code)[1])
		}
		if strings.HasPrefix(strings.ToUpper(code), "UIDNEXT ") {
			c.pendingSelect.UIDNext = parseUint32(strings.Fields(code)[1])
		}
		if strings.HasPrefix(strings.ToUpper(code), "PERMANENTFLAGS") {
			c.pendingSelect.PermanentFlags = parseParenList(strings.TrimPrefix(code, "PERMANENTFLAGS "))
		}
	}

	switch strings.ToUpper(word) {
	case "BYE":
		if g := c.pendingGreeting; g != nil && c.state == StateConnecting {
			c.pendingGreeting = nil
			c.state = StateError
			g(false, &exterr.Error{Kind: exterr.Transport, Message: "server refused connection: " + text})
			return false
		}
		c.Log.Msg("imap server sent BYE", "text", text)
	case "PREAUTH":
		if g := c.pendingGreeting; g != nil && c.state == StateConnecting {
			c.pendingGreeting = nil
			c.state = StateAuthenticated
			g(true, nil)
		}
	case "OK":
		if g := c.pendingGreeting; g != nil && c.state == StateConnecting {
			c.pendingGreeting = nil
			c.state = StateNotAuthenticated
			g(false, nil)
		}
	case "NO", "BAD":
		c.Log.Msg("imap unexpected untagged status", "status", word, "text", text)
	}
	return true
}

func (c *Client) handleContinuation(rest string) bool {
	switch c.state {
	case StateAuthenticateSent:
		c.handleAuthContinuation(rest)
	case StateAppendWaitingContinuation:
		c.state = StateAppendData
		if cb := c.appendOnReady; cb != nil {
			c.appendOnReady = nil
			cb(nil)
		}
	case StateIdleSent:
		c.state = StateIdleActive
	default:
		c.Log.Msg("imap unexpected continuation", "state", c.state.String(), "text", rest)
	}
	return true
}

func (c *Client) handleTagged(text string) bool {
	tag, rest1 := splitWord(text)
	statusWord, rest2 := splitWord(rest1)
	status, ok := parseStatus(strings.ToUpper(statusWord))
	if !ok {
		c.failProtocol("malformed tagged response: " + text)
		return false
	}
	code, restText := splitResponseCode(rest2)
	resp := TaggedResponse{Tag: tag, Status: status, Code: code, Text: restText}

	if tag != c.currentTag {
		c.Log.Msg("imap tagged reply with mismatched tag", "got", tag, "want", c.currentTag)
		return true
	}
	c.currentTag = ""
	cb := c.pendingTagged
	c.pendingTagged = nil
	c.state = c.baseState

	if cb != nil {
		cb(resp, errForStatus(resp))
	} else {
		c.Log.Msg("imap tagged reply with no pending command", "tag", tag, "status", status.String())
	}
	return c.state != StateClosed && c.state != StateError
}

// parseParenList splits a "(a b c)" token list, tolerating an absent
// or malformed wrapper by returning whatever whitespace-separated
// fields it finds.
func parseParenList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
