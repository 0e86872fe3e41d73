package smtpclient

import (
	"fmt"
	"strings"

	"github.com/nbproto/corelib/exterr"
	"github.com/nbproto/corelib/wire"
)

// Data sends the DATA command; onReady fires once the server's 354
// reply arrives (or with an error otherwise), after which WriteData
// and EndData drive the dot-stuffed body stream (spec.md §4.5
// "Message transfer", DATA mode).
func (c *Client) Data(onReady func(err error)) error {
	if err := c.requireState(StateRcptToAccepted); err != nil {
		return err
	}
	c.state = StateDataCommandSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			onReady(err)
			return
		}
		if r.Code != 354 {
			c.state = StateConnected
			onReady(c.replyError(r))
			return
		}
		c.state = StateDataMode
		c.dotStuffer = wire.NewDotStuffer()
		onReady(nil)
	}
	c.sendLine("DATA")
	return nil
}

// WriteData dot-stuffs chunk and writes it to the wire. It may be
// called any number of times while in DATA_MODE.
func (c *Client) WriteData(chunk []byte) error {
	if err := c.requireState(StateDataMode); err != nil {
		return err
	}
	c.dotStuffer.Write(chunk)
	if out := c.dotStuffer.Take(); len(out) > 0 {
		c.ep.Send(out)
	}
	return nil
}

// EndData appends the CRLF.CRLF terminator and awaits the final reply,
// parsing the accepted queue ID out of a successful one.
func (c *Client) EndData(cb MessageCallback) error {
	if err := c.requireState(StateDataMode); err != nil {
		return err
	}
	c.dotStuffer.Finish()
	out := c.dotStuffer.Take()
	c.dotStuffer = nil
	if len(out) > 0 {
		c.ep.Send(out)
	}
	c.state = StateDataEndSent
	c.pendingReply = func(r Reply, err error) {
		if err != nil {
			cb("", err)
			return
		}
		if !r.Positive() {
			c.state = StateConnected
			cb("", c.replyError(r))
			return
		}
		c.state = StateConnected
		cb(parseQueueID(r.Text()), nil)
	}
	return nil
}

// --- BDAT mode ---
//
// BDAT is only usable when the server advertised CHUNKING. Chunks are
// sent sequentially (one BDAT line + payload per WriteBdat/EndBdat
// call); replies are matched to chunks in send order via bdatQueue.
//
// Open question resolution (spec.md §9): once any chunk's reply is an
// error, that error is delivered exactly once to the final callback
// and every other queued chunk's reply is dropped silently rather than
// re-delivered per-chunk.

type bdatChunk struct {
	final bool
}

// WriteBdat sends a non-final BDAT chunk.
func (c *Client) WriteBdat(chunk []byte) error {
	if err := c.enterBdat(); err != nil {
		return err
	}
	c.sendLine(fmt.Sprintf("BDAT %d", len(chunk)))
	if len(chunk) > 0 {
		c.ep.Send(chunk)
	}
	c.bdatQueue = append(c.bdatQueue, bdatChunk{final: false})
	c.armBdatReply()
	return nil
}

// EndBdat sends the final BDAT chunk (BDAT N LAST), possibly empty,
// and registers cb for the eventual message-accepted/error outcome.
func (c *Client) EndBdat(chunk []byte, cb MessageCallback) error {
	if err := c.enterBdat(); err != nil {
		return err
	}
	c.bdatFinalCB = cb
	c.sendLine(fmt.Sprintf("BDAT %d LAST", len(chunk)))
	if len(chunk) > 0 {
		c.ep.Send(chunk)
	}
	c.bdatQueue = append(c.bdatQueue, bdatChunk{final: true})
	c.armBdatReply()
	return nil
}

func (c *Client) enterBdat() error {
	switch c.state {
	case StateRcptToAccepted:
		if !c.capabilities.Chunking {
			return &exterr.Error{Kind: exterr.Protocol, Message: "smtpclient: server did not advertise CHUNKING"}
		}
		c.state = StateBdatMode
		c.bdatErrored = false
		c.bdatQueue = nil
		return nil
	case StateBdatMode:
		return nil
	default:
		return c.requireState(StateRcptToAccepted)
	}
}

func (c *Client) armBdatReply() {
	if c.pendingReply == nil {
		c.pendingReply = c.handleBdatReply
	}
}

func (c *Client) handleBdatReply(r Reply, err error) {
	if len(c.bdatQueue) == 0 {
		c.Log.Msg("smtp bdat reply with no queued chunk")
		return
	}
	item := c.bdatQueue[0]
	c.bdatQueue = c.bdatQueue[1:]

	if c.bdatErrored {
		// Already delivered the one final error; drop everything else
		// silently, per the resolved open question.
		return
	}

	if err != nil {
		c.bdatErrored = true
		c.state = StateError
		c.deliverBdatFinal("", err)
		return
	}

	if !r.Positive() {
		c.bdatErrored = true
		c.state = StateConnected
		c.deliverBdatFinal("", c.replyError(r))
		return
	}

	if item.final {
		c.state = StateConnected
		c.deliverBdatFinal(parseQueueID(r.Text()), nil)
		return
	}

	if len(c.bdatQueue) > 0 {
		c.pendingReply = c.handleBdatReply
	}
}

func (c *Client) deliverBdatFinal(queueID string, err error) {
	if c.bdatFinalCB == nil {
		return
	}
	cb := c.bdatFinalCB
	c.bdatFinalCB = nil
	cb(queueID, err)
}

// parseQueueID extracts the token after " as " in a reply like
// "2.0.0 Ok: queued as ABC123", falling back to the full text when the
// server doesn't follow that (common but non-standard) convention.
func parseQueueID(text string) string {
	if idx := strings.LastIndex(text, " as "); idx >= 0 {
		return strings.TrimSpace(text[idx+4:])
	}
	return text
}
