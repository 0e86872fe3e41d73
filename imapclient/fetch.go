package imapclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nbproto/corelib/wire"
)

// FetchHandler streams one FETCH command's response data (spec.md
// §4.6 "FETCH with literals", Testable Property 6).
// HandleFetchLiteralBegin/Content/End bracket each literal-valued data
// item an untagged FETCH line carries; HandleFetchComplete fires once
// the line (and any literals it announced) is fully consumed.
type FetchHandler interface {
	HandleFetchLiteralBegin(seq uint32, section string, size int)
	HandleFetchLiteralContent(seq uint32, section string, chunk []byte)
	HandleFetchLiteralEnd(seq uint32, section string)
	HandleFetchComplete(seq uint32)
}

// Fetch sends a FETCH command. fh receives any literal-valued data
// items the response carries (pass nil if none are expected); cb
// receives the tagged completion.
func (c *Client) Fetch(seqset, items string, fh FetchHandler, cb TaggedCallback) error {
	if err := c.requireState(StateSelected); err != nil {
		return err
	}
	c.fetchHandler = fh
	base := c.state
	c.sendCommand(fmt.Sprintf("FETCH %s %s", seqset, items), base, StateFetchSent, func(resp TaggedResponse, err error) {
		c.fetchHandler = nil
		cb(resp, err)
	})
	return nil
}

// handleFetchUntagged processes the portion of an untagged "n FETCH"
// line after the keyword. If it ends with a literal marker "{N}", the
// preceding token is treated as the literal's section name and the
// client switches into literal-streaming mode; otherwise the line is
// a complete (non-literal) FETCH response.
func (c *Client) handleFetchUntagged(seq uint32, rest string) bool {
	if section, size, ok := literalSuffix(rest); ok {
		return c.beginLiteral(seq, section, size)
	}

	// No literal: a fully self-contained response, e.g.
	// "(FLAGS (\Seen))". Route unsolicited flag updates to the
	// mailbox-event sink when no FETCH command is outstanding.
	if c.fetchHandler == nil {
		if flags := extractFlagsItem(rest); flags != nil {
			c.routeMailboxEvent(seq, func(h MailboxEvents) { h.FlagsUpdate(seq, flags) }, nil)
		}
		return true
	}
	c.fetchHandler.HandleFetchComplete(seq)
	return true
}

// handleFetchContinuation processes the text following a just-completed
// literal, up to the next CRLF: either another literal marker (back-to-
// back literals within the same FETCH line) or the closing tail of the
// response.
func (c *Client) handleFetchContinuation(text string) bool {
	c.inFetchContinuation = false
	if section, size, ok := literalSuffix(text); ok {
		return c.beginLiteral(c.literalSeq, section, size)
	}
	if c.fetchHandler != nil {
		c.fetchHandler.HandleFetchComplete(c.literalSeq)
	}
	return true
}

func (c *Client) beginLiteral(seq uint32, section string, size int) bool {
	c.literalSeq = seq
	c.literalSection = section
	if c.fetchHandler != nil {
		c.fetchHandler.HandleFetchLiteralBegin(seq, section, size)
	}
	c.literalTracker = wire.NewLiteralTracker(size, &fetchLiteralSink{c: c})
	return false
}

// fetchLiteralSink adapts a Client into a wire.LiteralCallback for the
// literal currently in flight.
type fetchLiteralSink struct{ c *Client }

func (s *fetchLiteralSink) LiteralContent(chunk []byte) {
	if s.c.fetchHandler != nil {
		s.c.fetchHandler.HandleFetchLiteralContent(s.c.literalSeq, s.c.literalSection, chunk)
	}
}

func (s *fetchLiteralSink) LiteralComplete() {
	if s.c.fetchHandler != nil {
		s.c.fetchHandler.HandleFetchLiteralEnd(s.c.literalSeq, s.c.literalSection)
	}
	s.c.inFetchContinuation = true
}

// literalSuffix reports whether text ends with a "{N}" literal marker,
// returning the preceding whitespace-delimited token (the section
// name) and N.
func literalSuffix(text string) (section string, size int, ok bool) {
	if !strings.HasSuffix(text, "}") {
		return "", 0, false
	}
	open := strings.LastIndexByte(text, '{')
	if open < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(text[open+1 : len(text)-1])
	if err != nil || n < 0 {
		return "", 0, false
	}
	prefix := strings.TrimSpace(text[:open])
	if sp := strings.LastIndexByte(prefix, ' '); sp >= 0 {
		prefix = prefix[sp+1:]
	}
	prefix = strings.TrimPrefix(prefix, "(")
	return prefix, n, true
}

// extractFlagsItem pulls the flag list out of a FETCH data item list
// containing "FLAGS (...)"; returns nil if none is present.
func extractFlagsItem(rest string) []string {
	idx := strings.Index(strings.ToUpper(rest), "FLAGS (")
	if idx < 0 {
		return nil
	}
	tail := rest[idx+len("FLAGS ("):]
	end := strings.IndexByte(tail, ')')
	if end < 0 {
		return nil
	}
	return strings.Fields(tail[:end])
}
