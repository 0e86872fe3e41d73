// Package wire implements the protocol-agnostic byte-stream utilities
// spec.md §4.3–§4.5 describe: extracting CRLF-terminated lines from an
// accumulating buffer, counting down announced-length literal payloads,
// and dot-stuffing an outgoing SMTP DATA stream. None of these hold any
// protocol-specific state; they are shared by smtpclient, imapclient,
// and (for LineParser) respclient's textual reply prefixes.
package wire

import "bytes"

// LineConsumer receives each complete CRLF-terminated line (including
// the trailing CRLF) LineParser finds in a buffer.
//
// continueLineProcessing reports whether LineParser should keep parsing
// further lines out of the same buffer. A handler returns false when it
// has switched into literal-streaming mode (spec.md §4.3) so the
// remaining bytes are left untouched for a LiteralTracker to consume
// instead of being misparsed as lines.
type LineConsumer func(line []byte) (continueLineProcessing bool)

// ParseLines repeatedly extracts CRLF-terminated lines from buf,
// invoking consume for each, until either no complete line remains or
// consume returns false. It returns the number of leading bytes of buf
// that were consumed (i.e. belonged to lines delivered to consume); the
// caller is responsible for retaining buf[consumed:] for the next call.
//
// ParseLines does not allocate per character: each delivered line is a
// sub-slice of buf, valid only until the next call mutates the backing
// array (callers that need to retain a line across calls must copy it).
func ParseLines(buf []byte, consume LineConsumer) (consumed int) {
	for {
		idx := bytes.Index(buf[consumed:], crlf)
		if idx < 0 {
			return consumed
		}
		lineEnd := consumed + idx + 2
		line := buf[consumed:lineEnd]
		consumed = lineEnd

		if !consume(line) {
			return consumed
		}
	}
}

var crlf = []byte("\r\n")
