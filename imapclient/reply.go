package imapclient

import (
	"strconv"
	"strings"

	"github.com/nbproto/corelib/exterr"
)

// Status is the tagged-response status word spec.md §4.6 dispatches
// on: OK/NO/BAD.
type Status int

const (
	StatusOK Status = iota
	StatusNO
	StatusBAD
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	case StatusBAD:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

func parseStatus(word string) (Status, bool) {
	switch word {
	case "OK":
		return StatusOK, true
	case "NO":
		return StatusNO, true
	case "BAD":
		return StatusBAD, true
	default:
		return 0, false
	}
}

// TaggedResponse is a completed "<tag> <status> [<code>] <text>" line.
type TaggedResponse struct {
	Tag    string
	Status Status
	Code   string // contents of a leading "[...]" response code, if any
	Text   string
}

// errForStatus turns a non-OK tagged status into the closed error
// taxonomy: NO is Temporary (the caller may retry, e.g. a transient
// mailbox lock), BAD is Permanent (malformed command, retrying as-is
// won't help).
func errForStatus(r TaggedResponse) error {
	if r.Status == StatusOK {
		return nil
	}
	kind := exterr.Temporary
	if r.Status == StatusBAD {
		kind = exterr.Permanent
	}
	return &exterr.Error{
		Kind:    kind,
		Message: r.Text,
		Misc:    map[string]interface{}{"tag": r.Tag, "code": r.Code},
	}
}

// splitResponseCode pulls a leading "[CODE ...]" off text, as IMAP
// tagged and untagged OK/NO/BAD/PREAUTH/BYE responses carry (RFC 3501
// §7.1). Returns the code contents (without brackets) and the
// remaining human-readable text.
func splitResponseCode(text string) (code, rest string) {
	if !strings.HasPrefix(text, "[") {
		return "", text
	}
	end := strings.Index(text, "]")
	if end < 0 {
		return "", text
	}
	code = text[1:end]
	rest = strings.TrimSpace(text[end+1:])
	return code, rest
}

// splitWord splits s on the first run of whitespace, like
// strings.Cut(s, " ") but tolerant of multiple separating spaces.
func splitWord(s string) (first, rest string) {
	s = strings.TrimLeft(s, " ")
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimLeft(s[idx+1:], " ")
}

// parseUint32 parses a decimal mailbox sequence number/count, returning
// 0 on failure (callers treat 0 as "absent" since IMAP sequence numbers
// and counts are always >= 1 when present, except EXISTS 0).
func parseUint32(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
