package smtpclient

import (
	"strconv"
	"strings"
)

// Reply is one complete (possibly multi-line) SMTP server reply: a
// three-digit code followed by zero or more text lines, the last of
// which used a space separator instead of '-' (spec.md §4.5, "Reply
// parsing").
type Reply struct {
	Code  int
	Lines []string
}

// Text joins Lines with "; ", convenient for error messages.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "; ")
}

// Temporary reports whether this is a 4xx reply.
func (r Reply) Temporary() bool { return r.Code >= 400 && r.Code < 500 }

// Permanent reports whether this is a 5xx reply.
func (r Reply) Permanent() bool { return r.Code >= 500 && r.Code < 600 }

// Positive reports whether this is a 2xx/3xx reply.
func (r Reply) Positive() bool { return r.Code >= 200 && r.Code < 400 }

// replyAccumulator assembles a possibly multi-line reply out of
// successive CRLF-terminated lines handed to it one at a time by
// wire.ParseLines. Each line is "NNN-text\r\n" (continuation) or
// "NNN text\r\n" / "NNN\r\n" (final).
type replyAccumulator struct {
	code  int
	lines []string
}

// feed processes one line (with its trailing CRLF already stripped by
// the caller) and reports whether the reply is now complete. On a
// malformed line it returns an error; the caller should treat this as
// a Protocol-kind failure and close the connection.
func (a *replyAccumulator) feed(line string) (complete bool, err error) {
	if len(line) < 3 {
		return false, errMalformedReply(line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return false, errMalformedReply(line)
	}
	if a.code != 0 && code != a.code {
		return false, errMalformedReply(line)
	}
	a.code = code

	if len(line) == 3 {
		a.lines = append(a.lines, "")
		return true, nil
	}

	sep := line[3]
	text := line[4:]
	switch sep {
	case '-':
		a.lines = append(a.lines, text)
		return false, nil
	case ' ':
		a.lines = append(a.lines, text)
		return true, nil
	default:
		return false, errMalformedReply(line)
	}
}

func (a *replyAccumulator) reply() Reply {
	return Reply{Code: a.code, Lines: a.lines}
}

func (a *replyAccumulator) reset() {
	a.code = 0
	a.lines = nil
}

type malformedReplyError string

func (e malformedReplyError) Error() string { return "smtpclient: malformed reply line: " + string(e) }

func errMalformedReply(line string) error { return malformedReplyError(line) }
