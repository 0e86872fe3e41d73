package smtpclient

import "strings"

// Capabilities holds the EHLO capability lines relevant to this core
// (spec.md §4.5 "EHLO capability parse" plus the SPEC_FULL additions
// 8BITMIME/ENHANCEDSTATUSCODES/DSN). Lines this client doesn't
// recognize are ignored rather than rejected, since EHLO capability
// sets grow over time and an unknown one is never fatal.
type Capabilities struct {
	StartTLS             bool
	Size                 int64 // 0 means absent
	Auth                 []string
	Pipelining            bool
	Chunking              bool
	SMTPUTF8              bool
	EightBitMIME          bool
	EnhancedStatusCodes   bool
	DSN                   bool
	Raw                   []string // every capability line, verbatim, for callers that need an extension this client doesn't model
}

// SupportsAuth reports whether mech (case-insensitive) is in the
// server's advertised AUTH mechanism list.
func (c Capabilities) SupportsAuth(mech string) bool {
	for _, m := range c.Auth {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// parseCapabilities parses the EHLO response's continuation lines
// (everything after the greeting line, already stripped of CRLF and
// the "NNN-"/"NNN " prefix by replyAccumulator).
func parseCapabilities(lines []string) Capabilities {
	var c Capabilities
	for i, line := range lines {
		if i == 0 {
			// First line is the greeting domain/text, not a capability.
			continue
		}
		c.Raw = append(c.Raw, line)

		upper := strings.ToUpper(line)
		fields := strings.Fields(upper)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "STARTTLS":
			c.StartTLS = true
		case "PIPELINING":
			c.Pipelining = true
		case "CHUNKING":
			c.Chunking = true
		case "SMTPUTF8":
			c.SMTPUTF8 = true
		case "8BITMIME":
			c.EightBitMIME = true
		case "ENHANCEDSTATUSCODES":
			c.EnhancedStatusCodes = true
		case "DSN":
			c.DSN = true
		case "SIZE":
			if len(fields) >= 2 {
				c.Size = parseSize(fields[1])
			}
		case "AUTH":
			c.Auth = append(c.Auth, fields[1:]...)
		}
	}
	return c
}

func parseSize(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
