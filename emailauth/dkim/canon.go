package dkim

import "bytes"

// HeaderField is one header line of a message, split at its first
// colon. Value holds everything after the colon up to (not including)
// the field's terminating CRLF, with any folded continuation lines
// ("\r\n" followed by WSP) still embedded — canonicalization unfolds
// them, not the parser.
type HeaderField struct {
	Name  string
	Value string
}

// ParseHeaders splits a raw RFC 5322 message into its ordered header
// fields and body, at the first blank line. Folded (continuation)
// lines are merged into the preceding field's Value.
func ParseHeaders(raw []byte) ([]HeaderField, []byte, error) {
	lines := bytes.Split(raw, []byte("\r\n"))

	var fields []HeaderField
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			i++
			break
		}
		if isWSP(line[0]) {
			if len(fields) == 0 {
				return nil, nil, errMalformedSig
			}
			last := &fields[len(fields)-1]
			last.Value += "\r\n" + string(line)
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, nil, errMalformedSig
		}
		fields = append(fields, HeaderField{
			Name:  string(line[:colon]),
			Value: string(line[colon+1:]),
		})
	}

	body := bytes.Join(lines[i:], []byte("\r\n"))
	return fields, body, nil
}

func isWSP(b byte) bool { return b == ' ' || b == '\t' }

// canonHeader canonicalizes one header field per the named algorithm
// ("simple" or "relaxed", RFC 6376 §3.4) and returns its bytes
// including the trailing CRLF.
func canonHeader(algo string, f HeaderField) []byte {
	if algo == "relaxed" {
		return canonHeaderRelaxed(f)
	}
	return canonHeaderSimple(f)
}

// canonHeaderNoCRLF is canonHeader without the trailing CRLF, used for
// the DKIM-Signature field itself, which is the last element of the
// signed stream (RFC 6376 §3.7).
func canonHeaderNoCRLF(algo string, f HeaderField) []byte {
	b := canonHeader(algo, f)
	return bytes.TrimSuffix(b, []byte("\r\n"))
}

func canonHeaderSimple(f HeaderField) []byte {
	return []byte(f.Name + ":" + f.Value + "\r\n")
}

func canonHeaderRelaxed(f HeaderField) []byte {
	name := asciiLower(f.Name)
	v := unfold(f.Value)
	v = compressWSP(v)
	v = trimWSP(v)
	return []byte(name + ":" + v + "\r\n")
}

// unfold removes the CRLFs a folded header value embeds, leaving the
// whitespace that followed each one in place for compressWSP to
// collapse.
func unfold(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
			i++
			continue
		}
		b = append(b, s[i])
	}
	return string(b)
}

func compressWSP(s string) string {
	var b []byte
	inWSP := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			if inWSP {
				continue
			}
			inWSP = true
			b = append(b, ' ')
			continue
		}
		inWSP = false
		b = append(b, c)
	}
	return string(b)
}

func trimWSP(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// canonBody canonicalizes a message body per the named algorithm
// (RFC 6376 §3.4.3/§3.4.4).
func canonBody(algo string, body []byte) []byte {
	if algo == "relaxed" {
		return canonBodyRelaxed(body)
	}
	return canonBodySimple(body)
}

func canonBodySimple(body []byte) []byte {
	b := body
	for len(b) >= 4 && bytes.HasSuffix(b, []byte("\r\n\r\n")) {
		b = b[:len(b)-2]
	}
	if len(b) == 0 {
		return []byte("\r\n")
	}
	if !bytes.HasSuffix(b, []byte("\r\n")) {
		b = append(append([]byte{}, b...), '\r', '\n')
	}
	return b
}

func canonBodyRelaxed(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	trailingCRLF := len(lines) > 0 && len(lines[len(lines)-1]) == 0
	if trailingCRLF {
		lines = lines[:len(lines)-1]
	}

	out := make([][]byte, len(lines))
	for i, line := range lines {
		l := []byte(compressWSP(string(line)))
		l = bytes.TrimRight(l, " \t")
		out[i] = l
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return []byte{}
	}

	var buf bytes.Buffer
	for _, l := range out {
		buf.Write(l)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
