package dkim

import (
	"strings"
)

// parseTagList parses a DKIM tag=value list (RFC 6376 §3.2): semicolon
// separated "tag = value" pairs. Surrounding whitespace around each tag
// and its value is trimmed; whitespace embedded inside a value (folded
// base64 in b=/bh=/p=) is left for the caller to strip explicitly via
// stripWSP, since not every tag treats embedded whitespace the same
// way.
func parseTagList(s string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, errMalformedSig
		}
		key := strings.TrimSpace(part[:eq])
		if key == "" {
			return nil, errMalformedSig
		}
		tags[key] = strings.TrimSpace(part[eq+1:])
	}
	return tags, nil
}

// stripWSP deletes every space, tab, CR and LF from s, for tags whose
// value is a base64 blob that may be folded across continuation lines.
func stripWSP(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitCanon parses a c= tag ("header/body", "header", or absent) into
// its two algorithm names, defaulting both sides to "simple" per
// RFC 6376 §3.3.
func splitCanon(c string) (header, body string) {
	header, body = "simple", "simple"
	if c == "" {
		return
	}
	parts := strings.SplitN(c, "/", 2)
	if parts[0] != "" {
		header = parts[0]
	}
	if len(parts) == 2 && parts[1] != "" {
		body = parts[1]
	} else if len(parts) == 1 {
		body = "simple"
	}
	return
}

// splitAlgorithm parses a= ("rsa-sha256", "ed25519-sha256", ...) into
// its key algorithm and hash algorithm.
func splitAlgorithm(a string) (keyAlgo, hashAlgo string, ok bool) {
	parts := strings.SplitN(a, "-", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// emptyBTag returns value with its b= tag's payload removed (kept as
// "b=") but every other tag untouched, for re-canonicalizing the
// DKIM-Signature field itself per RFC 6376 §3.5 ("treat the tag value
// of the 'b=' tag as if it were an empty string").
func emptyBTag(value string) string {
	parts := strings.Split(value, ";")
	for i, p := range parts {
		trimmed := strings.TrimLeft(p, " \t\r\n")
		if strings.HasPrefix(trimmed, "b") {
			rest := strings.TrimLeft(trimmed[1:], " \t\r\n")
			if strings.HasPrefix(rest, "=") {
				eq := strings.IndexByte(p, '=')
				parts[i] = p[:eq+1]
			}
		}
	}
	return strings.Join(parts, ";")
}
