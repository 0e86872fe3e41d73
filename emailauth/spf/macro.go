package spf

import (
	"net"
	"strconv"
	"strings"
)

// macroContext carries the values RFC 7208 §7.1's macro letters draw
// from. `domain` changes as evaluation descends into include/redirect
// targets; the rest stay fixed for the whole check.
type macroContext struct {
	sender      string // <s>, the MAIL FROM / HELO identity being checked
	senderLocal string // <l>
	senderOrg   string // <o>, domain part of sender
	domain      string // <d>, current-domain
	ip          net.IP // <i>
	helo        string // <h>
	isIPv6      bool
}

// expandMacros expands a domain-spec per RFC 7208 §7.2's
// "%{letter[digits][r][delimiters]}" grammar. "%%" is a literal '%',
// "%_" a space, "%-" a URL-escaped space ("%20").
func expandMacros(spec string, mc macroContext) string {
	var b strings.Builder
	i := 0
	for i < len(spec) {
		c := spec[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(spec) {
			b.WriteByte(c)
			break
		}
		switch spec[i+1] {
		case '%':
			b.WriteByte('%')
			i += 2
			continue
		case '_':
			b.WriteByte(' ')
			i += 2
			continue
		case '-':
			b.WriteString("%20")
			i += 2
			continue
		case '{':
			end := strings.IndexByte(spec[i:], '}')
			if end < 0 {
				b.WriteString(spec[i:])
				i = len(spec)
				break
			}
			token := spec[i+2 : i+end]
			b.WriteString(expandToken(token, mc))
			i += end + 1
			continue
		default:
			b.WriteByte(c)
			i++
			continue
		}
	}
	return b.String()
}

// expandToken expands one macro-letter token body (everything between
// the braces, e.g. "d2r" for %{d2r}).
func expandToken(token string, mc macroContext) string {
	if token == "" {
		return ""
	}
	letter := token[0]
	rest := token[1:]

	var value string
	switch letter {
	case 's', 'S':
		value = mc.sender
	case 'l', 'L':
		value = mc.senderLocal
	case 'o', 'O':
		value = mc.senderOrg
	case 'd', 'D':
		value = mc.domain
	case 'h', 'H':
		value = mc.helo
	case 'v', 'V':
		if mc.isIPv6 {
			value = "ip6"
		} else {
			value = "in-addr"
		}
	case 'i', 'I':
		value = dottedOrNibble(mc.ip, mc.isIPv6)
	case 'c', 'C':
		if mc.ip != nil {
			value = mc.ip.String()
		}
	case 'r', 'R':
		value = "unknown"
	case 'p', 'P':
		value = "unknown"
	case 't', 'T':
		value = "0"
	default:
		return ""
	}

	return applyTransform(value, rest, letter)
}

// dottedOrNibble renders <i>: dotted-quad for IPv4, the nibble-reversed
// form is NOT applied here (that's only for the implicit PTR name
// construction) — %{i} itself is dot-separated hex nibbles for IPv6
// per RFC 7208 §7.3.
func dottedOrNibble(ip net.IP, isIPv6 bool) string {
	if ip == nil {
		return ""
	}
	if !isIPv6 {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}
	nibbles := make([]string, 0, 32)
	for _, b := range v6 {
		nibbles = append(nibbles, strconv.FormatInt(int64(b>>4), 16), strconv.FormatInt(int64(b&0xf), 16))
	}
	return strings.Join(nibbles, ".")
}

// applyTransform applies the optional digit-count/reverse/delimiter
// transformer suffix (RFC 7208 §7.3): split value on the delimiter set
// (default "."), optionally keep only the rightmost N parts, optionally
// reverse part order, then rejoin with ".".
func applyTransform(value, rest string, letter byte) string {
	digits := ""
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		digits += string(rest[i])
		i++
	}
	reverse := false
	if i < len(rest) && (rest[i] == 'r' || rest[i] == 'R') {
		reverse = true
		i++
	}
	delims := rest[i:]
	if delims == "" {
		delims = "."
	}

	parts := splitAny(value, delims)
	if digits != "" {
		if n, err := strconv.Atoi(digits); err == nil && n < len(parts) && n > 0 {
			parts = parts[len(parts)-n:]
		}
	}
	if reverse {
		for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
			parts[l], parts[r] = parts[r], parts[l]
		}
	}
	return strings.Join(parts, ".")
}

func splitAny(s, cutset string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(cutset, r)
	})
}
