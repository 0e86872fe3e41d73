package spf

import (
	"strconv"
	"strings"
)

// term is one mechanism or modifier parsed out of a "v=spf1" record,
// RFC 7208 §4.6.1's grammar (`qualifier mechanism` or `modifier`).
type term struct {
	isModifier bool
	qualifier  qualifier
	name       string // "all", "ip4", "a", "include", "redirect", ...
	arg        string // domain-spec or literal after ':' or '='
	cidr4      int    // -1 if absent
	cidr6      int    // -1 if absent
}

// parseRecord splits a "v=spf1 ..." TXT value into its ordered terms.
// Records not beginning with the case-insensitive "v=spf1" prefix are
// rejected with ok=false (the caller treats that TXT record as not an
// SPF record at all, per RFC 7208 §4.5).
func parseRecord(txt string) (terms []term, ok bool) {
	fields := strings.Fields(txt)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "v=spf1") {
		return nil, false
	}
	for _, f := range fields[1:] {
		t, err := parseTerm(f)
		if err != nil {
			continue // unknown/malformed terms are ignored per RFC 7208 §4.6.1
		}
		terms = append(terms, t)
	}
	return terms, true
}

func parseTerm(f string) (term, error) {
	if idx := strings.IndexByte(f, '='); idx > 0 && !strings.ContainsAny(f[:idx], ":/") {
		// Modifier: name=value (redirect=, exp=, or an unrecognized one).
		return term{isModifier: true, name: strings.ToLower(f[:idx]), arg: f[idx+1:]}, nil
	}

	q := qPass
	rest := f
	switch f[0] {
	case '+', '-', '~', '?':
		q = qualifier(f[0])
		rest = f[1:]
	}
	if rest == "" {
		return term{}, errMalformed
	}

	name := rest
	arg := ""
	if idx := strings.IndexAny(rest, ":/"); idx >= 0 {
		name = rest[:idx]
		arg = rest[idx:] // keep the leading ':' or '/' for cidr/domain-spec parsing below
	}
	name = strings.ToLower(name)

	t := term{qualifier: q, name: name, cidr4: -1, cidr6: -1}

	domainSpec := ""
	cidrPart := arg
	if strings.HasPrefix(arg, ":") {
		end := len(arg)
		if i := strings.IndexByte(arg, '/'); i >= 0 {
			end = i
		}
		domainSpec = arg[1:end]
		cidrPart = arg[end:]
	}
	t.arg = domainSpec

	if cidrPart != "" {
		c4, c6, err := parseCIDRSuffix(cidrPart)
		if err != nil {
			return term{}, err
		}
		t.cidr4, t.cidr6 = c4, c6
	}

	return t, nil
}

var errMalformed = &parseError{"malformed term"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// parseCIDRSuffix parses "/24", "//64", or "/24/64" dual-stack
// prefix-length suffixes (RFC 7208 §4.6.3). Missing lengths default to
// -1 (meaning "use the full address").
func parseCIDRSuffix(s string) (cidr4, cidr6 int, err error) {
	cidr4, cidr6 = -1, -1
	if s == "" {
		return
	}
	if !strings.HasPrefix(s, "/") {
		return 0, 0, errMalformed
	}
	s = s[1:]
	parts := strings.SplitN(s, "/", 2)
	if parts[0] != "" {
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, errMalformed
		}
		cidr4 = n
	}
	if len(parts) == 2 {
		v6 := parts[1]
		v6 = strings.TrimPrefix(v6, "/")
		n, err := strconv.Atoi(v6)
		if err != nil {
			return 0, 0, errMalformed
		}
		cidr6 = n
	}
	return cidr4, cidr6, nil
}
