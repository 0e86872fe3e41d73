package spf

import (
	"errors"
	"net"
	"strings"

	"github.com/nbproto/corelib/emailauth/resolver"
)

// errVoidCapExceeded signals that the void-lookup cap (Testable
// Property 8) was hit inside a queryAddrs call; callers translate it
// to PermError rather than TempError.
var errVoidCapExceeded = errors.New("spf: void lookup cap exceeded")

// CheckParams are the per-message inputs to one SPF check (spec.md
// §4.8 "SPF").
type CheckParams struct {
	ClientIP   net.IP
	MailFrom   string // envelope sender, "local@domain"; may be empty (use HELO)
	HeloDomain string
}

// CheckCallback receives the final result once evaluation completes.
// Explanation carries a short human-readable reason (which domain's
// record, which mechanism matched); it is informational only.
type CheckCallback func(res Result, explanation string, err error)

// Checker evaluates SPF policy against an async resolver.
type Checker struct {
	Resolver resolver.DNSResolver
}

const (
	maxDNSLookups  = 10
	maxVoidLookups = 2
)

// check is the mutable state threaded through one Check call's
// recursive, callback-driven mechanism walk.
type check struct {
	resolver resolver.DNSResolver
	ip       net.IP
	isIPv6   bool
	sender   string
	helo     string

	dnsLookups  int
	voidLookups int
}

// Check evaluates the SPF policy for params, invoking cb exactly once
// with the final result.
func (c *Checker) Check(params CheckParams, cb CheckCallback) {
	sender := params.MailFrom
	if sender == "" {
		sender = "postmaster@" + params.HeloDomain
	}
	domain := domainOf(sender)
	if domain == "" {
		domain = params.HeloDomain
	}

	isIPv6 := params.ClientIP != nil && params.ClientIP.To4() == nil

	ck := &check{
		resolver: c.Resolver,
		ip:       params.ClientIP,
		isIPv6:   isIPv6,
		sender:   sender,
		helo:     params.HeloDomain,
	}

	ck.evaluate(domain, cb)
}

func domainOf(addr string) string {
	idx := strings.LastIndexByte(addr, '@')
	if idx < 0 {
		return ""
	}
	return addr[idx+1:]
}

func (c *check) macroContext(domain string) macroContext {
	local := ""
	org := domainOf(c.sender)
	if idx := strings.LastIndexByte(c.sender, '@'); idx >= 0 {
		local = c.sender[:idx]
	}
	return macroContext{
		sender:      c.sender,
		senderLocal: local,
		senderOrg:   org,
		domain:      domain,
		ip:          c.ip,
		helo:        c.helo,
		isIPv6:      c.isIPv6,
	}
}

// evaluate fetches domain's SPF record and walks its terms, invoking
// cb with the final Result for this (sub-)evaluation.
func (c *check) evaluate(domain string, cb CheckCallback) {
	c.resolver.QueryTXT(domain, func(resp resolver.Response, err error) {
		if err != nil {
			cb(ResultTempError, "DNS error fetching SPF record for "+domain, err)
			return
		}
		if resp.Rcode == resolver.RcodeServFail {
			cb(ResultTempError, "SERVFAIL fetching SPF record for "+domain, nil)
			return
		}
		if resp.Empty() {
			cb(ResultNone, "no SPF record for "+domain, nil)
			return
		}

		var record string
		matches := 0
		for _, rec := range resp.Records {
			if rec.Type != resolver.RRTypeTXT {
				continue
			}
			if strings.HasPrefix(strings.ToLower(rec.Txt), "v=spf1") {
				record = rec.Txt
				matches++
			}
		}
		if matches == 0 {
			cb(ResultNone, "no v=spf1 record for "+domain, nil)
			return
		}
		if matches > 1 {
			cb(ResultPermError, "multiple SPF records for "+domain, nil)
			return
		}

		terms, ok := parseRecord(record)
		if !ok {
			cb(ResultPermError, "unparseable SPF record for "+domain, nil)
			return
		}

		c.evalTerms(domain, terms, 0, cb)
	})
}

// evalTerms walks terms[idx:] for the given (sub-)domain, recursing
// through async DNS-consuming mechanisms one at a time.
func (c *check) evalTerms(domain string, terms []term, idx int, cb CheckCallback) {
	if idx >= len(terms) {
		for _, t := range terms {
			if t.isModifier && t.name == "redirect" {
				target := expandMacros(t.arg, c.macroContext(domain))
				if !c.consumeLookup(cb) {
					return
				}
				c.evaluate(target, func(res Result, expl string, err error) {
					if res == ResultNone {
						res = ResultPermError
					}
					cb(res, expl, err)
				})
				return
			}
		}
		cb(ResultNeutral, "fell off the end of "+domain+"'s record", nil)
		return
	}

	t := terms[idx]
	next := func() { c.evalTerms(domain, terms, idx+1, cb) }

	if t.isModifier {
		next() // redirect is handled at end-of-terms; exp/unknown are no-ops here
		return
	}

	mc := c.macroContext(domain)

	switch t.name {
	case "all":
		cb(t.qualifier.result(), "matched 'all' in "+domain, nil)

	case "ip4", "ip6":
		ip := net.ParseIP(t.arg)
		if ip == nil || !cidrContains(ip, t.cidr4, t.cidr6, c.ip) {
			next()
			return
		}
		cb(t.qualifier.result(), "matched '"+t.name+"' in "+domain, nil)

	case "a":
		target := t.arg
		if target == "" {
			target = domain
		}
		target = expandMacros(target, mc)
		if !c.consumeLookup(cb) {
			return
		}
		c.queryAddrs(target, func(ips []net.IP, err error) {
			if errors.Is(err, errVoidCapExceeded) {
				cb(ResultPermError, "exceeded maximum void lookups", nil)
				return
			}
			if err != nil {
				cb(ResultTempError, "DNS error resolving 'a:"+target+"'", err)
				return
			}
			if matchAny(ips, t.cidr4, t.cidr6, c.ip) {
				cb(t.qualifier.result(), "matched 'a' against "+target, nil)
				return
			}
			next()
		})

	case "mx":
		target := t.arg
		if target == "" {
			target = domain
		}
		target = expandMacros(target, mc)
		if !c.consumeLookup(cb) {
			return
		}
		c.resolver.QueryMX(target, func(resp resolver.Response, err error) {
			if err != nil {
				cb(ResultTempError, "DNS error resolving 'mx:"+target+"'", err)
				return
			}
			if c.countVoid(resp) {
				cb(ResultPermError, "exceeded maximum void lookups", nil)
				return
			}
			var hosts []string
			for _, r := range resp.Records {
				if r.Type == resolver.RRTypeMX {
					hosts = append(hosts, r.MX)
				}
			}
			c.matchAnyHost(hosts, 0, t, func(matched bool) {
				if matched {
					cb(t.qualifier.result(), "matched 'mx' against "+target, nil)
					return
				}
				next()
			})
		})

	case "ptr":
		target := t.arg
		if target == "" {
			target = domain
		}
		target = expandMacros(target, mc)
		if !c.consumeLookup(cb) {
			return
		}
		c.resolver.QueryPTR(c.ip.String(), func(resp resolver.Response, err error) {
			if err != nil {
				cb(ResultTempError, "DNS error resolving PTR for "+c.ip.String(), err)
				return
			}
			if c.countVoid(resp) {
				cb(ResultPermError, "exceeded maximum void lookups", nil)
				return
			}
			var names []string
			for _, r := range resp.Records {
				if r.Type == resolver.RRTypePTR {
					names = append(names, r.PTR)
				}
			}
			c.forwardConfirm(names, 0, target, func(matched bool) {
				if matched {
					cb(t.qualifier.result(), "matched 'ptr' against "+target, nil)
					return
				}
				next()
			})
		})

	case "exists":
		target := expandMacros(t.arg, mc)
		if !c.consumeLookup(cb) {
			return
		}
		c.resolver.QueryA(target, func(resp resolver.Response, err error) {
			if err != nil {
				cb(ResultTempError, "DNS error resolving 'exists:"+target+"'", err)
				return
			}
			if c.countVoid(resp) {
				cb(ResultPermError, "exceeded maximum void lookups", nil)
				return
			}
			if !resp.Empty() {
				cb(t.qualifier.result(), "matched 'exists:'"+target, nil)
				return
			}
			next()
		})

	case "include":
		target := expandMacros(t.arg, mc)
		if !c.consumeLookup(cb) {
			return
		}
		c.evaluate(target, func(res Result, expl string, err error) {
			switch res {
			case ResultPass:
				cb(t.qualifier.result(), "included "+target+" passed", nil)
			case ResultTempError:
				cb(ResultTempError, "include:"+target+" temperror", err)
			case ResultPermError, ResultNone:
				cb(ResultPermError, "include:"+target+" invalid", nil)
			default:
				// Fail/SoftFail/Neutral: no match, continue outer evaluation.
				next()
			}
		})

	default:
		next() // unrecognized mechanism name: ignore per lenient parsing already done
	}
}

// consumeLookup enforces spec.md §4.8's "≤10 DNS-consuming lookups"
// cap (Testable Property 8), firing PermError and returning false
// before issuing the lookup that would exceed it.
func (c *check) consumeLookup(cb CheckCallback) bool {
	if c.dnsLookups >= maxDNSLookups {
		cb(ResultPermError, "exceeded maximum DNS lookups", nil)
		return false
	}
	c.dnsLookups++
	return true
}

// countVoid tracks the "≤2 void lookups" cap (empty/NXDOMAIN answers,
// Testable Property 8) and reports whether the cap is now exceeded;
// callers must stop evaluation with PermError when it returns true,
// rather than proceeding to the next mechanism or issuing another
// lookup.
func (c *check) countVoid(resp resolver.Response) bool {
	if !resp.Empty() {
		return false
	}
	c.voidLookups++
	return c.voidLookups > maxVoidLookups
}

func (c *check) queryAddrs(target string, cb func([]net.IP, error)) {
	q := c.resolver.QueryAAAA
	if !c.isIPv6 {
		q = c.resolver.QueryA
	}
	q(target, func(resp resolver.Response, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if c.countVoid(resp) {
			cb(nil, errVoidCapExceeded)
			return
		}
		var ips []net.IP
		for _, r := range resp.Records {
			if ip := net.ParseIP(r.IP); ip != nil {
				ips = append(ips, ip)
			}
		}
		cb(ips, nil)
	})
}

// matchAnyHost walks hosts[idx:], resolving each one's A/AAAA records
// (not counted against the lookup cap, per RFC 7208 §4.6.4) until one
// contains the client IP or the list is exhausted.
func (c *check) matchAnyHost(hosts []string, idx int, t term, done func(matched bool)) {
	if idx >= len(hosts) {
		done(false)
		return
	}
	c.queryAddrs(hosts[idx], func(ips []net.IP, err error) {
		if err == nil && matchAny(ips, t.cidr4, t.cidr6, c.ip) {
			done(true)
			return
		}
		c.matchAnyHost(hosts, idx+1, t, done)
	})
}

// forwardConfirm implements the "ptr" mechanism's forward-confirmed
// reverse DNS check: a PTR name matches only if it also resolves
// (forward) back to the client IP, and it is target or a subdomain of
// it.
func (c *check) forwardConfirm(names []string, idx int, target string, done func(matched bool)) {
	if idx >= len(names) {
		done(false)
		return
	}
	name := names[idx]
	if !isSubdomainOrEqual(name, target) {
		c.forwardConfirm(names, idx+1, target, done)
		return
	}
	c.queryAddrs(name, func(ips []net.IP, err error) {
		if err == nil {
			for _, ip := range ips {
				if ip.Equal(c.ip) {
					done(true)
					return
				}
			}
		}
		c.forwardConfirm(names, idx+1, target, done)
	})
}

func isSubdomainOrEqual(name, domain string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	return name == domain || strings.HasSuffix(name, "."+domain)
}

func matchAny(ips []net.IP, cidr4, cidr6 int, client net.IP) bool {
	for _, ip := range ips {
		if cidrContains(ip, cidr4, cidr6, client) {
			return true
		}
	}
	return false
}

// cidrContains reports whether client falls within base's network,
// truncated to cidr4 bits (IPv4) or cidr6 bits (IPv6); a -1 length
// means "exact address, no truncation".
func cidrContains(base net.IP, cidr4, cidr6 int, client net.IP) bool {
	if client == nil || base == nil {
		return false
	}
	if v4 := base.To4(); v4 != nil {
		cv4 := client.To4()
		if cv4 == nil {
			return false
		}
		bits := 32
		if cidr4 >= 0 {
			bits = cidr4
		}
		return sameNetwork(v4, cv4, bits)
	}
	v6 := base.To16()
	cv6 := client.To16()
	if v6 == nil || cv6 == nil {
		return false
	}
	bits := 128
	if cidr6 >= 0 {
		bits = cidr6
	}
	return sameNetwork(v6, cv6, bits)
}

func sameNetwork(a, b net.IP, bits int) bool {
	mask := net.CIDRMask(bits, len(a)*8)
	for i := range a {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}
