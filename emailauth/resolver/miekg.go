package resolver

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/nbproto/corelib/loop"
)

// MiekgResolver implements DNSResolver on top of github.com/miekg/dns,
// the library the pack's own DNS-transport module
// (bassosimone-nop) is built around.
//
// Each query runs dns.Client.ExchangeContext on a background goroutine
// (ExchangeContext blocks on network I/O, which the owning
// SelectorLoop must never do) and posts the result back onto the
// caller-supplied Loop via Loop.Execute, so the callback always runs
// on that loop's thread — satisfying spec.md §4.8's "no locking
// needed" invariant for this concrete adapter, not just the abstract
// interface.
type MiekgResolver struct {
	Server  string // "ip:port", e.g. "1.1.1.1:53"
	Loop    *loop.Loop
	Client  *dns.Client
	Timeout time.Duration
}

// NewMiekgResolver constructs a resolver sending queries to server over
// UDP (falling back to TCP per miekg/dns's own truncation handling),
// posting callbacks onto l.
func NewMiekgResolver(server string, l *loop.Loop) *MiekgResolver {
	return &MiekgResolver{
		Server:  server,
		Loop:    l,
		Client:  &dns.Client{Timeout: 5 * time.Second},
		Timeout: 5 * time.Second,
	}
}

func (r *MiekgResolver) QueryTXT(name string, cb QueryCallback) {
	r.query(name, dns.TypeTXT, cb)
}

func (r *MiekgResolver) QueryA(name string, cb QueryCallback) {
	r.query(name, dns.TypeA, cb)
}

func (r *MiekgResolver) QueryAAAA(name string, cb QueryCallback) {
	r.query(name, dns.TypeAAAA, cb)
}

func (r *MiekgResolver) QueryMX(name string, cb QueryCallback) {
	r.query(name, dns.TypeMX, cb)
}

// QueryPTR takes an IP address (not a name) and resolves its
// in-addr.arpa/ip6.arpa PTR record, matching spec.md §4.8's ptr
// mechanism which starts from the connecting client's IP.
func (r *MiekgResolver) QueryPTR(addr string, cb QueryCallback) {
	name, err := dns.ReverseAddr(addr)
	if err != nil {
		cb(Response{}, err)
		return
	}
	r.query(name, dns.TypePTR, cb)
}

func (r *MiekgResolver) query(name string, qtype uint16, cb QueryCallback) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()

		reply, _, err := r.Client.ExchangeContext(ctx, msg, r.Server)
		r.Loop.Execute(func() {
			if err != nil {
				cb(Response{}, err)
				return
			}
			cb(parseReply(reply), nil)
		})
	}()
}

func parseReply(msg *dns.Msg) Response {
	resp := Response{Rcode: parseRcode(msg.Rcode)}
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.TXT:
			resp.Records = append(resp.Records, Record{
				Type: RRTypeTXT,
				Name: v.Hdr.Name,
				Txt:  joinTXT(v.Txt),
			})
		case *dns.A:
			resp.Records = append(resp.Records, Record{
				Type: RRTypeA,
				Name: v.Hdr.Name,
				IP:   v.A.String(),
			})
		case *dns.AAAA:
			resp.Records = append(resp.Records, Record{
				Type: RRTypeAAAA,
				Name: v.Hdr.Name,
				IP:   v.AAAA.String(),
			})
		case *dns.MX:
			resp.Records = append(resp.Records, Record{
				Type:       RRTypeMX,
				Name:       v.Hdr.Name,
				MX:         trimTrailingDot(v.Mx),
				Preference: v.Preference,
			})
		case *dns.PTR:
			resp.Records = append(resp.Records, Record{
				Type: RRTypePTR,
				Name: v.Hdr.Name,
				PTR:  trimTrailingDot(v.Ptr),
			})
		}
	}
	return resp
}

func parseRcode(code int) Rcode {
	switch code {
	case dns.RcodeSuccess:
		return RcodeSuccess
	case dns.RcodeFormatError:
		return RcodeFormErr
	case dns.RcodeServerFailure:
		return RcodeServFail
	case dns.RcodeNameError:
		return RcodeNXDomain
	case dns.RcodeNotImplemented:
		return RcodeNotImp
	case dns.RcodeRefused:
		return RcodeRefused
	default:
		return RcodeOther
	}
}

// joinTXT concatenates a TXT record's character-strings, per RFC 7208
// §3.3's treatment of multi-string TXT records as one logical value.
func joinTXT(strs []string) string {
	total := 0
	for _, s := range strs {
		total += len(s)
	}
	b := make([]byte, 0, total)
	for _, s := range strs {
		b = append(b, s...)
	}
	return string(b)
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
