// Package dmarc evaluates DMARC (RFC 7489) alignment against the
// SPF/DKIM results EmailAuthPipeline already produced, fetching the
// policy record through the same async DNSResolver the other two
// checks use rather than a synchronous lookup.
package dmarc

import (
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/nbproto/corelib/emailauth/resolver"
	"github.com/nbproto/corelib/exterr"
)

// Record/Policy/AlignmentMode/FailureOptions are kept as aliases of
// go-msgauth/dmarc's own types: the TXT record grammar itself (p=, sp=,
// adkim=, aspf=, pct=, ...) has no async/lookup-counter concern that
// would force reimplementing the parser, only the fetch needs to move
// onto the async resolver.
type (
	Record         = dmarc.Record
	Policy         = dmarc.Policy
	AlignmentMode  = dmarc.AlignmentMode
	FailureOptions = dmarc.FailureOptions
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyReject     = dmarc.PolicyReject
	PolicyQuarantine = dmarc.PolicyQuarantine
)

// FetchRecord resolves the DMARC policy record relevant to
// fromDomain per RFC 7489 §6.6.3: look up "_dmarc.<fromDomain>" first,
// and only if that answer holds no records at all, fall back to the
// organizational domain. An answer whose records do not yield a single
// DMARC record gives a nil record without a fallback. cb receives the domain the record was actually found under
// (which may differ from fromDomain), the parsed record (nil if none
// applies — not itself an error), and a non-nil err only for a DNS
// failure that prevented determining whether a record exists at all.
func FetchRecord(r resolver.DNSResolver, fromDomain string, cb func(policyDomain string, rec *Record, err error)) {
	r.QueryTXT("_dmarc."+fromDomain, func(resp resolver.Response, err error) {
		if err != nil {
			cb("", nil, err)
			return
		}
		if resp.Rcode == resolver.RcodeServFail {
			cb("", nil, &exterr.Error{Kind: exterr.DNSTempFail, CheckName: "dmarc", Message: "DMARC policy lookup temp-failed"})
			return
		}
		if !resp.Empty() {
			rec, ok := parseSingleRecord(resp)
			if !ok {
				cb(fromDomain, nil, nil)
				return
			}
			cb(fromDomain, rec, nil)
			return
		}

		orgDomain, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
		if err != nil {
			cb(fromDomain, nil, nil)
			return
		}
		if strings.EqualFold(orgDomain, fromDomain) {
			cb(fromDomain, nil, nil)
			return
		}

		r.QueryTXT("_dmarc."+orgDomain, func(resp resolver.Response, err error) {
			if err != nil {
				cb("", nil, err)
				return
			}
			if resp.Rcode == resolver.RcodeServFail {
				cb("", nil, &exterr.Error{Kind: exterr.DNSTempFail, CheckName: "dmarc", Message: "DMARC policy lookup temp-failed"})
				return
			}
			if resp.Empty() {
				cb(orgDomain, nil, nil)
				return
			}
			rec, ok := parseSingleRecord(resp)
			if !ok {
				cb(orgDomain, nil, nil)
				return
			}
			cb(orgDomain, rec, nil)
		})
	})
}

// parseSingleRecord filters a TXT response down to records beginning
// with "v=DMARC1" and parses the one that remains. Per RFC 7489
// §6.6.3, zero or more than one such record means "treat as if no
// record was published".
func parseSingleRecord(resp resolver.Response) (*Record, bool) {
	var candidates []string
	for _, rec := range resp.Records {
		if strings.HasPrefix(rec.Txt, "v=DMARC1") {
			candidates = append(candidates, rec.Txt)
		}
	}
	if len(candidates) != 1 {
		return nil, false
	}
	rec, err := dmarc.Parse(candidates[0])
	if err != nil {
		return nil, false
	}
	return rec, true
}

// ExtractFromDomain parses an RFC 5322 From header field value down to
// its single address's domain part, applying the same single-address
// restriction RFC 7489 §6.6.1 implies (DMARC has no defined behavior
// for multi-address From fields).
func ExtractFromDomain(fromHeaderValue string) (string, error) {
	addr, err := parseSingleAddress(fromHeaderValue)
	if err != nil {
		return "", err
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return "", errMalformedFrom
	}
	return strings.ToLower(addr[at+1:]), nil
}
