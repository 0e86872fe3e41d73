package dmarc

import (
	"math/rand"
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"github.com/nbproto/corelib/emailauth/resolver"
	"github.com/nbproto/corelib/exterr"
)

// Verifier carries the state needed to apply one message's DMARC
// check: the policy record fetch and the alignment evaluation against
// it. Unlike maddy's internal/dmarc.Verifier, there is no
// goroutine/channel pair bridging a synchronous lookup into an async
// Apply call — FetchRecord is itself async against resolver.DNSResolver,
// so Apply just reads the fields FetchRecord's callback already filled
// in. Not safe to reuse across messages.
type Verifier struct {
	Resolver resolver.DNSResolver

	fromDomain   string
	policyDomain string
	record       *Record
	fetchErr     error
}

func NewVerifier(r resolver.DNSResolver) *Verifier {
	return &Verifier{Resolver: r}
}

// FetchRecord starts the policy lookup for the message's RFC5322.From
// domain; cb fires once the lookup (and its possible org-domain
// fallback) completes.
func (v *Verifier) FetchRecord(fromDomain string, cb func()) {
	v.fromDomain = fromDomain
	FetchRecord(v.Resolver, fromDomain, func(policyDomain string, rec *Record, err error) {
		v.policyDomain, v.record, v.fetchErr = policyDomain, rec, err
		cb()
	})
}

// Apply evaluates alignment against the already-fetched record and
// decides which policy action applies. authRes should contain the
// SPF and DKIM results already produced for this message. FetchRecord
// must have completed (its cb already called) before Apply runs.
//
// On a temporary policy-fetch failure, Apply "fails closed": it
// returns PolicyReject so the caller can choose to defer the message
// rather than silently skip enforcement.
func (v *Verifier) Apply(authRes []authres.Result) (EvalResult, Policy) {
	if v.fetchErr != nil {
		result := authres.DMARCResult{
			Value:  authres.ResultPermError,
			Reason: "policy lookup failed: " + v.fetchErr.Error(),
			From:   v.fromDomain,
		}
		if exterr.IsTemporary(v.fetchErr) {
			result.Value = authres.ResultTempError
			return EvalResult{Authres: result}, PolicyReject
		}
		return EvalResult{Authres: result}, PolicyNone
	}
	if v.record == nil {
		return EvalResult{Authres: authres.DMARCResult{Value: authres.ResultNone, From: v.fromDomain}}, PolicyNone
	}

	result := EvaluateAlignment(v.fromDomain, v.record, authRes)
	if result.Authres.Value == authres.ResultPass || result.Authres.Value == authres.ResultNone {
		return result, PolicyNone
	}

	if v.record.Percent != nil && rand.Intn(100) >= *v.record.Percent {
		return result, PolicyNone
	}

	policy := v.record.Policy
	if !strings.EqualFold(v.policyDomain, v.fromDomain) && v.record.SubdomainPolicy != "" {
		policy = v.record.SubdomainPolicy
	}
	return result, policy
}
