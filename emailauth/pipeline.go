// Package emailauth coordinates the SPF, DKIM, and DMARC checks
// (spec.md §4.8) against a single inbound message, fanning the
// independent SPF/DKIM lookups out concurrently and joining on both
// before evaluating DMARC alignment, all driven by async DNS callbacks
// re-entering on the connection's owning loop thread (§4.8 Concurrency
// — no locking needed, the join below is two plain bool flags, not a
// mutex).
package emailauth

import (
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"github.com/nbproto/corelib/emailauth/dkim"
	"github.com/nbproto/corelib/emailauth/dmarc"
	"github.com/nbproto/corelib/emailauth/resolver"
	"github.com/nbproto/corelib/emailauth/spf"
)

var errMultipleFrom = errors.New("emailauth: message has zero or multiple From header fields")

// CheckParams is the information an inbound SMTP reception gathers
// before the pipeline can run: envelope identities for SPF, the raw
// header fields for DKIM/DMARC, and the message body for DKIM's body
// hash.
type CheckParams struct {
	ClientIP   string
	MailFrom   string
	HeloDomain string
	Headers    []dkim.HeaderField
	Body       []byte
}

// Verdict is the pipeline's complete result for one message: each
// check's own native result plus the rendered Authentication-Results
// header value spec.md's callers attach to the message.
type Verdict struct {
	SPF  spf.Result
	DKIM []dkim.Verdict

	DMARC       dmarc.EvalResult
	DMARCPolicy dmarc.Policy

	// AuthResults is the value of an Authentication-Results header
	// (RFC 8601) summarizing all three checks.
	AuthResults string
}

// Pipeline runs all three checks against one DNSResolver.
type Pipeline struct {
	Resolver resolver.DNSResolver
	// Identity is the authserv-id RFC 8601 requires at the start of an
	// Authentication-Results field (typically the receiving MTA's
	// hostname).
	Identity string
}

// Run evaluates SPF and DKIM concurrently, then DMARC once both have
// completed, and delivers the combined Verdict to cb. cb fires exactly
// once, always from within a resolver callback (or, for a FakeResolver
// in tests, synchronously).
func (p *Pipeline) Run(params CheckParams, cb func(*Verdict, error)) {
	var (
		spfResult         spf.Result
		spfExplanation    string
		dkimVerdicts      []dkim.Verdict
		spfDone, dkimDone bool
	)

	join := func() {
		if !spfDone || !dkimDone {
			return
		}
		p.evaluateDMARC(params, spfResult, spfExplanation, dkimVerdicts, cb)
	}

	checker := &spf.Checker{Resolver: p.Resolver}
	checker.Check(spf.CheckParams{
		ClientIP:   net.ParseIP(params.ClientIP),
		MailFrom:   params.MailFrom,
		HeloDomain: params.HeloDomain,
	}, func(res spf.Result, expl string, err error) {
		spfResult, spfExplanation = res, expl
		_ = err // SPF errors are folded into ResultTempError/PermError by the checker itself
		spfDone = true
		join()
	})

	verifier := &dkim.Verifier{Resolver: p.Resolver}
	verifier.Verify(params.Headers, params.Body, func(vds []dkim.Verdict) {
		dkimVerdicts = vds
		dkimDone = true
		join()
	})
}

func (p *Pipeline) evaluateDMARC(params CheckParams, spfResult spf.Result, spfExplanation string, dkimVerdicts []dkim.Verdict, cb func(*Verdict, error)) {
	spfAuthres := &authres.SPFResult{
		Value:  authres.ResultValue(spfResult.String()),
		Reason: spfExplanation,
		From:   params.MailFrom,
		Helo:   params.HeloDomain,
	}

	results := make([]authres.Result, 0, 1+len(dkimVerdicts))
	results = append(results, spfAuthres)
	for _, v := range dkimVerdicts {
		results = append(results, &authres.DKIMResult{
			Value:      authres.ResultValue(v.Result.String()),
			Domain:     v.Domain,
			Identifier: v.Identity,
		})
	}

	fromValue, err := findFromHeader(params.Headers)
	if err != nil {
		cb(&Verdict{
			SPF:         spfResult,
			DKIM:        dkimVerdicts,
			DMARC:       dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultPermError, Reason: err.Error()}},
			DMARCPolicy: dmarc.PolicyNone,
			AuthResults: authres.Format(p.Identity, results),
		}, nil)
		return
	}
	fromDomain, err := dmarc.ExtractFromDomain(fromValue)
	if err != nil {
		cb(&Verdict{
			SPF:         spfResult,
			DKIM:        dkimVerdicts,
			DMARC:       dmarc.EvalResult{Authres: authres.DMARCResult{Value: authres.ResultPermError, Reason: err.Error()}},
			DMARCPolicy: dmarc.PolicyNone,
			AuthResults: authres.Format(p.Identity, results),
		}, nil)
		return
	}

	verifier := dmarc.NewVerifier(p.Resolver)
	verifier.FetchRecord(fromDomain, func() {
		evalResult, policy := verifier.Apply(results)
		allResults := append(append([]authres.Result{}, results...), &evalResult.Authres)
		cb(&Verdict{
			SPF:         spfResult,
			DKIM:        dkimVerdicts,
			DMARC:       evalResult,
			DMARCPolicy: policy,
			AuthResults: authres.Format(p.Identity, allResults),
		}, nil)
	})
}

// findFromHeader returns the single "From" header field's raw value,
// erroring on zero or more than one occurrence (RFC 7489 gives no
// alignment semantics for either case).
func findFromHeader(fields []dkim.HeaderField) (string, error) {
	var value string
	count := 0
	for _, f := range fields {
		if strings.EqualFold(f.Name, "From") {
			count++
			value = f.Value
		}
	}
	if count != 1 {
		return "", errMultipleFrom
	}
	return value, nil
}
