package dmarc

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"
)

// EvalResult is DMARC's own verdict plus the trace information needed
// to explain it (which identifier aligned, what the underlying SPF/DKIM
// results were).
type EvalResult struct {
	Authres authres.DMARCResult

	SPFResult  authres.SPFResult
	SPFAligned bool

	// DKIMResult holds the result for the aligned signature, or — if
	// none aligned — the first DKIM result seen, for diagnostics.
	DKIMResult  authres.DKIMResult
	DKIMAligned bool
}

// EvaluateAlignment checks whether the SPF/DKIM identifiers already
// authenticated are in alignment with the RFC5322.From domain, per
// RFC 7489 §3.1.
func EvaluateAlignment(fromDomain string, record *Record, results []authres.Result) EvalResult {
	var (
		spfAligned   bool
		spfResult    authres.SPFResult
		dkimAligned  bool
		dkimResult   authres.DKIMResult
		dkimPresent  bool
		dkimTempFail bool
	)

	for _, res := range results {
		switch r := res.(type) {
		case *authres.DKIMResult:
			dkimPresent = true
			if dkimResult.Value == "" {
				dkimResult = *r
			}
			if isAligned(fromDomain, r.Domain, record.DKIMAlignment) {
				dkimResult = *r
				switch r.Value {
				case authres.ResultPass:
					dkimAligned = true
				case authres.ResultTempError:
					dkimTempFail = true
				}
			}
		case *authres.SPFResult:
			spfResult = *r
			identity := r.From
			if identity == "" {
				identity = r.Helo
			}
			if isAligned(fromDomain, identity, record.SPFAlignment) && r.Value == authres.ResultPass {
				spfAligned = true
			}
		}
	}

	out := EvalResult{
		SPFResult:   spfResult,
		SPFAligned:  spfAligned,
		DKIMResult:  dkimResult,
		DKIMAligned: dkimAligned,
	}

	if !dkimPresent || spfResult.Value == "" {
		out.Authres = authres.DMARCResult{
			Value:  authres.ResultNone,
			Reason: "not enough information (required checks were not run)",
			From:   fromDomain,
		}
		return out
	}

	if dkimTempFail && !dkimAligned && !spfAligned {
		out.Authres = authres.DMARCResult{Value: authres.ResultTempError, Reason: "DKIM authentication temp error", From: fromDomain}
		return out
	}
	if !dkimAligned && spfResult.Value == authres.ResultTempError {
		out.Authres = authres.DMARCResult{Value: authres.ResultTempError, Reason: "SPF authentication temp error", From: fromDomain}
		return out
	}

	out.Authres.From = fromDomain
	if dkimAligned || spfAligned {
		out.Authres.Value = authres.ResultPass
	} else {
		out.Authres.Value = authres.ResultFail
		out.Authres.Reason = "no aligned identifiers"
	}
	return out
}

func isAligned(fromDomain, authDomain string, mode AlignmentMode) bool {
	if mode == dmarc.AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}
	orgFrom, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if err != nil {
		return false
	}
	orgAuth, err := publicsuffix.EffectiveTLDPlusOne(authDomain)
	if err != nil {
		return false
	}
	return strings.EqualFold(orgFrom, orgAuth)
}
