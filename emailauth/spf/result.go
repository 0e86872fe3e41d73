// Package spf implements the SPF mechanism evaluator of spec.md §4.8:
// an async, lookup-capped walk over a domain's "v=spf1" TXT record
// against the async resolver.DNSResolver collaborator, grounded on the
// result/qualifier vocabulary maddy's check/spf carries (which itself
// wraps blitiri.com.ar/go/spf — dropped here because it is
// synchronous; see DESIGN.md).
package spf

// Result is one of RFC 7208 §2.6's seven possible outcomes.
type Result int

const (
	ResultNone Result = iota
	ResultNeutral
	ResultPass
	ResultFail
	ResultSoftFail
	ResultTempError
	ResultPermError
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultNeutral:
		return "neutral"
	case ResultPass:
		return "pass"
	case ResultFail:
		return "fail"
	case ResultSoftFail:
		return "softfail"
	case ResultTempError:
		return "temperror"
	case ResultPermError:
		return "permerror"
	default:
		return "unknown"
	}
}

// qualifier is one term's match disposition, RFC 7208 §4.6.2.
type qualifier byte

const (
	qPass     qualifier = '+'
	qFail     qualifier = '-'
	qSoftFail qualifier = '~'
	qNeutral  qualifier = '?'
)

func (q qualifier) result() Result {
	switch q {
	case qFail:
		return ResultFail
	case qSoftFail:
		return ResultSoftFail
	case qNeutral:
		return ResultNeutral
	default:
		return ResultPass
	}
}
