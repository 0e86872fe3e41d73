// Package resolver adapts the async DNS resolver interface
// EmailAuthPipeline consumes (spec.md §6 "DNS") onto a concrete
// implementation, so SPF/DKIM/DMARC checks can be driven by real
// lookups as well as by fakes in tests.
package resolver

// RRType identifies which of the five query shapes a Record holds.
type RRType int

const (
	RRTypeTXT RRType = iota
	RRTypeA
	RRTypeAAAA
	RRTypeMX
	RRTypePTR
)

// Record is one resource record from a DNS response, shaped loosely
// enough to cover all five query types without five separate reply
// structs.
type Record struct {
	Type RRType
	Name string

	// Txt holds one TXT record's concatenated character-strings.
	Txt string
	// IP holds an A/AAAA record's address, textual form.
	IP string
	// MX holds an MX record's exchange host name.
	MX string
	// Preference holds an MX record's preference value.
	Preference uint16
	// PTR holds a PTR record's target host name.
	PTR string
}

// Rcode mirrors the DNS response codes SPF/DKIM/DMARC evaluation
// branches on.
type Rcode int

const (
	RcodeSuccess Rcode = iota
	RcodeFormErr
	RcodeServFail
	RcodeNXDomain
	RcodeNotImp
	RcodeRefused
	RcodeOther
)

// Response is the parsed DNS message a QueryCallback receives (spec.md
// §6: "callbacks receive a parsed DNS message with rcode and a list of
// resource records").
type Response struct {
	Rcode   Rcode
	Records []Record
}

// Empty reports whether the response carries no usable records — the
// NXDOMAIN/empty-answer condition SPF's void-lookup counter tracks.
func (r Response) Empty() bool {
	return r.Rcode == RcodeNXDomain || len(r.Records) == 0
}

// QueryCallback receives one resolver response, or a non-nil err for a
// failure below the DNS-message level (timeout, malformed packet,
// transport failure to the recursive resolver itself).
type QueryCallback func(resp Response, err error)

// DNSResolver is the async collaborator EmailAuthPipeline checks are
// built against (spec.md §6). With MiekgResolver every method returns
// immediately and cb fires later, on the caller's own SelectorLoop
// thread per §4.8 Concurrency, never from another thread; FakeResolver
// instead fires cb synchronously, before the method returns.
type DNSResolver interface {
	QueryTXT(name string, cb QueryCallback)
	QueryA(name string, cb QueryCallback)
	QueryAAAA(name string, cb QueryCallback)
	QueryMX(name string, cb QueryCallback)
	QueryPTR(name string, cb QueryCallback)
}
