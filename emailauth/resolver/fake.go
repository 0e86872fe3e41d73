package resolver

// FakeResolver is an in-memory DNSResolver double, keyed by query type
// and exact queried name, used by emailauth's own tests (spec.md §8
// S5/S6) instead of hitting real DNS.
type FakeResolver struct {
	TXT  map[string]Response
	A    map[string]Response
	AAAA map[string]Response
	MX   map[string]Response
	PTR  map[string]Response

	// Err, if set, overrides any table lookup for that exact name with
	// a callback error instead of a Response.
	Err map[string]error
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		TXT:  map[string]Response{},
		A:    map[string]Response{},
		AAAA: map[string]Response{},
		MX:   map[string]Response{},
		PTR:  map[string]Response{},
		Err:  map[string]error{},
	}
}

// SetTXT registers a single-record TXT answer for name.
func (f *FakeResolver) SetTXT(name, value string) {
	f.TXT[name] = Response{Rcode: RcodeSuccess, Records: []Record{{Type: RRTypeTXT, Name: name, Txt: value}}}
}

func (f *FakeResolver) QueryTXT(name string, cb QueryCallback) { f.answer(f.TXT, name, cb) }
func (f *FakeResolver) QueryA(name string, cb QueryCallback)   { f.answer(f.A, name, cb) }
func (f *FakeResolver) QueryAAAA(name string, cb QueryCallback) { f.answer(f.AAAA, name, cb) }
func (f *FakeResolver) QueryMX(name string, cb QueryCallback)  { f.answer(f.MX, name, cb) }
func (f *FakeResolver) QueryPTR(name string, cb QueryCallback) { f.answer(f.PTR, name, cb) }

func (f *FakeResolver) answer(table map[string]Response, name string, cb QueryCallback) {
	if err, ok := f.Err[name]; ok {
		cb(Response{}, err)
		return
	}
	resp, ok := table[name]
	if !ok {
		cb(Response{Rcode: RcodeNXDomain}, nil)
		return
	}
	cb(resp, nil)
}
