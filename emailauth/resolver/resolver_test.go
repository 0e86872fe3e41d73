package resolver

import "testing"

func TestFakeResolverTXT(t *testing.T) {
	f := NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 -all")

	var got Response
	var callErr error
	f.QueryTXT("example.com", func(resp Response, err error) {
		got = resp
		callErr = err
	})
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if len(got.Records) != 1 || got.Records[0].Txt != "v=spf1 -all" {
		t.Fatalf("got %+v", got)
	}
}

func TestFakeResolverNXDomain(t *testing.T) {
	f := NewFakeResolver()
	var got Response
	f.QueryTXT("nope.example.com", func(resp Response, err error) {
		got = resp
	})
	if got.Rcode != RcodeNXDomain || !got.Empty() {
		t.Fatalf("got %+v", got)
	}
}

func TestResponseEmpty(t *testing.T) {
	if (Response{Rcode: RcodeSuccess}).Empty() != true {
		t.Fatal("a success response with no records should count as empty")
	}
	r := Response{Rcode: RcodeSuccess, Records: []Record{{Type: RRTypeA, IP: "192.0.2.1"}}}
	if r.Empty() {
		t.Fatal("a response with records should not be empty")
	}
}
