package spf

import (
	"net"
	"testing"

	"github.com/nbproto/corelib/emailauth/resolver"
)

// TestIncludeRecursion drives spec.md §8's S5 scenario: example.com
// includes _spf.provider.net, which authorizes 192.0.2.0/24.
func TestIncludeRecursion(t *testing.T) {
	f := resolver.NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 include:_spf.provider.net -all")
	f.SetTXT("_spf.provider.net", "v=spf1 ip4:192.0.2.0/24 ~all")

	checker := &Checker{Resolver: f}

	t.Run("pass", func(t *testing.T) {
		var got Result
		checker.Check(CheckParams{
			ClientIP:   net.ParseIP("192.0.2.5"),
			MailFrom:   "sender@example.com",
			HeloDomain: "mail.example.com",
		}, func(res Result, expl string, err error) {
			got = res
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
		if got != ResultPass {
			t.Fatalf("got %s, want pass", got)
		}
	})

	t.Run("fail", func(t *testing.T) {
		var got Result
		checker.Check(CheckParams{
			ClientIP:   net.ParseIP("198.51.100.5"),
			MailFrom:   "sender@example.com",
			HeloDomain: "mail.example.com",
		}, func(res Result, expl string, err error) {
			got = res
		})
		if got != ResultFail {
			t.Fatalf("got %s, want fail (outer -all)", got)
		}
	})
}

// TestLookupCapExceeded drives Testable Property 8: a record with 11
// chained includes must PERMERROR on the 11th DNS-consuming lookup
// rather than continuing evaluation.
func TestLookupCapExceeded(t *testing.T) {
	f := resolver.NewFakeResolver()
	const n = 12
	f.SetTXT("d0.example.com", "v=spf1 include:d1.example.com -all")
	for i := 1; i < n; i++ {
		from := domainAt(i - 1)
		to := domainAt(i)
		f.SetTXT(from, "v=spf1 include:"+to+" -all")
	}
	f.SetTXT(domainAt(n-1), "v=spf1 -all")

	checker := &Checker{Resolver: f}
	var got Result
	checker.Check(CheckParams{
		ClientIP:   net.ParseIP("192.0.2.1"),
		MailFrom:   "sender@" + domainAt(0),
		HeloDomain: "mail.example.com",
	}, func(res Result, expl string, err error) {
		got = res
	})
	if got != ResultPermError {
		t.Fatalf("got %s, want permerror after exceeding the lookup cap", got)
	}
}

func domainAt(i int) string {
	return "d" + itoa(i) + ".example.com"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}

func TestNoRecordYieldsNone(t *testing.T) {
	f := resolver.NewFakeResolver()
	checker := &Checker{Resolver: f}
	var got Result
	checker.Check(CheckParams{
		ClientIP:   net.ParseIP("192.0.2.1"),
		MailFrom:   "sender@nope.example.com",
		HeloDomain: "mail.example.com",
	}, func(res Result, expl string, err error) {
		got = res
	})
	if got != ResultNone {
		t.Fatalf("got %s, want none", got)
	}
}

func TestSoftFailQualifier(t *testing.T) {
	f := resolver.NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 ~all")
	checker := &Checker{Resolver: f}
	var got Result
	checker.Check(CheckParams{
		ClientIP:   net.ParseIP("203.0.113.1"),
		MailFrom:   "sender@example.com",
		HeloDomain: "mail.example.com",
	}, func(res Result, expl string, err error) {
		got = res
	})
	if got != ResultSoftFail {
		t.Fatalf("got %s, want softfail", got)
	}
}

func TestRedirectModifier(t *testing.T) {
	f := resolver.NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 redirect=_relay.example.net")
	f.SetTXT("_relay.example.net", "v=spf1 ip4:192.0.2.0/24 -all")
	checker := &Checker{Resolver: f}
	var got Result
	checker.Check(CheckParams{
		ClientIP:   net.ParseIP("192.0.2.9"),
		MailFrom:   "sender@example.com",
		HeloDomain: "mail.example.com",
	}, func(res Result, expl string, err error) {
		got = res
	})
	if got != ResultPass {
		t.Fatalf("got %s, want pass via redirect", got)
	}
}

func TestMacroExpansionBasic(t *testing.T) {
	mc := macroContext{
		sender:      "strong-bad@email.example.com",
		senderLocal: "strong-bad",
		senderOrg:   "email.example.com",
		domain:      "email.example.com",
		ip:          net.ParseIP("192.0.2.3"),
	}
	got := expandMacros("%{s}", mc)
	if got != "strong-bad@email.example.com" {
		t.Fatalf("got %q", got)
	}
	got = expandMacros("%{l}", mc)
	if got != "strong-bad" {
		t.Fatalf("got %q", got)
	}
	got = expandMacros("%{o}", mc)
	if got != "email.example.com" {
		t.Fatalf("got %q", got)
	}
	got = expandMacros("%{d2}", mc)
	if got != "example.com" {
		t.Fatalf("got %q, want rightmost 2 labels", got)
	}
	got = expandMacros("%{ir}.%{v}._spf.%{d}", mc)
	if got != "3.2.0.192.in-addr._spf.email.example.com" {
		t.Fatalf("got %q", got)
	}
}
