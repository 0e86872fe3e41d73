package emailauth

import (
	"testing"

	"github.com/emersion/go-msgauth/authres"

	"github.com/nbproto/corelib/emailauth/dkim"
	"github.com/nbproto/corelib/emailauth/resolver"
)

// TestPipelineSPFPassNoSignature drives the common case for a message
// with no DKIM-Signature: SPF passes, DKIM contributes nothing, and
// DMARC falls back to "none" since EvaluateAlignment needs at least
// one DKIM result to render a verdict, matching
// internal/dmarc/evaluate.go's "not enough information" branch.
func TestPipelineSPFPassNoSignature(t *testing.T) {
	f := resolver.NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all")
	f.SetTXT("_dmarc.example.com", "v=DMARC1; p=none")

	p := &Pipeline{Resolver: f, Identity: "mx.example.net"}
	fields := []dkim.HeaderField{
		{Name: "From", Value: " sender@example.com"},
	}

	var got *Verdict
	p.Run(CheckParams{
		ClientIP:   "192.0.2.5",
		MailFrom:   "sender@example.com",
		HeloDomain: "mail.example.com",
		Headers:    fields,
		Body:       []byte("hi\r\n"),
	}, func(v *Verdict, err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = v
	})

	if got == nil {
		t.Fatal("callback never fired")
	}
	if got.SPF.String() != "pass" {
		t.Fatalf("got spf %s, want pass", got.SPF.String())
	}
	if len(got.DKIM) != 0 {
		t.Fatalf("got %d dkim verdicts, want 0", len(got.DKIM))
	}
	if got.DMARC.Authres.Value != authres.ResultNone {
		t.Fatalf("got dmarc %s, want none (no DKIM result present)", got.DMARC.Authres.Value)
	}
	if got.AuthResults == "" {
		t.Fatal("expected a non-empty Authentication-Results value")
	}
}

func TestPipelineRejectsMultipleFrom(t *testing.T) {
	f := resolver.NewFakeResolver()
	f.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all")

	p := &Pipeline{Resolver: f, Identity: "mx.example.net"}
	fields := []dkim.HeaderField{
		{Name: "From", Value: " a@example.com"},
		{Name: "From", Value: " b@example.com"},
	}

	var got *Verdict
	p.Run(CheckParams{
		ClientIP:   "192.0.2.5",
		MailFrom:   "sender@example.com",
		HeloDomain: "mail.example.com",
		Headers:    fields,
		Body:       []byte("hi\r\n"),
	}, func(v *Verdict, err error) {
		got = v
	})

	if got == nil || got.DMARC.Authres.Value != authres.ResultPermError {
		t.Fatalf("got %+v, want a permerror DMARC verdict for ambiguous From", got)
	}
}
