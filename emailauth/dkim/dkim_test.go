package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/nbproto/corelib/emailauth/resolver"
)

// TestCanonicalizationDeterminism drives Testable Property 9: the same
// header/body input canonicalized twice, with either algorithm,
// produces byte-identical output.
func TestCanonicalizationDeterminism(t *testing.T) {
	f := HeaderField{Name: "Subject", Value: "  Test \r\n  continued"}
	body := []byte("line one  \r\nline two\r\n\r\n\r\n")

	for _, algo := range []string{"simple", "relaxed"} {
		a := canonHeader(algo, f)
		b := canonHeader(algo, f)
		if string(a) != string(b) {
			t.Fatalf("%s header canon not deterministic: %q vs %q", algo, a, b)
		}
		ba := canonBody(algo, body)
		bb := canonBody(algo, body)
		if string(ba) != string(bb) {
			t.Fatalf("%s body canon not deterministic: %q vs %q", algo, ba, bb)
		}
	}
}

func TestCanonHeaderRelaxed(t *testing.T) {
	f := HeaderField{Name: "SUBJECT", Value: "          Test   \r\n   Value  "}
	got := string(canonHeader("relaxed", f))
	want := "subject:Test Value\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonHeaderSimplePreservesWhitespace(t *testing.T) {
	f := HeaderField{Name: "Subject", Value: "   Test  "}
	got := string(canonHeader("simple", f))
	want := "Subject:   Test  \r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonBodySimpleEmpty(t *testing.T) {
	got := string(canonBodySimple(nil))
	if got != "\r\n" {
		t.Fatalf("got %q, want a single CRLF", got)
	}
}

func TestCanonBodyRelaxedTrailingBlankLines(t *testing.T) {
	body := []byte("a \t\r\nb\r\n\r\n\r\n")
	got := string(canonBodyRelaxed(body))
	want := "a\r\nb\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseHeaders(t *testing.T) {
	raw := []byte("From: a@example.com\r\nSubject: hi\r\n there\r\n\r\nbody\r\n")
	fields, body, err := ParseHeaders(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if fields[1].Value != " hi\r\n there" {
		t.Fatalf("folded value not preserved: %q", fields[1].Value)
	}
	if string(body) != "body\r\n" {
		t.Fatalf("got body %q", body)
	}
}

func TestEmptyBTag(t *testing.T) {
	v := "v=1; a=rsa-sha256; b=AAAA/BBBB==; bh=CCCC=; d=example.com"
	got := emptyBTag(v)
	want := "v=1; a=rsa-sha256; b=; bh=CCCC=; d=example.com"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestVerifyRoundTrip builds a message, signs it with a freshly
// generated RSA key using this package's own canonicalization (so the
// test is self-consistent without needing a fixed external test
// vector), and confirms Verify reports pass.
func TestVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pubDER)

	body := []byte("Hello, world.\r\n")
	bodyHash := sha256.Sum256(canonBody("relaxed", body))
	bhB64 := base64.StdEncoding.EncodeToString(bodyHash[:])

	fields := []HeaderField{
		{Name: "From", Value: " sender@example.com"},
		{Name: "To", Value: " recipient@example.net"},
		{Name: "Subject", Value: " test message"},
		{
			Name: "DKIM-Signature",
			Value: " v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=sel; " +
				"h=from:to:subject; bh=" + bhB64 + "; b=",
		},
	}

	signedData := buildSignedData(fields, []string{"from", "to", "subject"}, "relaxed", fields[3])
	digest := sha256.Sum256(signedData)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)
	fields[3].Value += sigB64

	f := resolver.NewFakeResolver()
	f.SetTXT("sel._domainkey.example.com", "v=DKIM1; k=rsa; p="+pubB64)

	v := &Verifier{Resolver: f}
	var got []Verdict
	v.Verify(fields, body, func(vd []Verdict) { got = vd })

	if len(got) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(got))
	}
	if got[0].Result != ResultPass {
		t.Fatalf("got %s, want pass (err=%v)", got[0].Result, got[0].Err)
	}
}

func TestVerifyBodyHashMismatch(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 1024)
	pubDER, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	pubB64 := base64.StdEncoding.EncodeToString(pubDER)

	body := []byte("actual body\r\n")
	wrongHash := sha256.Sum256([]byte("not the body"))
	bhB64 := base64.StdEncoding.EncodeToString(wrongHash[:])

	fields := []HeaderField{
		{Name: "From", Value: " sender@example.com"},
		{
			Name: "DKIM-Signature",
			Value: " v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=sel; " +
				"h=from; bh=" + bhB64 + "; b=AAAA",
		},
	}

	f := resolver.NewFakeResolver()
	f.SetTXT("sel._domainkey.example.com", "v=DKIM1; k=rsa; p="+pubB64)

	v := &Verifier{Resolver: f}
	var got []Verdict
	v.Verify(fields, body, func(vd []Verdict) { got = vd })

	if len(got) != 1 || got[0].Result != ResultFail {
		t.Fatalf("got %+v, want a single fail verdict", got)
	}
}

func TestVerifyNoSelectorRecord(t *testing.T) {
	body := []byte("body\r\n")
	bh := sha256.Sum256(canonBody("relaxed", body))
	fields := []HeaderField{
		{Name: "From", Value: " sender@example.com"},
		{
			Name: "DKIM-Signature",
			Value: " v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=missing; " +
				"h=from; bh=" + base64.StdEncoding.EncodeToString(bh[:]) + "; b=AAAA",
		},
	}

	f := resolver.NewFakeResolver()
	v := &Verifier{Resolver: f}
	var got []Verdict
	v.Verify(fields, body, func(vd []Verdict) { got = vd })

	if len(got) != 1 || got[0].Result != ResultPermError {
		t.Fatalf("got %+v, want permerror (no key record)", got)
	}
}

func TestVerifyNoSignature(t *testing.T) {
	f := resolver.NewFakeResolver()
	v := &Verifier{Resolver: f}
	var got []Verdict
	called := false
	v.Verify([]HeaderField{{Name: "From", Value: " a@example.com"}}, []byte("hi\r\n"), func(vd []Verdict) {
		called = true
		got = vd
	})
	if !called || got != nil {
		t.Fatalf("want a single nil-slice callback, got %+v", got)
	}
}
