package smtpclient

import "testing"

func TestReplyAccumulatorSingleLine(t *testing.T) {
	var a replyAccumulator
	complete, err := a.feed("220 mail.example.com ready")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !complete {
		t.Fatal("expected complete after single-line reply")
	}
	r := a.reply()
	if r.Code != 220 || len(r.Lines) != 1 || r.Lines[0] != "mail.example.com ready" {
		t.Errorf("got %+v", r)
	}
}

func TestReplyAccumulatorContinuation(t *testing.T) {
	var a replyAccumulator
	lines := []string{
		"250-smtp.example.com",
		"250-STARTTLS",
		"250-AUTH PLAIN",
		"250 SIZE 10485760",
	}
	var complete bool
	var err error
	for _, l := range lines {
		complete, err = a.feed(l)
		if err != nil {
			t.Fatalf("feed(%q): %v", l, err)
		}
	}
	if !complete {
		t.Fatal("expected complete after final line")
	}
	r := a.reply()
	if r.Code != 250 {
		t.Fatalf("code = %d, want 250", r.Code)
	}
	if len(r.Lines) != 4 {
		t.Fatalf("got %d lines, want 4: %+v", len(r.Lines), r.Lines)
	}
	if r.Lines[1] != "STARTTLS" {
		t.Errorf("Lines[1] = %q, want STARTTLS", r.Lines[1])
	}
}

func TestReplyAccumulatorMismatchedCodeIsError(t *testing.T) {
	var a replyAccumulator
	if _, err := a.feed("250-first"); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := a.feed("251-second"); err == nil {
		t.Fatal("expected error on mismatched continuation code")
	}
}

func TestReplyTemporaryPermanentPositive(t *testing.T) {
	cases := []struct {
		code                          int
		temporary, permanent, positiv bool
	}{
		{250, false, false, true},
		{354, false, false, true},
		{450, true, false, false},
		{550, false, true, false},
	}
	for _, c := range cases {
		r := Reply{Code: c.code}
		if r.Temporary() != c.temporary {
			t.Errorf("code %d: Temporary() = %v, want %v", c.code, r.Temporary(), c.temporary)
		}
		if r.Permanent() != c.permanent {
			t.Errorf("code %d: Permanent() = %v, want %v", c.code, r.Permanent(), c.permanent)
		}
		if r.Positive() != c.positiv {
			t.Errorf("code %d: Positive() = %v, want %v", c.code, r.Positive(), c.positiv)
		}
	}
}
