package wire

import (
	"bytes"
	"testing"
	"testing/quick"
)

func TestDotStufferS1Vector(t *testing.T) {
	d := NewDotStuffer()
	d.Write([]byte("Hello!\r\n"))
	d.Finish()

	got := d.Take()
	want := "Hello!\r\n.\r\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDotStufferLeadingDotDoubled(t *testing.T) {
	d := NewDotStuffer()
	d.Write([]byte(".leading dot\r\n"))
	d.Finish()

	got := string(d.Take())
	want := "..leading dot\r\n.\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDotStufferDotAfterInternalCRLF(t *testing.T) {
	d := NewDotStuffer()
	d.Write([]byte("line one\r\n.line two\r\n"))
	d.Finish()

	got := string(d.Take())
	want := "line one\r\n..line two\r\n.\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDotStufferMidDotNotDoubled(t *testing.T) {
	d := NewDotStuffer()
	d.Write([]byte("a.b.c\r\n"))
	d.Finish()

	got := string(d.Take())
	want := "a.b.c\r\n.\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDotStufferChunkBoundarySplitsCRLF(t *testing.T) {
	d := NewDotStuffer()
	d.Write([]byte("abc\r"))
	d.Write([]byte("\n.def\r\n"))
	d.Finish()

	got := string(d.Take())
	want := "abc\r\n..def\r\n.\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDotStuffRoundTrip(t *testing.T) {
	f := func(lines []string) bool {
		var msg bytes.Buffer
		for _, l := range lines {
			// Exclude CR/LF from line content itself; lines are
			// joined by CRLF below so the generated message is
			// always a well-formed sequence of CRLF-terminated
			// lines, matching UnstuffDot's documented assumption.
			clean := bytes.Map(func(r rune) rune {
				if r == '\r' || r == '\n' {
					return -1
				}
				return r
			}, []byte(l))
			msg.Write(clean)
			msg.WriteString("\r\n")
		}
		original := msg.Bytes()

		d := NewDotStuffer()
		d.Write(original)
		d.Finish()
		encoded := d.Take()

		decoded := UnstuffDot(encoded)
		return bytes.Equal(decoded, original)
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}

func TestDotStuffRoundTripEmptyMessage(t *testing.T) {
	d := NewDotStuffer()
	d.Finish()
	encoded := d.Take()
	if string(encoded) != ".\r\n" {
		t.Fatalf("unexpected encoding of empty message: %q", encoded)
	}
	decoded := UnstuffDot(encoded)
	if len(decoded) != 0 {
		t.Errorf("expected empty decode, got %q", decoded)
	}
}
