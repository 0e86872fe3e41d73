// Package exterr implements the closed error taxonomy of spec.md §7:
// every failure the core surfaces to an application is one of a fixed
// set of Kinds, optionally carrying a protocol status code and a field
// map for structured logging (github.com/nbproto/corelib/log.Logger.Error
// knows how to pull Fields() out of it).
package exterr

import "fmt"

// Kind is one of the error kinds spec.md §7 names.
type Kind int

const (
	// Transport covers TCP/TLS failures and peer resets. Never
	// recoverable; the connection closes.
	Transport Kind = iota
	// Protocol covers unparseable input, tag mismatches, and
	// operations invoked from an impossible state. Never recoverable.
	Protocol
	// Temporary covers SMTP 4xx, IMAP NO, and RESP -BUSY/-LOADING.
	// The caller may retry.
	Temporary
	// Permanent covers SMTP 5xx, IMAP BAD, and RESP -ERR. The caller
	// handles it per-request; the connection itself stays usable.
	Permanent
	// AuthChallengeFail covers bad SASL credentials. The caller may
	// re-authenticate.
	AuthChallengeFail
	// DNSTempFail covers resolver SERVFAIL, surfaced through SPF/DKIM
	// TEMPERROR results.
	DNSTempFail
	// DNSPermFail covers resolver NXDOMAIN, surfaced through SPF/DKIM
	// PERMERROR results.
	DNSPermFail
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Temporary:
		return "temporary"
	case Permanent:
		return "permanent"
	case AuthChallengeFail:
		return "auth_challenge_fail"
	case DNSTempFail:
		return "dns_tempfail"
	case DNSPermFail:
		return "dns_permfail"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every package in this module returns
// for a failure that fits spec.md §7's taxonomy.
type Error struct {
	Kind Kind
	// Code is the protocol status code that caused this error, if any
	// (SMTP reply code, IMAP tagged-response status is carried via
	// Kind instead since IMAP has no numeric code).
	Code int
	// CheckName identifies the originating check (e.g. "spf", "dkim",
	// "dmarc") when Kind is DNSTempFail/DNSPermFail; empty otherwise.
	CheckName string
	Message   string
	Misc      map[string]interface{}
	Err       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fields implements the interface log.Logger.Error looks for.
func (e *Error) Fields() map[string]interface{} {
	f := make(map[string]interface{}, len(e.Misc)+2)
	for k, v := range e.Misc {
		f[k] = v
	}
	f["kind"] = e.Kind.String()
	if e.Code != 0 {
		f["code"] = e.Code
	}
	if e.CheckName != "" {
		f["check"] = e.CheckName
	}
	return f
}

// Temporary reports whether this error's Kind is one the caller may
// retry (Temporary, AuthChallengeFail, DNSTempFail). Permanent/Protocol/
// Transport/DNSPermFail are not.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case Temporary, AuthChallengeFail, DNSTempFail:
		return true
	default:
		return false
	}
}

type temporaryErr interface {
	Temporary() bool
}

// IsTemporary reports whether err has a Temporary() method and it
// returns true. Errors with no such method are assumed permanent.
func IsTemporary(err error) bool {
	if t, ok := err.(temporaryErr); ok {
		return t.Temporary()
	}
	return false
}

// IsTemporaryOrUnspec is like IsTemporary but assumes errors without a
// Temporary() method are temporary, matching maddy's
// exterrors.IsTemporaryOrUnspec: useful for generic transport code that
// doesn't know every error type it might see.
func IsTemporaryOrUnspec(err error) bool {
	if t, ok := err.(temporaryErr); ok {
		return t.Temporary()
	}
	return true
}

// WithFields attaches additional structured fields to err, preserving
// Unwrap. If err is already an *Error, the fields are merged in place
// on a copy; otherwise err is wrapped as a generic Protocol error.
func WithFields(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		cp := *e
		cp.Misc = make(map[string]interface{}, len(e.Misc)+len(fields))
		for k, v := range e.Misc {
			cp.Misc[k] = v
		}
		for k, v := range fields {
			cp.Misc[k] = v
		}
		return &cp
	}
	return &Error{Kind: Protocol, Message: err.Error(), Misc: fields, Err: err}
}
