package imapclient

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/nbproto/corelib/exterr"
)

// AwaitGreeting registers cb for the server's initial untagged
// greeting ("* OK ...", "* PREAUTH ...", or "* BYE ..."). Call this
// once, immediately after Connected fires.
func (c *Client) AwaitGreeting(cb func(preauth bool, err error)) {
	c.pendingGreeting = cb
}

// Capability sends CAPABILITY and delivers the parsed set.
func (c *Client) Capability(cb func(Capabilities, error)) error {
	base := c.state
	c.sendCommand("CAPABILITY", base, base, func(resp TaggedResponse, err error) {
		cb(c.capabilities, err)
	})
	return nil
}

// Login authenticates with a plaintext username/password (RFC 3501
// §6.2.3). Not usable once TLS-required policy forbids plaintext
// LOGIN; callers needing SASL should use Authenticate instead.
func (c *Client) Login(username, password string, cb TaggedCallback) error {
	if err := c.requireState(StateNotAuthenticated); err != nil {
		return err
	}
	cmd := "LOGIN " + quoteString(username) + " " + quoteString(password)
	c.sendCommand(cmd, StateNotAuthenticated, StateLoginSent, func(resp TaggedResponse, err error) {
		if err == nil {
			c.state = StateAuthenticated
		}
		if cb != nil {
			cb(resp, err)
		}
	})
	return nil
}

// Authenticate drives the AUTHENTICATE command using mech (any
// github.com/emersion/go-sasl Client), exchanging base64 challenges
// over "+" continuations until the tagged completion (spec.md §4.6).
func (c *Client) Authenticate(mech sasl.Client, cb TaggedCallback) error {
	if err := c.requireState(StateNotAuthenticated); err != nil {
		return err
	}
	name, initial, err := mech.Start()
	if err != nil {
		return &exterr.Error{Kind: exterr.Protocol, Message: "imapclient: sasl start failed", Err: err}
	}
	c.saslClient = mech
	c.authDone = cb

	cmd := "AUTHENTICATE " + name
	if initial != nil {
		cmd += " " + base64.StdEncoding.EncodeToString(initial)
	}
	c.sendCommand(cmd, StateNotAuthenticated, StateAuthenticateSent, func(resp TaggedResponse, err error) {
		if err == nil && resp.Status == StatusOK {
			c.state = StateAuthenticated
		}
		done := c.authDone
		c.authDone = nil
		if done == nil {
			return
		}
		if err != nil {
			done(resp, err)
			return
		}
		if resp.Status != StatusOK {
			done(resp, &exterr.Error{Kind: exterr.AuthChallengeFail, Message: resp.Text})
			return
		}
		done(resp, nil)
	})
	return nil
}

func (c *Client) handleAuthContinuation(rest string) {
	challenge, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		c.sendLine("*")
		return
	}
	resp, err := c.saslClient.Next(challenge)
	if err != nil {
		c.sendLine("*")
		return
	}
	c.sendLine(base64.StdEncoding.EncodeToString(resp))
}

// Select sends SELECT (or EXAMINE, when readOnly is true), returning
// the accumulated mailbox info to cb once the tagged completion
// arrives.
func (c *Client) Select(mailbox string, readOnly bool, cb func(MailboxInfo, error)) error {
	switch c.state {
	case StateAuthenticated, StateSelected:
	default:
		return c.requireState(StateAuthenticated)
	}
	cmd := "SELECT " + quoteString(mailbox)
	if readOnly {
		cmd = "EXAMINE " + quoteString(mailbox)
	}
	info := &MailboxInfo{ReadOnly: readOnly}
	c.pendingSelect = info
	c.sendCommand(cmd, StateAuthenticated, StateSelectSent, func(resp TaggedResponse, err error) {
		c.pendingSelect = nil
		if err != nil {
			cb(MailboxInfo{}, err)
			return
		}
		c.state = StateSelected
		c.baseState = StateSelected
		cb(*info, nil)
	})
	return nil
}

// Idle sends IDLE. mh receives unsolicited mailbox events while idle;
// onDone fires once the tagged completion following DoneIdle arrives.
func (c *Client) Idle(mh MailboxEvents, onDone func(error)) error {
	if err := c.requireState(StateSelected); err != nil {
		return err
	}
	c.idleHandler = mh
	c.idleDone = onDone
	c.sendCommand("IDLE", StateSelected, StateIdleSent, func(resp TaggedResponse, err error) {
		c.idleHandler = nil
		done := c.idleDone
		c.idleDone = nil
		if done != nil {
			done(err)
		}
	})
	return nil
}

// DoneIdle sends the raw "DONE" line that terminates an active IDLE.
func (c *Client) DoneIdle() error {
	if err := c.requireState(StateIdleActive); err != nil {
		return err
	}
	c.state = StateIdleDoneSent
	c.sendLine("DONE")
	return nil
}

// Append sends the APPEND command header and waits for the server's
// "+ Ready" continuation before invoking onReady, after which
// WriteAppend/EndAppend stream the message body (spec.md §4.6
// "APPEND").
func (c *Client) Append(mailbox string, flags []string, size int, onReady func(error)) error {
	switch c.state {
	case StateAuthenticated, StateSelected:
	default:
		return c.requireState(StateAuthenticated)
	}
	base := c.state
	cmd := "APPEND " + quoteString(mailbox)
	if len(flags) > 0 {
		cmd += " (" + strings.Join(flags, " ") + ")"
	}
	cmd += fmt.Sprintf(" {%d}", size)

	c.appendOnReady = onReady
	c.appendRemaining = size
	c.sendCommand(cmd, base, StateAppendWaitingContinuation, nil)
	return nil
}

// WriteAppend streams chunk as part of the message body announced by
// Append. It may be called any number of times while in APPEND_DATA.
func (c *Client) WriteAppend(chunk []byte) error {
	if err := c.requireState(StateAppendData); err != nil {
		return err
	}
	if len(chunk) > 0 {
		c.ep.Send(chunk)
		c.appendRemaining -= len(chunk)
	}
	return nil
}

// EndAppend appends the trailing CRLF and awaits the tagged
// completion (the tag was already sent with the APPEND header line in
// Append), parsing APPENDUID out of a successful response code.
func (c *Client) EndAppend(cb func(uidValidity, uid uint32, err error)) error {
	if err := c.requireState(StateAppendData); err != nil {
		return err
	}
	c.ep.Send([]byte("\r\n"))
	c.pendingTagged = func(resp TaggedResponse, err error) {
		if err != nil {
			cb(0, 0, err)
			return
		}
		uidValidity, uid, _ := parseAppendUID(resp.Code)
		cb(uidValidity, uid, nil)
	}
	return nil
}

// Logout sends LOGOUT and closes the connection once the tagged
// completion (preceded by an untagged BYE) arrives.
func (c *Client) Logout(cb TaggedCallback) error {
	c.sendCommand("LOGOUT", StateClosed, StateLogoutSent, func(resp TaggedResponse, err error) {
		c.state = StateClosed
		cb(resp, err)
		c.ep.Close()
	})
	return nil
}

// Noop sends NOOP, a no-op that also flushes any pending untagged
// mailbox events.
func (c *Client) Noop(cb TaggedCallback) error {
	base := c.state
	c.sendCommand("NOOP", base, base, cb)
	return nil
}

// quoteString renders s as an IMAP quoted string (RFC 3501 §4.3),
// escaping '\' and '"' and stripping control characters.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// parseAppendUID extracts "APPENDUID uidvalidity uid" from a response
// code, as spec.md §4.6 describes.
func parseAppendUID(code string) (uidValidity, uid uint32, ok bool) {
	fields := strings.Fields(code)
	if len(fields) != 3 || strings.ToUpper(fields[0]) != "APPENDUID" {
		return 0, 0, false
	}
	v, err1 := strconv.ParseUint(fields[1], 10, 32)
	u, err2 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(v), uint32(u), true
}
