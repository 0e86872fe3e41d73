// Package dkim implements DKIM signature verification (RFC 6376)
// against EmailAuthPipeline's async DNSResolver, rather than delegating
// to a synchronous black-box verifier: the header/body canonicalization
// this package performs is the byte stream Testable Property 9 (spec.md
// §8) requires to be deterministic and inspectable, which rules out
// treating verification as opaque.
package dkim

import (
	"strconv"
	"strings"

	"github.com/nbproto/corelib/emailauth/resolver"
)

// Result is DKIM's closed per-signature verdict (RFC 6376 §4 +
// the DNS-failure cases spec.md §7 folds into TempError/PermError).
type Result int

const (
	ResultNone Result = iota
	ResultPass
	ResultFail
	ResultTempError
	ResultPermError
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultPass:
		return "pass"
	case ResultFail:
		return "fail"
	case ResultTempError:
		return "temperror"
	case ResultPermError:
		return "permerror"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of verifying one DKIM-Signature header field.
type Verdict struct {
	Result   Result
	Domain   string // d=
	Selector string // s=
	Identity string // i=, empty if absent
	Err      error
}

// Verifier checks every DKIM-Signature field present on a message.
type Verifier struct {
	Resolver resolver.DNSResolver
}

// Verify walks fields for DKIM-Signature headers in the order they
// appear and verifies each one in turn, since DNS lookups and verdicts
// for separate signatures are independent of one another. cb fires
// once with every signature's Verdict, or with a nil slice if the
// message carries no DKIM-Signature field at all (ResultNone territory
// — EmailAuthPipeline treats "no signature" as a single ResultNone
// verdict of its own, not as a dkim.Verdict, so that case is left to
// the caller).
func (v *Verifier) Verify(fields []HeaderField, body []byte, cb func([]Verdict)) {
	var sigs []HeaderField
	for _, f := range fields {
		if strings.EqualFold(f.Name, "DKIM-Signature") {
			sigs = append(sigs, f)
		}
	}
	if len(sigs) == 0 {
		cb(nil)
		return
	}

	verdicts := make([]Verdict, 0, len(sigs))
	var step func(i int)
	step = func(i int) {
		if i >= len(sigs) {
			cb(verdicts)
			return
		}
		v.verifyOne(sigs[i], fields, body, func(vd Verdict) {
			verdicts = append(verdicts, vd)
			step(i + 1)
		})
	}
	step(0)
}

func (v *Verifier) verifyOne(sig HeaderField, all []HeaderField, body []byte, cb func(Verdict)) {
	tags, err := parseTagList(sig.Value)
	if err != nil {
		cb(Verdict{Result: ResultPermError, Err: err})
		return
	}

	domain, selector := tags["d"], tags["s"]
	if tags["v"] != "1" || domain == "" || selector == "" || tags["a"] == "" || tags["b"] == "" || tags["bh"] == "" || tags["h"] == "" {
		cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errMalformedSig})
		return
	}

	keyAlgo, hashAlgo, ok := splitAlgorithm(tags["a"])
	if !ok {
		cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errUnsupportedAlgo})
		return
	}

	sigBytes, err := base64Decode(stripWSP(tags["b"]))
	if err != nil {
		cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errMalformedSig})
		return
	}
	wantBodyHash, err := base64Decode(stripWSP(tags["bh"]))
	if err != nil {
		cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errMalformedSig})
		return
	}

	headerCanon, bodyCanon := splitCanon(tags["c"])

	canonBodyBytes := canonBody(bodyCanon, body)
	if l, ok := tags["l"]; ok {
		if n, err := strconv.ParseInt(l, 10, 64); err == nil && n >= 0 && int(n) <= len(canonBodyBytes) {
			canonBodyBytes = canonBodyBytes[:n]
		}
	}
	gotBodyHash, _, err := hashSum(hashAlgo, canonBodyBytes)
	if err != nil {
		cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: err})
		return
	}
	if !bytesEqual(gotBodyHash, wantBodyHash) {
		cb(Verdict{Result: ResultFail, Domain: domain, Selector: selector, Identity: tags["i"]})
		return
	}

	headerList := strings.Split(tags["h"], ":")
	for i := range headerList {
		headerList[i] = strings.TrimSpace(headerList[i])
	}
	signedData := buildSignedData(all, headerList, headerCanon, sig)

	queryName := selector + "._domainkey." + domain
	v.Resolver.QueryTXT(queryName, func(resp resolver.Response, qerr error) {
		if qerr != nil {
			cb(Verdict{Result: ResultTempError, Domain: domain, Selector: selector, Err: qerr})
			return
		}
		if resp.Empty() {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errNoKey})
			return
		}

		var txt string
		for _, rec := range resp.Records {
			txt += rec.Txt
		}
		keyTags, err := parseTagList(txt)
		if err != nil {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: err})
			return
		}
		if p, ok := keyTags["p"]; ok && p == "" {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errKeyRevoked})
			return
		}
		keyType := keyTags["k"]
		if keyType == "" {
			keyType = "rsa"
		}
		if keyType != keyAlgo {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errBadKey})
			return
		}

		pubDER, err := base64Decode(stripWSP(keyTags["p"]))
		if err != nil {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: errBadKey})
			return
		}
		pub, err := parsePublicKey(keyAlgo, pubDER)
		if err != nil {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: err})
			return
		}

		valid, err := verifySignature(keyAlgo, hashAlgo, pub, signedData, sigBytes)
		if err != nil {
			cb(Verdict{Result: ResultPermError, Domain: domain, Selector: selector, Err: err})
			return
		}
		if !valid {
			cb(Verdict{Result: ResultFail, Domain: domain, Selector: selector, Identity: tags["i"]})
			return
		}
		cb(Verdict{Result: ResultPass, Domain: domain, Selector: selector, Identity: tags["i"]})
	})
}

// buildSignedData assembles the exact byte stream the signature covers
// (RFC 6376 §3.7): each header named in h=, canonicalized in header
// order, most recent unused occurrence of a repeated name consumed
// first (§5.4.2), followed by the DKIM-Signature field itself with its
// b= tag blanked and no trailing CRLF.
func buildSignedData(all []HeaderField, headerList []string, canon string, sigField HeaderField) []byte {
	used := make([]bool, len(all))
	var out []byte
	for _, name := range headerList {
		for i := len(all) - 1; i >= 0; i-- {
			if used[i] || !strings.EqualFold(all[i].Name, name) {
				continue
			}
			used[i] = true
			out = append(out, canonHeader(canon, all[i])...)
			break
		}
	}

	blanked := HeaderField{Name: sigField.Name, Value: emptyBTag(sigField.Value)}
	out = append(out, canonHeaderNoCRLF(canon, blanked)...)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
