package dmarc

import (
	"errors"
	"net/mail"
)

var errMalformedFrom = errors.New("dmarc: malformed From header field")

// parseSingleAddress parses a From header field value, rejecting it
// unless it names exactly one address (RFC 7489 gives no alignment
// semantics for a From field with more than one address).
func parseSingleAddress(value string) (string, error) {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return "", errMalformedFrom
	}
	if len(list) != 1 {
		return "", errMalformedFrom
	}
	return list[0].Address, nil
}
