package imapclient

import "strings"

// Capabilities is the set of server capabilities last announced by a
// CAPABILITY response (untagged CAPABILITY, or the response code on a
// greeting/tagged OK).
type Capabilities struct {
	set map[string]bool
}

func newCapabilities(words []string) Capabilities {
	c := Capabilities{set: make(map[string]bool, len(words))}
	for _, w := range words {
		c.set[strings.ToUpper(w)] = true
	}
	return c
}

// Has reports whether name (case-insensitive) was advertised.
func (c Capabilities) Has(name string) bool {
	if c.set == nil {
		return false
	}
	return c.set[strings.ToUpper(name)]
}

// SupportsAuth reports whether "AUTH=mech" was advertised.
func (c Capabilities) SupportsAuth(mech string) bool {
	return c.Has("AUTH=" + mech)
}
