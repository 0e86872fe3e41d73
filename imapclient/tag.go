package imapclient

import "fmt"

// tagGenerator produces the "LLL###" command tags spec.md §3 describes:
// a three-letter prefix rotating A-Z like an odometer, paired with a
// three-digit counter rolling 000-999. Tags it emits are pairwise
// distinct for over 17 million consecutive commands on one connection
// (26^3 * 1000), far beyond any realistic connection lifetime
// (Testable Property 5).
type tagGenerator struct {
	n uint64
}

// next returns the next tag and advances the generator.
func (g *tagGenerator) next() string {
	letterIdx := (g.n / 1000) % (26 * 26 * 26)
	digit := g.n % 1000
	g.n++

	l1 := byte('A' + (letterIdx/(26*26))%26)
	l2 := byte('A' + (letterIdx/26)%26)
	l3 := byte('A' + letterIdx%26)
	return fmt.Sprintf("%c%c%c%03d", l1, l2, l3, digit)
}
