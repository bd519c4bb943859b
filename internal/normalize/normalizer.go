// Package normalize canonicalises raw entity names before indexing and scoring.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultSuffixes are trailing corporate and property-management tokens that
// carry no identity.
var DefaultSuffixes = []string{
	"llc", "inc", "corp", "co", "ltd", "company",
	"apartments", "apts", "properties", "mgmt", "management", "admin",
}

// Normalizer is pure and safe for concurrent use.
type Normalizer struct {
	suffixes map[string]struct{}
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSuffixes replaces the suffix set. Tokens are matched case-insensitively
// after punctuation removal, so "L.L.C." should be given as "llc".
func WithSuffixes(suffixes ...string) Option {
	return func(n *Normalizer) {
		n.suffixes = make(map[string]struct{}, len(suffixes))
		for _, s := range suffixes {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				n.suffixes[s] = struct{}{}
			}
		}
	}
}

// New returns a Normalizer using DefaultSuffixes unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	WithSuffixes(DefaultSuffixes...)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var defaultNormalizer = New()

// Normalize applies the default Normalizer.
func Normalize(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

// Normalize folds raw into its canonical matching form:
//
//	"  Greystar Management  Co., LLC " -> "greystar"
//	"Café Olé Apartments"              -> "cafe ole"
//
// Trailing suffix tokens are stripped repeatedly, but the last remaining
// token is always kept so a name such as "Company" never normalizes to "".
// The result is a fixed point: Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	folded := foldMarks(raw)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 {
		if _, ok := n.suffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Tokens splits an already-normalized string into its tokens.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// foldMarks decomposes accented characters and drops the combining marks.
// A transformer chain is stateful, so one is built per call.
func foldMarks(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
