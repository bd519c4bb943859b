package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \t\n ", ""},
		{"lower and trim", "  Greystar  ", "greystar"},
		{"collapse internal whitespace", "John \t  Smith", "john smith"},
		{"single suffix", "Acme LLC", "acme"},
		{"stacked suffixes", "Greystar Management Company", "greystar"},
		{"punctuated suffix", "Acme, Inc.", "acme"},
		{"dotted suffix", "Smith & Co.", "smith"},
		{"suffix only in middle is kept", "Company Town Bakery", "company town bakery"},
		{"lone suffix survives", "Company", "company"},
		{"all suffix tokens keep the first", "Management Company LLC", "management"},
		{"property suffixes", "Riverside Apts", "riverside"},
		{"punctuation removed", "O'Brien-Walsh", "obrienwalsh"},
		{"digits kept", "Unit 42 Holdings", "unit 42 holdings"},
		{"accents folded", "Café Olé Apartments", "cafe ole"},
		{"admin suffix", "Tower Admin", "tower"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"", "   ", "Greystar Management Company", "Acme Co. LLC Inc",
		"ÅNGSTRÖM Properties", "ﬁnance mgmt", "½ Price Stores Ltd.",
		"İstanbul Apartments", "a b c", "Company Company",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestWithSuffixes(t *testing.T) {
	n := New(WithSuffixes("GmbH", " AG "))

	assert.Equal(t, "siemens", n.Normalize("Siemens AG"))
	assert.Equal(t, "bosch", n.Normalize("Bosch GmbH"))
	assert.Equal(t, "acme llc", n.Normalize("Acme LLC"), "default suffixes are replaced")
}

func TestTokens(t *testing.T) {
	assert.Nil(t, Tokens(""))
	assert.Equal(t, []string{"john", "smith"}, Tokens("john smith"))
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{"Greystar LLC", "  ", "Crème brûlée Co", "x́y", "ß Inc"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}
