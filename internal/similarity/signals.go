package similarity

import (
	"strings"
	"unicode"

	"github.com/ttacon/libphonenumber"

	"github.com/scrypster/entityres/pkg/types"
)

// CanonicalDomain lower-cases a host and strips scheme, path, port, a
// leading "www." and a trailing dot. An e-mail address yields its host.
func CanonicalDomain(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if i := strings.LastIndex(v, "@"); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.Index(v, "://"); i >= 0 {
		v = v[i+3:]
	}
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	if i := strings.LastIndex(v, ":"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "www.")
	return strings.TrimSuffix(v, ".")
}

// CanonicalPhone formats a phone number as E.164. Numbers libphonenumber
// cannot parse fall back to their digits when at least seven are present.
func CanonicalPhone(v, region string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if num, err := libphonenumber.Parse(v, region); err == nil {
		return libphonenumber.Format(num, libphonenumber.E164)
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, v)
	if len(digits) < 7 {
		return ""
	}
	return digits
}

// domainSet gathers every domain-class signal in canonical form.
func domainSet(s types.Signals) map[string]struct{} {
	out := make(map[string]struct{}, 3)
	for _, k := range []types.SignalKey{types.SignalDomain, types.SignalEmailDomain, types.SignalEmail} {
		if d := CanonicalDomain(s.Get(k)); d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}
