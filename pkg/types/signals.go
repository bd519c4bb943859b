package types

import (
	"fmt"
	"sort"
)

// SignalKey names an auxiliary signal. Only the keys below are recognised;
// each belongs to one matching capability.
type SignalKey string

const (
	// Domain-class signals. Any two domain-class values that canonicalise to
	// the same host count as agreement.
	SignalDomain      SignalKey = "domain"
	SignalEmailDomain SignalKey = "email_domain"
	SignalEmail       SignalKey = "email"

	// Phone numbers, compared after E.164 canonicalisation.
	SignalPhone SignalKey = "phone"

	// Location is stored for callers and analytics; it never boosts a score.
	SignalLocation SignalKey = "location"
)

var knownSignals = map[SignalKey]bool{
	SignalDomain:      true,
	SignalEmailDomain: true,
	SignalEmail:       true,
	SignalPhone:       true,
	SignalLocation:    true,
}

// IsKnownSignal reports whether k is a recognised signal key.
func IsKnownSignal(k SignalKey) bool {
	return knownSignals[k]
}

// Signals is the tagged auxiliary-signal map carried by queries and stored as
// entity metadata.
type Signals map[SignalKey]string

// Validate rejects keys outside the recognised set.
func (s Signals) Validate() error {
	var unknown []string
	for k := range s {
		if !knownSignals[k] {
			unknown = append(unknown, string(k))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %v", ErrUnknownSignal, unknown)
	}
	return nil
}

// Get returns the value for k, or "" when absent.
func (s Signals) Get(k SignalKey) string {
	if s == nil {
		return ""
	}
	return s[k]
}

// Clone returns an independent copy (nil stays nil).
func (s Signals) Clone() Signals {
	if s == nil {
		return nil
	}
	c := make(Signals, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Merge returns a copy of s overlaid with other. Empty values in other delete
// the key.
func (s Signals) Merge(other Signals) Signals {
	out := s.Clone()
	if out == nil {
		out = Signals{}
	}
	for k, v := range other {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
