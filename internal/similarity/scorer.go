// Package similarity scores a normalized query against candidate names.
//
// The base score is Jaro-Winkler, which rewards shared prefixes and tolerates
// transpositions, the common shapes of abbreviated or misspelled business
// names. Auxiliary signals (web domain, e-mail host, phone number) can lift a
// score when both sides carry them and they agree; disagreement is weak
// evidence and never lowers a score.
package similarity

import (
	"math"

	"github.com/xrash/smetrics"

	"github.com/scrypster/entityres/internal/normalize"
	"github.com/scrypster/entityres/pkg/types"
)

const (
	// DefaultAuxBoost is added when auxiliary signals agree.
	DefaultAuxBoost = 0.15

	// DefaultPhoneRegion is used to parse phone numbers without a country code.
	DefaultPhoneRegion = "US"

	jwBoostThreshold = 0.7
	jwPrefixSize     = 4
)

// Config tunes a Scorer.
type Config struct {
	AuxBoost    float64
	PhoneRegion string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{AuxBoost: DefaultAuxBoost, PhoneRegion: DefaultPhoneRegion}
}

// Scorer is stateless apart from configuration and is safe for concurrent use.
type Scorer struct {
	cfg        Config
	normalizer *normalize.Normalizer
}

// NewScorer builds a Scorer. A nil normalizer selects the default one.
func NewScorer(cfg Config, n *normalize.Normalizer) *Scorer {
	if cfg.AuxBoost < 0 {
		cfg.AuxBoost = 0
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = DefaultPhoneRegion
	}
	if n == nil {
		n = normalize.New()
	}
	return &Scorer{cfg: cfg, normalizer: n}
}

// Base returns the Jaro-Winkler similarity of two normalized strings. The
// arguments are put in a fixed order first so Base(a, b) == Base(b, a) holds
// bit for bit.
func Base(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return clamp(smetrics.JaroWinkler(a, b, jwBoostThreshold, jwPrefixSize))
}

// Score compares normalized query and candidate strings, adding the aux boost
// when the signals agree. The result is in [0, 1].
func (s *Scorer) Score(query, candidate string, queryAux, candidateAux types.Signals) float64 {
	score := Base(query, candidate)
	if score >= 1.0 {
		return 1.0
	}
	if s.cfg.AuxBoost > 0 && s.AuxAgree(queryAux, candidateAux) {
		score += s.cfg.AuxBoost
	}
	return clamp(score)
}

// Match is the best-scoring name of an entity for a query.
type Match struct {
	Score float64
	Name  string
}

// ScoreEntity scores the query against the entity's canonical name and every
// alias and returns the best match.
func (s *Scorer) ScoreEntity(query string, queryAux types.Signals, e *types.CanonicalEntity) Match {
	best := Match{Score: s.Score(query, e.NormalizedName, queryAux, e.Metadata), Name: e.CanonicalName}
	for _, alias := range e.Aliases {
		if best.Score >= 1.0 {
			break
		}
		sc := s.Score(query, s.normalizer.Normalize(alias), queryAux, e.Metadata)
		if sc > best.Score {
			best = Match{Score: sc, Name: alias}
		}
	}
	return best
}

// AuxAgree reports whether both signal sets carry a comparable signal with
// an equal canonical value. It is symmetric.
func (s *Scorer) AuxAgree(a, b types.Signals) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if intersects(domainSet(a), domainSet(b)) {
		return true
	}
	pa := CanonicalPhone(a.Get(types.SignalPhone), s.cfg.PhoneRegion)
	pb := CanonicalPhone(b.Get(types.SignalPhone), s.cfg.PhoneRegion)
	return pa != "" && pa == pb
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
