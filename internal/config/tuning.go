package config

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/entityres/pkg/types"
)

// Tuning holds the empirically tuned matching and learning parameters.
// All values are defaults that a YAML file may override.
type Tuning struct {
	// AutoResolveThreshold applies to every entity type.
	AutoResolveThreshold float64 `yaml:"auto_resolve_threshold"`

	// TypeThresholds is the per-type resolve-with-notice threshold.
	TypeThresholds map[types.EntityType]float64 `yaml:"type_thresholds"`

	// TopK caps the candidates offered in a clarification session.
	TopK int `yaml:"top_k"`

	// MinCandidateScore is the floor under which candidates are recorded in
	// the event but never offered for clarification.
	MinCandidateScore float64 `yaml:"min_candidate_score"`

	// AmbiguityMargin forces clarification when a second offered
	// candidate scores within this distance of the top one.
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`

	// AuxBoost is added when auxiliary signals agree.
	AuxBoost float64 `yaml:"aux_boost"`

	// PhoneRegion is the default region for phone canonicalisation.
	PhoneRegion string `yaml:"phone_region"`

	// MaxCandidates bounds the index blocking step.
	MaxCandidates int `yaml:"max_candidates"`

	Feedback FeedbackTuning `yaml:"feedback"`
}

// FeedbackTuning holds the confidence-learning parameters.
type FeedbackTuning struct {
	ConfirmDelta         float64 `yaml:"confirm_delta"`
	ClarifyDelta         float64 `yaml:"clarify_delta"`
	RepeatBonus          float64 `yaml:"repeat_bonus"`
	RepeatThreshold      int     `yaml:"repeat_threshold"`
	SourceBonus          float64 `yaml:"source_bonus"`
	RejectDelta          float64 `yaml:"reject_delta"`
	ConfidenceFloor      float64 `yaml:"confidence_floor"`
	NewEntityConfidence  float64 `yaml:"new_entity_confidence"`
	RegisteredConfidence float64 `yaml:"registered_confidence"`
	DuplicateThreshold   float64 `yaml:"duplicate_threshold"`
	MaxMutationAttempts  int     `yaml:"max_mutation_attempts"`
}

// DefaultTuning returns the documented defaults.
func DefaultTuning() *Tuning {
	return &Tuning{
		AutoResolveThreshold: 0.90,
		TypeThresholds: map[types.EntityType]float64{
			types.EntityTypePerson:   0.85,
			types.EntityTypeCompany:  0.75,
			types.EntityTypeProperty: 0.70,
			types.EntityTypeCustomer: 0.80,
		},
		TopK:              5,
		MinCandidateScore: 0.50,
		AmbiguityMargin:   0.02,
		AuxBoost:          0.15,
		PhoneRegion:       "US",
		MaxCandidates:     200,
		Feedback: FeedbackTuning{
			ConfirmDelta:         0.02,
			ClarifyDelta:         0.05,
			RepeatBonus:          0.10,
			RepeatThreshold:      3,
			SourceBonus:          0.03,
			RejectDelta:          0.05,
			ConfidenceFloor:      0.10,
			NewEntityConfidence:  0.60,
			RegisteredConfidence: 0.80,
			DuplicateThreshold:   0.95,
			MaxMutationAttempts:  3,
		},
	}
}

// TypeThreshold returns the notice threshold for t. Types missing from the
// map fall back to AutoResolveThreshold, so they can only auto-resolve.
func (t *Tuning) TypeThreshold(et types.EntityType) float64 {
	if v, ok := t.TypeThresholds[et]; ok {
		return v
	}
	return t.AutoResolveThreshold
}

// Validate rejects settings that would break the decision rules.
func (t *Tuning) Validate() error {
	var errs []error
	inUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	inUnit("auto_resolve_threshold", t.AutoResolveThreshold)
	inUnit("min_candidate_score", t.MinCandidateScore)
	inUnit("ambiguity_margin", t.AmbiguityMargin)
	inUnit("aux_boost", t.AuxBoost)
	for et, v := range t.TypeThresholds {
		if !et.Valid() {
			errs = append(errs, fmt.Errorf("type_thresholds: %w: %q", types.ErrInvalidEntityType, et))
			continue
		}
		inUnit("type_thresholds."+string(et), v)
		if v > t.AutoResolveThreshold {
			errs = append(errs, fmt.Errorf("type_thresholds.%s (%v) exceeds auto_resolve_threshold (%v)", et, v, t.AutoResolveThreshold))
		}
	}
	if t.TopK < 1 {
		errs = append(errs, fmt.Errorf("top_k must be at least 1, got %d", t.TopK))
	}
	if t.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("max_candidates must be at least 1, got %d", t.MaxCandidates))
	}

	f := t.Feedback
	inUnit("feedback.confidence_floor", f.ConfidenceFloor)
	inUnit("feedback.new_entity_confidence", f.NewEntityConfidence)
	inUnit("feedback.registered_confidence", f.RegisteredConfidence)
	inUnit("feedback.duplicate_threshold", f.DuplicateThreshold)
	for name, v := range map[string]float64{
		"feedback.confirm_delta": f.ConfirmDelta,
		"feedback.clarify_delta": f.ClarifyDelta,
		"feedback.repeat_bonus":  f.RepeatBonus,
		"feedback.source_bonus":  f.SourceBonus,
		"feedback.reject_delta":  f.RejectDelta,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if f.RepeatThreshold < 1 {
		errs = append(errs, fmt.Errorf("feedback.repeat_threshold must be at least 1, got %d", f.RepeatThreshold))
	}
	if f.MaxMutationAttempts < 1 {
		errs = append(errs, fmt.Errorf("feedback.max_mutation_attempts must be at least 1, got %d", f.MaxMutationAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid tuning: %w", errors.Join(errs...))
	}
	return nil
}

// LoadTuning reads a YAML file over DefaultTuning. Keys absent from the file
// keep their defaults; type_thresholds entries are merged per type.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tuning file: %w", err)
	}

	defaults := t.TypeThresholds
	t.TypeThresholds = nil
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("config: parse tuning file %s: %w", path, err)
	}
	merged := make(map[types.EntityType]float64, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range t.TypeThresholds {
		merged[k] = v
	}
	t.TypeThresholds = merged

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// TuningSource hands out the current Tuning. Readers get an immutable
// snapshot; Store swaps it atomically.
type TuningSource struct {
	v atomic.Pointer[Tuning]
}

// NewTuningSource starts with t, or DefaultTuning when t is nil.
func NewTuningSource(t *Tuning) *TuningSource {
	if t == nil {
		t = DefaultTuning()
	}
	s := &TuningSource{}
	s.v.Store(t)
	return s
}

// Load returns the current snapshot. Callers must not mutate it.
func (s *TuningSource) Load() *Tuning {
	return s.v.Load()
}

// Store replaces the snapshot after validating it.
func (s *TuningSource) Store(t *Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.v.Store(t)
	return nil
}
