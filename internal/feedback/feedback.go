// Package feedback turns resolution outcomes into confidence, alias and
// source-binding updates on canonical entities.
//
// Every rule runs inside a registry mutation, so concurrent feedback on the
// same entity is serialised by the entity version. Confidence arithmetic is
// done in decimal and rounded to four places so repeated small deltas never
// accumulate binary drift (0.93 + 0.02 is 0.95, not 0.9500000000000001).
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/pkg/types"
)

// Outcome is the caller's verdict on a resolution event.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNewEntity Outcome = "new_entity"
)

// ParseOutcome accepts the wire names of Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeConfirmed, OutcomeRejected, OutcomeNewEntity:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", types.ErrInvalidFeedback, s)
}

// Reasons recorded on confidence changes.
const (
	ReasonConfirmed   = "confirmed"
	ReasonClarified   = "clarified"
	ReasonRepeatBonus = "repeat_confirmation"
	ReasonRejected    = "rejected"
	ReasonSourceBonus = "source_binding"
)

const scale = 4

// appliedWindow bounds CanonicalEntity.AppliedEvents. Replays of events
// older than the window are caught by the confidence audit trail.
const appliedWindow = 256

// Feedback is one outcome to apply.
type Feedback struct {
	Event   *types.ResolutionEvent
	Outcome Outcome

	// EntityType and Signals describe the entity created by
	// OutcomeNewEntity. EntityType defaults to the event's type hint.
	EntityType *types.EntityType
	Signals    types.Signals
}

// Result describes the entity after feedback was applied.
type Result struct {
	Entity *types.CanonicalEntity

	// Created is set when OutcomeNewEntity registered a fresh entity.
	Created bool

	// Changed is false when the feedback was a no-op.
	Changed bool
}

// Engine applies feedback through the registry.
type Engine struct {
	reg    *registry.Registry
	tuning *config.TuningSource
	log    logrus.FieldLogger
}

// New returns an Engine. A nil tuning source selects the defaults.
func New(reg *registry.Registry, tuning *config.TuningSource, log logrus.FieldLogger) *Engine {
	if tuning == nil {
		tuning = config.NewTuningSource(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{reg: reg, tuning: tuning, log: log.WithField("component", "feedback")}
}

// Apply dispatches on the outcome. Confirming or rejecting the same event
// twice is a no-op the second time, including when the two calls race: the
// event ID is recorded on the entity in the same versioned write as the
// confidence change.
func (g *Engine) Apply(ctx context.Context, fb Feedback) (*Result, error) {
	if fb.Event == nil {
		return nil, fmt.Errorf("%w: event is required", types.ErrInvalidFeedback)
	}
	switch fb.Outcome {
	case OutcomeConfirmed:
		return g.confirm(ctx, fb.Event)
	case OutcomeRejected:
		return g.reject(ctx, fb.Event)
	case OutcomeNewEntity:
		return g.newEntity(ctx, fb)
	}
	return nil, fmt.Errorf("%w: unknown outcome %q", types.ErrInvalidFeedback, fb.Outcome)
}

func (g *Engine) confirm(ctx context.Context, ev *types.ResolutionEvent) (*Result, error) {
	if ev.SelectedEntityID == "" {
		return nil, fmt.Errorf("%w: event %s selected no entity", types.ErrInvalidFeedback, ev.ID)
	}
	switch ev.Method {
	case types.MethodAutoResolved, types.MethodResolvedWithNotice:
		return g.confirmResolved(ctx, ev)
	case types.MethodUserClarified:
		return g.confirmClarified(ctx, ev)
	case types.MethodUserRegisteredNew:
		// The entity was created from this very query; there is nothing
		// left to learn.
		e, err := g.reg.Get(ctx, ev.SelectedEntityID)
		if err != nil {
			return nil, err
		}
		return &Result{Entity: e}, nil
	}
	return nil, fmt.Errorf("%w: cannot confirm a %s event", types.ErrInvalidFeedback, ev.Method)
}

func (g *Engine) confirmResolved(ctx context.Context, ev *types.ResolutionEvent) (*Result, error) {
	t := g.tuning.Load().Feedback
	if done, e, err := g.alreadyApplied(ctx, ev); err != nil || done {
		return &Result{Entity: e}, err
	}

	var before float64
	var dup bool
	e, err := g.reg.Mutate(ctx, ev.SelectedEntityID, func(e *types.CanonicalEntity) error {
		before = e.Confidence
		if dup = e.HasAppliedEvent(ev.ID); dup {
			return registry.ErrNoChange
		}
		registry.AddAlias(e, ev.QueryText, g.reg.Normalizer())
		e.Confidence = adjust(e.Confidence, t.ConfirmDelta, 0)
		e.MarkEventApplied(ev.ID, appliedWindow)
		return nil
	})
	if err != nil || dup {
		return &Result{Entity: e}, err
	}
	if err := g.reg.RecordChange(ctx, e.ID, ev.ID, ReasonConfirmed, before, e.Confidence); err != nil {
		return nil, err
	}
	g.logChange(ev, e, ReasonConfirmed, before)
	return &Result{Entity: e, Changed: true}, nil
}

func (g *Engine) confirmClarified(ctx context.Context, ev *types.ResolutionEvent) (*Result, error) {
	t := g.tuning.Load().Feedback
	if done, e, err := g.alreadyApplied(ctx, ev); err != nil || done {
		return &Result{Entity: e}, err
	}
	key := g.reg.Normalizer().Normalize(ev.QueryText)

	var before, mid float64
	var bonus, dup bool
	e, err := g.reg.Mutate(ctx, ev.SelectedEntityID, func(e *types.CanonicalEntity) error {
		before = e.Confidence
		bonus = false
		if dup = e.HasAppliedEvent(ev.ID); dup {
			return registry.ErrNoChange
		}
		registry.AddAlias(e, ev.QueryText, g.reg.Normalizer())
		e.Confidence = adjust(e.Confidence, t.ClarifyDelta, 0)
		mid = e.Confidence

		if key != "" {
			if e.AliasStats == nil {
				e.AliasStats = map[string]types.AliasStat{}
			}
			st := e.AliasStats[key]
			st.Confirmations++
			if st.Confirmations >= t.RepeatThreshold && !st.BonusApplied {
				st.BonusApplied = true
				e.Confidence = adjust(e.Confidence, t.RepeatBonus, 0)
				bonus = true
			}
			e.AliasStats[key] = st
		}
		e.MarkEventApplied(ev.ID, appliedWindow)
		return nil
	})
	if err != nil || dup {
		return &Result{Entity: e}, err
	}
	if err := g.reg.RecordChange(ctx, e.ID, ev.ID, ReasonClarified, before, mid); err != nil {
		return nil, err
	}
	if bonus {
		if err := g.reg.RecordChange(ctx, e.ID, ev.ID, ReasonRepeatBonus, mid, e.Confidence); err != nil {
			return nil, err
		}
	}
	g.logChange(ev, e, ReasonClarified, before)
	return &Result{Entity: e, Changed: true}, nil
}

func (g *Engine) reject(ctx context.Context, ev *types.ResolutionEvent) (*Result, error) {
	if ev.SelectedEntityID == "" {
		return nil, fmt.Errorf("%w: event %s selected no entity", types.ErrInvalidFeedback, ev.ID)
	}
	t := g.tuning.Load().Feedback
	if done, e, err := g.alreadyApplied(ctx, ev); err != nil || done {
		return &Result{Entity: e}, err
	}

	var before float64
	var dup bool
	e, err := g.reg.Mutate(ctx, ev.SelectedEntityID, func(e *types.CanonicalEntity) error {
		before = e.Confidence
		if dup = e.HasAppliedEvent(ev.ID); dup {
			return registry.ErrNoChange
		}
		// Feedback never lifts an overridden value up to the floor.
		if e.Confidence > t.ConfidenceFloor {
			e.Confidence = adjust(e.Confidence, -t.RejectDelta, t.ConfidenceFloor)
		}
		e.MarkEventApplied(ev.ID, appliedWindow)
		return nil
	})
	if err != nil || dup {
		return &Result{Entity: e}, err
	}
	if err := g.reg.RecordChange(ctx, e.ID, ev.ID, ReasonRejected, before, e.Confidence); err != nil {
		return nil, err
	}
	if e.Confidence != before {
		g.logChange(ev, e, ReasonRejected, before)
	}
	return &Result{Entity: e, Changed: e.Confidence != before}, nil
}

func (g *Engine) newEntity(ctx context.Context, fb Feedback) (*Result, error) {
	t := g.tuning.Load().Feedback
	typ := fb.EntityType
	if typ == nil {
		typ = fb.Event.EntityTypeHint
	}
	if typ == nil {
		return nil, fmt.Errorf("%w: new entity requires an entity type", types.ErrInvalidFeedback)
	}
	confidence := t.NewEntityConfidence
	res, err := g.reg.Register(ctx, registry.RegisterRequest{
		CanonicalName:      fb.Event.QueryText,
		Type:               *typ,
		Metadata:           fb.Signals,
		Confidence:         &confidence,
		DuplicateThreshold: t.DuplicateThreshold,
	})
	if err != nil {
		return nil, err
	}
	if !res.Created {
		g.log.WithFields(logrus.Fields{
			"event_id":  fb.Event.ID,
			"entity_id": res.Entity.ID,
			"query":     fb.Event.QueryText,
		}).Info("new entity request matched an existing entity")
	}
	return &Result{Entity: res.Entity, Created: res.Created, Changed: res.Created}, nil
}

// BindSource attaches a source-system identifier to an entity. The first
// binding from a system the entity has not seen before earns the
// cross-system bonus; re-keying an existing system does not.
func (g *Engine) BindSource(ctx context.Context, entityID string, b types.SourceBinding) (*Result, error) {
	b.System = strings.TrimSpace(b.System)
	b.SourceID = strings.TrimSpace(b.SourceID)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	t := g.tuning.Load().Feedback

	var before float64
	var newSystem, changed bool
	e, err := g.reg.Mutate(ctx, entityID, func(e *types.CanonicalEntity) error {
		before = e.Confidence
		cur, ok := e.SourceIDs[b.System]
		if ok && cur == b.SourceID {
			changed = false
			return registry.ErrNoChange
		}
		newSystem, changed = !ok, true
		if e.SourceIDs == nil {
			e.SourceIDs = map[string]string{}
		}
		e.SourceIDs[b.System] = b.SourceID
		if newSystem {
			e.Confidence = adjust(e.Confidence, t.SourceBonus, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{Entity: e}, nil
	}
	if err := g.reg.RecordChange(ctx, e.ID, "", ReasonSourceBonus, before, e.Confidence); err != nil {
		return nil, err
	}
	g.log.WithFields(logrus.Fields{
		"entity_id":  e.ID,
		"system":     b.System,
		"source_id":  b.SourceID,
		"new_system": newSystem,
	}).Info("source bound")
	return &Result{Entity: e, Changed: true}, nil
}

// alreadyApplied reports whether a confidence change was already recorded
// for the event, returning the current entity if so. It only covers events
// that moved confidence; the applied-event list checked inside each
// mutation is what makes feedback idempotent.
func (g *Engine) alreadyApplied(ctx context.Context, ev *types.ResolutionEvent) (bool, *types.CanonicalEntity, error) {
	changes, err := g.reg.Changes(ctx, ev.SelectedEntityID)
	if err != nil {
		return false, nil, err
	}
	for _, c := range changes {
		if c.EventID != ev.ID {
			continue
		}
		e, err := g.reg.Get(ctx, ev.SelectedEntityID)
		if err != nil {
			return false, nil, err
		}
		return true, e, nil
	}
	return false, nil, nil
}

func (g *Engine) logChange(ev *types.ResolutionEvent, e *types.CanonicalEntity, reason string, before float64) {
	g.log.WithFields(logrus.Fields{
		"event_id":  ev.ID,
		"entity_id": e.ID,
		"reason":    reason,
		"before":    before,
		"after":     e.Confidence,
	}).Debug("confidence updated")
}

// adjust adds delta to c in decimal, rounds to four places and clamps the
// result to [floor, 1].
func adjust(c, delta, floor float64) float64 {
	v := decimal.NewFromFloat(c).Add(decimal.NewFromFloat(delta)).Round(scale)
	if lo := decimal.NewFromFloat(floor); v.LessThan(lo) {
		v = lo
	}
	if one := decimal.NewFromInt(1); v.GreaterThan(one) {
		v = one
	}
	return v.InexactFloat64()
}
