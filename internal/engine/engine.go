// Package engine decides how a free-text query resolves against the
// canonical registry.
//
// A query is normalized, narrowed to candidates through the blocking index,
// scored, ranked and then classified against the tuned thresholds. Every
// classified query leaves a ResolutionEvent behind, including the ones that
// matched nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/metrics"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/pkg/types"
)

const tracerName = "github.com/scrypster/entityres/internal/engine"

// scoreEpsilon absorbs float noise when comparing score gaps to the margin.
const scoreEpsilon = 1e-9

// Kind classifies an outcome.
type Kind string

const (
	KindAutoResolved          Kind = "auto_resolved"
	KindResolvedWithNotice    Kind = "resolved_with_notice"
	KindClarificationRequired Kind = "clarification_required"
	KindNoMatch               Kind = "no_match"
)

// Request is one query to resolve.
type Request struct {
	Query         string
	TypeHint      *types.EntityType
	Signals       types.Signals
	CallerContext string
}

// Outcome is the decision for a Request. ClarificationRequired and NoMatch
// are successful outcomes, not errors.
type Outcome struct {
	Kind Kind `json:"outcome"`

	// EntityID and Score are set for the two resolved kinds.
	EntityID string  `json:"entity_id,omitempty"`
	Score    float64 `json:"score,omitempty"`

	// SessionID and Candidates are set for ClarificationRequired.
	SessionID  string                  `json:"session_id,omitempty"`
	Candidates []types.ScoredCandidate `json:"candidates,omitempty"`

	Event *types.ResolutionEvent `json:"event"`
}

// Resolved reports whether the outcome selected an entity.
func (o *Outcome) Resolved() bool {
	return o.Kind == KindAutoResolved || o.Kind == KindResolvedWithNotice
}

// Options wires an Engine. Registry and Sessions are required.
type Options struct {
	Registry *registry.Registry
	Sessions *clarify.Manager
	Tuning   *config.TuningSource
	Logger   logrus.FieldLogger
}

// Engine is safe for concurrent use.
type Engine struct {
	reg      *registry.Registry
	sessions *clarify.Manager
	tuning   *config.TuningSource
	log      logrus.FieldLogger
	tracer   trace.Tracer
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Sessions == nil {
		return nil, errors.New("engine: registry and sessions are required")
	}
	if opts.Tuning == nil {
		opts.Tuning = config.NewTuningSource(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		reg:      opts.Registry,
		sessions: opts.Sessions,
		tuning:   opts.Tuning,
		log:      opts.Logger.WithField("component", "engine"),
		tracer:   otel.Tracer(tracerName),
	}, nil
}

type scored struct {
	entity *types.CanonicalEntity
	score  float64
}

// Resolve classifies req. It fails with types.ErrInvalidEntityType for an
// unknown hint and types.ErrEmptyQuery for a query that normalizes to
// nothing; neither leaves an event behind.
func (g *Engine) Resolve(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "engine.Resolve",
		trace.WithAttributes(
			attribute.Int("query.length", len(req.Query)),
			attribute.String("caller_context", req.CallerContext),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("outcome", string(out.Kind)))
		}
		span.End()
	}()

	if req.TypeHint != nil && !req.TypeHint.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidEntityType, *req.TypeHint)
	}
	if err := req.Signals.Validate(); err != nil {
		return nil, err
	}
	normalized := g.reg.Normalizer().Normalize(req.Query)
	if normalized == "" {
		return nil, types.ErrEmptyQuery
	}

	tuning := g.tuning.Load()
	ranked, err := g.rank(ctx, normalized, req)
	if err != nil {
		return nil, err
	}

	ev := &types.ResolutionEvent{
		ID:              g.reg.NewID(),
		QueryText:       req.Query,
		NormalizedQuery: normalized,
		EntityTypeHint:  req.TypeHint,
		CallerContext:   req.CallerContext,
		Candidates:      make([]types.ScoredCandidate, len(ranked)),
	}
	for i, c := range ranked {
		ev.Candidates[i] = types.ScoredCandidate{EntityID: c.entity.ID, Score: c.score}
	}
	out = &Outcome{Event: ev}

	// opened is a session created by this call; it is abandoned if the
	// event cannot be stored, so a later resolve does not reuse it.
	var opened string
	offered := offer(ranked, tuning)
	switch kind := classify(offered, tuning); kind {
	case KindNoMatch:
		out.Kind = KindNoMatch
		ev.Method = types.MethodNoMatch

	case KindClarificationRequired:
		cands := make([]types.ScoredCandidate, len(offered))
		for i, c := range offered {
			cands[i] = types.ScoredCandidate{EntityID: c.entity.ID, Score: c.score}
		}
		s, created, err := g.sessions.Open(ctx, clarify.OpenRequest{
			QueryText:       req.Query,
			NormalizedQuery: normalized,
			CallerContext:   req.CallerContext,
			TypeHint:        req.TypeHint,
			Signals:         req.Signals,
			Candidates:      cands,
		})
		if err != nil {
			return nil, err
		}
		if created {
			opened = s.ID
		}
		out.Kind = KindClarificationRequired
		out.SessionID = s.ID
		out.Candidates = s.Candidates
		ev.Method = types.MethodClarificationRequested
		ev.SessionID = s.ID

	default:
		top := offered[0]
		out.Kind = kind
		out.EntityID = top.entity.ID
		out.Score = top.score
		ev.SelectedEntityID = top.entity.ID
		ev.Method = types.MethodAutoResolved
		if kind == KindResolvedWithNotice {
			ev.Method = types.MethodResolvedWithNotice
		}
	}

	ev.CreatedAt = g.reg.Now()
	if err := g.reg.Store().AppendEvent(ctx, ev); err != nil {
		if opened != "" {
			if _, aerr := g.sessions.Abandon(context.WithoutCancel(ctx), opened); aerr != nil {
				g.log.WithError(aerr).WithField("session_id", opened).Warn("failed to abandon session after event write failed")
			}
		}
		return nil, err
	}

	if out.Resolved() {
		if err := g.reg.Touch(ctx, out.EntityID, ev.CreatedAt); err != nil {
			g.log.WithError(err).WithField("entity_id", out.EntityID).Warn("failed to update last_seen_at")
		}
	}

	metrics.RecordResolution(string(out.Kind), time.Since(start), len(ranked))
	g.log.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"outcome":    out.Kind,
		"entity_id":  out.EntityID,
		"candidates": len(ranked),
	}).Debug("query resolved")
	return out, nil
}

// rank scores every active candidate and orders them by score, then
// confidence, then recency, then ID.
func (g *Engine) rank(ctx context.Context, normalized string, req Request) ([]scored, error) {
	scorer := g.reg.Scorer()
	ids := g.reg.Candidates(normalized, req.TypeHint)
	ranked := make([]scored, 0, len(ids))
	for _, id := range ids {
		e, err := g.reg.Get(ctx, id)
		if errors.Is(err, types.ErrEntityNotFound) {
			// The index is eventually consistent; skip stale postings.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !e.IsActive() || (req.TypeHint != nil && e.Type != *req.TypeHint) {
			continue
		}
		ranked = append(ranked, scored{entity: e, score: scorer.ScoreEntity(normalized, req.Signals, e).Score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })
	return ranked, nil
}

func less(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.entity.Confidence != b.entity.Confidence {
		return a.entity.Confidence > b.entity.Confidence
	}
	if !a.entity.LastSeenAt.Equal(b.entity.LastSeenAt) {
		return a.entity.LastSeenAt.After(b.entity.LastSeenAt)
	}
	return a.entity.ID < b.entity.ID
}

// offer keeps the top K candidates at or above the candidate floor.
func offer(ranked []scored, t *config.Tuning) []scored {
	out := make([]scored, 0, t.TopK)
	for _, c := range ranked {
		if len(out) == t.TopK {
			break
		}
		if c.score < t.MinCandidateScore {
			break
		}
		out = append(out, c)
	}
	return out
}

// classify applies the thresholds to the offered candidates. When a
// runner-up scores within the ambiguity margin of the leader the query
// needs a human regardless of how high the leader scored. Confidence never
// enters the decision.
func classify(offered []scored, t *config.Tuning) Kind {
	if len(offered) == 0 {
		return KindNoMatch
	}
	top := offered[0]
	if len(offered) > 1 && top.score-offered[1].score <= t.AmbiguityMargin+scoreEpsilon {
		return KindClarificationRequired
	}
	switch {
	case top.score >= t.AutoResolveThreshold:
		return KindAutoResolved
	case top.score >= t.TypeThreshold(top.entity.Type):
		return KindResolvedWithNotice
	}
	return KindClarificationRequired
}
