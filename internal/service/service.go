// Package service is the boundary of the resolution core. It wires the
// decision engine, clarification sessions, feedback and the registry
// together and publishes every persisted resolution event.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/engine"
	"github.com/scrypster/entityres/internal/feedback"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

const tracerName = "github.com/scrypster/entityres/internal/service"

// Publisher receives every persisted resolution event.
type Publisher interface {
	Publish(ctx context.Context, ev *types.ResolutionEvent) error
}

// Options wires a Service. All but Publisher and Logger are required.
type Options struct {
	Registry  *registry.Registry
	Engine    *engine.Engine
	Sessions  *clarify.Manager
	Feedback  *feedback.Engine
	Publisher Publisher
	Logger    logrus.FieldLogger
}

// Service implements the boundary operations.
type Service struct {
	reg       *registry.Registry
	engine    *engine.Engine
	sessions  *clarify.Manager
	feedback  *feedback.Engine
	publisher Publisher
	log       logrus.FieldLogger
	tracer    trace.Tracer
	reindex   singleflight.Group
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Engine == nil || opts.Sessions == nil || opts.Feedback == nil {
		return nil, errors.New("service: registry, engine, sessions and feedback are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		reg:       opts.Registry,
		engine:    opts.Engine,
		sessions:  opts.Sessions,
		feedback:  opts.Feedback,
		publisher: opts.Publisher,
		log:       opts.Logger.WithField("component", "service"),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

// publish fans an event out. Failures are logged by the publisher and
// never fail the operation that produced the event.
func (s *Service) publish(ctx context.Context, ev *types.ResolutionEvent) {
	if s.publisher == nil || ev == nil {
		return
	}
	_ = s.publisher.Publish(ctx, ev)
}

// ResolveRequest is the boundary form of a resolution request.
type ResolveRequest struct {
	Query         string        `json:"query_text"`
	EntityType    string        `json:"entity_type,omitempty"`
	Signals       types.Signals `json:"aux_signals,omitempty"`
	CallerContext string        `json:"caller_context,omitempty"`
}

// Resolve classifies a query. Clarification and no-match are returned as
// outcomes, not errors.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (out *engine.Outcome, err error) {
	ctx, end := s.span(ctx, "Resolve", attribute.String("entity_type", req.EntityType))
	defer end(&err)

	var hint *types.EntityType
	if strings.TrimSpace(req.EntityType) != "" {
		t, err := types.ParseEntityType(req.EntityType)
		if err != nil {
			return nil, err
		}
		hint = &t
	}
	out, err = s.engine.Resolve(ctx, engine.Request{
		Query:         req.Query,
		TypeHint:      hint,
		Signals:       req.Signals,
		CallerContext: req.CallerContext,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out.Event)
	return out, nil
}

// SubmitClarification resolves a session with the caller's choice, records
// a user-confirmed event and applies the clarification feedback. Picking a
// candidate that was not offered fails with types.ErrInvalidChoice and
// changes nothing.
func (s *Service) SubmitClarification(ctx context.Context, sessionID string, choice clarify.Choice) (ev *types.ResolutionEvent, err error) {
	ctx, end := s.span(ctx, "SubmitClarification", attribute.String("session_id", sessionID))
	defer end(&err)

	sess, err := s.sessions.Submit(ctx, sessionID, choice)
	if err != nil {
		return nil, err
	}
	ev = &types.ResolutionEvent{
		ID:              s.reg.NewID(),
		QueryText:       sess.QueryText,
		NormalizedQuery: sess.NormalizedQuery,
		EntityTypeHint:  sess.EntityTypeHint,
		CallerContext:   sess.CallerContext,
		Candidates:      sess.Candidates,
		SessionID:       sess.ID,
		UserConfirmed:   true,
	}

	if choice.NewEntity {
		ev.Method = types.MethodUserRegisteredNew
		res, err := s.feedback.Apply(ctx, feedback.Feedback{
			Event:      ev,
			Outcome:    feedback.OutcomeNewEntity,
			EntityType: choice.EntityType,
			Signals:    sess.Signals,
		})
		if err != nil {
			return nil, err
		}
		ev.SelectedEntityID = res.Entity.ID
		if _, err := s.sessions.Attach(ctx, sess.ID, res.Entity.ID); err != nil {
			return nil, err
		}
		if err := s.appendEvent(ctx, ev); err != nil {
			return nil, err
		}
	} else {
		ev.Method = types.MethodUserClarified
		ev.SelectedEntityID = choice.EntityID
		if err := s.appendEvent(ctx, ev); err != nil {
			return nil, err
		}
		if _, err := s.feedback.Apply(ctx, feedback.Feedback{Event: ev, Outcome: feedback.OutcomeConfirmed}); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, ev)
	return ev, nil
}

// AbandonClarification closes a session without a choice.
func (s *Service) AbandonClarification(ctx context.Context, sessionID string) (*types.ClarificationSession, error) {
	return s.sessions.Abandon(ctx, sessionID)
}

// GetSession returns a clarification session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*types.ClarificationSession, error) {
	return s.sessions.Get(ctx, sessionID)
}

// RegisterRequest is the administrative registration input.
type RegisterRequest struct {
	CanonicalName string               `json:"canonical_name"`
	EntityType    string               `json:"entity_type"`
	Binding       *types.SourceBinding `json:"source_binding,omitempty"`
	Aliases       []string             `json:"aliases,omitempty"`
	Metadata      types.Signals        `json:"metadata,omitempty"`
	Confidence    *float64             `json:"confidence,omitempty"`
}

// RegisterEntity creates an entity, bypassing scoring. An entity with an
// identical normalized name and type is returned instead of a duplicate; if
// the request carries a binding for a system that entity lacks, the binding
// is attached through the feedback engine.
func (s *Service) RegisterEntity(ctx context.Context, req RegisterRequest) (e *types.CanonicalEntity, created bool, err error) {
	ctx, end := s.span(ctx, "RegisterEntity", attribute.String("entity_type", req.EntityType))
	defer end(&err)

	typ, err := types.ParseEntityType(req.EntityType)
	if err != nil {
		return nil, false, err
	}
	res, err := s.reg.Register(ctx, registry.RegisterRequest{
		CanonicalName: req.CanonicalName,
		Type:          typ,
		Binding:       req.Binding,
		Metadata:      req.Metadata,
		Aliases:       req.Aliases,
		Confidence:    req.Confidence,
	})
	if err != nil {
		return nil, false, err
	}
	if res.Created || req.Binding == nil {
		return res.Entity, res.Created, nil
	}

	b := *req.Binding
	switch cur, ok := res.Entity.SourceIDs[b.System]; {
	case ok && cur == b.SourceID:
		return res.Entity, false, nil
	case ok:
		return nil, false, fmt.Errorf("%w: entity %s is already bound to %s/%s", types.ErrDuplicateSourceBinding, res.Entity.ID, b.System, cur)
	}
	bound, err := s.feedback.BindSource(ctx, res.Entity.ID, b)
	if err != nil {
		return nil, false, err
	}
	return bound.Entity, false, nil
}

// RecordFeedback applies an outcome to a stored event. A new-entity outcome
// also records a user_registered_new event for the created entity.
func (s *Service) RecordFeedback(ctx context.Context, eventID string, outcome feedback.Outcome, entityType *types.EntityType) (res *feedback.Result, err error) {
	ctx, end := s.span(ctx, "RecordFeedback",
		attribute.String("event_id", eventID),
		attribute.String("outcome", string(outcome)),
	)
	defer end(&err)

	ev, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	fb := feedback.Feedback{Event: ev, Outcome: outcome, EntityType: entityType}
	if outcome == feedback.OutcomeNewEntity && ev.SessionID != "" {
		if sess, err := s.sessions.Get(ctx, ev.SessionID); err == nil {
			fb.Signals = sess.Signals
		}
	}
	res, err = s.feedback.Apply(ctx, fb)
	if err != nil {
		return nil, err
	}

	if outcome == feedback.OutcomeNewEntity {
		follow := &types.ResolutionEvent{
			ID:               s.reg.NewID(),
			QueryText:        ev.QueryText,
			NormalizedQuery:  ev.NormalizedQuery,
			EntityTypeHint:   ev.EntityTypeHint,
			CallerContext:    ev.CallerContext,
			Candidates:       ev.Candidates,
			SelectedEntityID: res.Entity.ID,
			Method:           types.MethodUserRegisteredNew,
			SessionID:        ev.SessionID,
			UserConfirmed:    true,
		}
		if err := s.appendEvent(ctx, follow); err != nil {
			return nil, err
		}
		s.publish(ctx, follow)
	}
	return res, nil
}

// BindSource attaches a source-system identifier to an entity.
func (s *Service) BindSource(ctx context.Context, entityID string, b types.SourceBinding) (*types.CanonicalEntity, error) {
	res, err := s.feedback.BindSource(ctx, entityID, b)
	if err != nil {
		return nil, err
	}
	return res.Entity, nil
}

// GetEntity returns an entity, archived or not.
func (s *Service) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	return s.reg.Get(ctx, id)
}

// FindBySource returns the entity bound to a source pair.
func (s *Service) FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error) {
	return s.reg.FindBySource(ctx, b)
}

// ListAmbiguous returns active entities with confidence below the
// threshold, least confident first.
func (s *Service) ListAmbiguous(ctx context.Context, below float64, limit int) ([]*types.CanonicalEntity, error) {
	return s.reg.ListAmbiguous(ctx, below, limit)
}

// ArchiveEntity removes an entity from resolution. Its events stay readable.
func (s *Service) ArchiveEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	return s.reg.Archive(ctx, id)
}

// RenameEntity corrects an entity's canonical name.
func (s *Service) RenameEntity(ctx context.Context, id, name string) (*types.CanonicalEntity, error) {
	return s.reg.Rename(ctx, id, name)
}

// OverrideConfidence sets confidence administratively.
func (s *Service) OverrideConfidence(ctx context.Context, id string, value float64, reason string) (*types.CanonicalEntity, error) {
	return s.reg.OverrideConfidence(ctx, id, value, reason)
}

// ConfidenceHistory returns the audit trail of an entity's confidence.
func (s *Service) ConfidenceHistory(ctx context.Context, id string) ([]*types.ConfidenceChange, error) {
	if _, err := s.reg.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.reg.Changes(ctx, id)
}

// EntityEvents returns the newest events that selected the entity.
func (s *Service) EntityEvents(ctx context.Context, id string, limit int) ([]*types.ResolutionEvent, error) {
	if _, err := s.reg.Get(ctx, id); err != nil {
		return nil, err
	}
	evs, err := s.reg.Store().ListEventsByEntity(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	return evs, nil
}

// GetEvent returns a stored resolution event.
func (s *Service) GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error) {
	ev, err := s.reg.Store().GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrEventNotFound, id)
	}
	return ev, err
}

// Reindex rebuilds the candidate index. Concurrent calls share one rebuild.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	v, err, shared := s.reindex.Do("reindex", func() (any, error) {
		return s.reg.Reindex(ctx)
	})
	if err != nil {
		return 0, err
	}
	if shared {
		s.log.Debug("reindex request joined an in-flight rebuild")
	}
	return v.(int), nil
}

// RefreshIndex reloads the entity ev selected into the candidate index.
// serve applies it to events recorded by other processes.
func (s *Service) RefreshIndex(ctx context.Context, ev *types.ResolutionEvent) error {
	if ev == nil || ev.SelectedEntityID == "" {
		return nil
	}
	return s.reg.Refresh(ctx, ev.SelectedEntityID)
}

func (s *Service) appendEvent(ctx context.Context, ev *types.ResolutionEvent) error {
	ev.CreatedAt = s.reg.Now()
	return s.reg.Store().AppendEvent(ctx, ev)
}
