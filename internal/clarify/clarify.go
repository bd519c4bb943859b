// Package clarify manages clarification sessions: short-lived records of an
// ambiguous resolution waiting for a human to pick a candidate.
//
// A session moves from open to exactly one of resolved, abandoned or
// expired. Expiry is applied lazily on access and eagerly by Sweep, so a
// late submission is rejected even if the janitor has not run yet.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/metrics"
	"github.com/scrypster/entityres/pkg/types"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultRetention = time.Hour
)

// Clock is the time source for deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Config tunes a Manager.
type Config struct {
	// TTL is how long a session stays open. Default: 5m
	TTL time.Duration

	// Retention is how long terminal sessions stay readable. Default: 1h
	Retention time.Duration
}

// OpenRequest describes the ambiguous resolution.
type OpenRequest struct {
	QueryText       string
	NormalizedQuery string
	CallerContext   string
	TypeHint        *types.EntityType
	Signals         types.Signals

	// Candidates are offered in order.
	Candidates []types.ScoredCandidate
}

// Choice is the caller's answer: one of the offered entities, or a request
// to register a new one.
type Choice struct {
	EntityID  string `json:"entity_id,omitempty"`
	NewEntity bool   `json:"new_entity,omitempty"`

	// EntityType types the new entity when the session carried no hint.
	EntityType *types.EntityType `json:"entity_type,omitempty"`
}

// Validate checks that exactly one alternative is set.
func (c Choice) Validate() error {
	if (c.EntityID == "") == !c.NewEntity {
		return fmt.Errorf("%w: choose either an entity_id or new_entity", types.ErrInvalidChoice)
	}
	if c.EntityType != nil {
		if !c.NewEntity {
			return fmt.Errorf("%w: entity_type only applies to new_entity", types.ErrInvalidChoice)
		}
		if !c.EntityType.Valid() {
			return fmt.Errorf("%w: %q", types.ErrInvalidEntityType, *c.EntityType)
		}
	}
	return nil
}

// Manager drives the session state machine over a Store.
type Manager struct {
	store Store
	clock Clock
	cfg   Config
	log   logrus.FieldLogger
	newID func() string
}

// NewManager returns a Manager. Nil clock and logger select defaults.
func NewManager(store Store, clock Clock, cfg Config, log logrus.FieldLogger) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store: store,
		clock: clock,
		cfg:   cfg,
		log:   log.WithField("component", "clarify"),
		newID: func() string { return uuid.New().String() },
	}
}

// Open creates a session, or returns the open one already waiting on the
// same normalized query in the same caller context.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*types.ClarificationSession, bool, error) {
	if len(req.Candidates) == 0 {
		return nil, false, fmt.Errorf("%w: a session needs candidates", types.ErrInvalidInput)
	}
	now := m.clock.Now()
	ids := make([]string, len(req.Candidates))
	for i, c := range req.Candidates {
		ids[i] = c.EntityID
	}
	s := &types.ClarificationSession{
		ID:                 m.newID(),
		QueryText:          req.QueryText,
		NormalizedQuery:    req.NormalizedQuery,
		CallerContext:      req.CallerContext,
		EntityTypeHint:     req.TypeHint,
		CandidateEntityIDs: ids,
		Candidates:         append([]types.ScoredCandidate(nil), req.Candidates...),
		Signals:            req.Signals.Clone(),
		State:              types.SessionOpen,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.cfg.TTL),
	}
	out, created, err := m.store.Create(ctx, sessionKey(req.NormalizedQuery, req.CallerContext), s, now)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.RecordSession(string(types.SessionOpen))
		m.log.WithFields(logrus.Fields{
			"session_id": out.ID,
			"query":      req.QueryText,
			"candidates": len(ids),
		}).Info("clarification session opened")
	}
	return out, created, nil
}

// Get returns the session, marking it expired first if its deadline passed.
func (m *Manager) Get(ctx context.Context, id string) (*types.ClarificationSession, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.ExpiredAt(m.clock.Now()) {
		return s, nil
	}
	s, _, err = m.expire(ctx, id)
	return s, err
}

// Submit resolves an open session with the caller's choice. A chosen entity
// must be one of the offered candidates; on InvalidChoice the session stays
// open so the caller can try again.
func (m *Manager) Submit(ctx context.Context, id string, choice Choice) (*types.ClarificationSession, error) {
	if err := choice.Validate(); err != nil {
		return nil, err
	}
	var expired bool
	s, err := m.store.Update(ctx, id, func(s *types.ClarificationSession) error {
		expired = false
		if s.State.Terminal() {
			return fmt.Errorf("%w: session %s is %s", types.ErrSessionAlreadyTerminal, s.ID, s.State)
		}
		now := m.clock.Now()
		if s.ExpiredAt(now) {
			closeSession(s, types.SessionExpired, now)
			expired = true
			return nil
		}
		if choice.EntityID != "" && !s.HasCandidate(choice.EntityID) {
			return fmt.Errorf("%w: %s was not offered in session %s", types.ErrInvalidChoice, choice.EntityID, s.ID)
		}
		if choice.NewEntity && choice.EntityType == nil && s.EntityTypeHint == nil {
			return fmt.Errorf("%w: session %s has no type hint; new_entity needs an entity_type", types.ErrInvalidChoice, s.ID)
		}
		closeSession(s, types.SessionResolved, now)
		s.SelectedEntityID = choice.EntityID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		metrics.RecordSession(string(types.SessionExpired))
		return nil, fmt.Errorf("%w: session %s expired", types.ErrSessionAlreadyTerminal, id)
	}
	metrics.RecordSession(string(types.SessionResolved))
	m.log.WithFields(logrus.Fields{
		"session_id": id,
		"entity_id":  s.SelectedEntityID,
		"new_entity": choice.NewEntity,
	}).Info("clarification session resolved")
	return s, nil
}

// Attach records the entity registered for a session resolved with a
// new-entity choice.
func (m *Manager) Attach(ctx context.Context, id, entityID string) (*types.ClarificationSession, error) {
	return m.store.Update(ctx, id, func(s *types.ClarificationSession) error {
		if s.State != types.SessionResolved || (s.SelectedEntityID != "" && s.SelectedEntityID != entityID) {
			return fmt.Errorf("%w: session %s cannot take entity %s", types.ErrInvalidChoice, id, entityID)
		}
		s.SelectedEntityID = entityID
		return nil
	})
}

// Abandon closes an open session without a choice.
func (m *Manager) Abandon(ctx context.Context, id string) (*types.ClarificationSession, error) {
	var expired bool
	s, err := m.store.Update(ctx, id, func(s *types.ClarificationSession) error {
		expired = false
		if s.State.Terminal() {
			return fmt.Errorf("%w: session %s is %s", types.ErrSessionAlreadyTerminal, s.ID, s.State)
		}
		now := m.clock.Now()
		if s.ExpiredAt(now) {
			closeSession(s, types.SessionExpired, now)
			expired = true
			return nil
		}
		closeSession(s, types.SessionAbandoned, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		metrics.RecordSession(string(types.SessionExpired))
		return nil, fmt.Errorf("%w: session %s expired", types.ErrSessionAlreadyTerminal, id)
	}
	metrics.RecordSession(string(types.SessionAbandoned))
	m.log.WithField("session_id", id).Info("clarification session abandoned")
	return s, nil
}

// Sweep expires every overdue open session and purges terminal sessions past
// retention. It returns the number expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	ids, err := m.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		_, changed, err := m.expire(ctx, id)
		switch {
		case errors.Is(err, types.ErrSessionNotFound):
			continue
		case err != nil:
			return expired, err
		case changed:
			expired++
		}
	}
	purged, err := m.store.Purge(ctx, now.Add(-m.cfg.Retention))
	if err != nil {
		return expired, err
	}
	if expired > 0 || purged > 0 {
		m.log.WithFields(logrus.Fields{"expired": expired, "purged": purged}).Debug("session sweep")
	}
	return expired, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

// expire closes the session as expired if it is still open and overdue, and
// returns its current state either way.
func (m *Manager) expire(ctx context.Context, id string) (*types.ClarificationSession, bool, error) {
	var changed bool
	s, err := m.store.Update(ctx, id, func(s *types.ClarificationSession) error {
		changed = false
		now := m.clock.Now()
		if !s.ExpiredAt(now) {
			return nil
		}
		closeSession(s, types.SessionExpired, now)
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.RecordSession(string(types.SessionExpired))
	}
	return s, changed, nil
}

func closeSession(s *types.ClarificationSession, state types.SessionState, at time.Time) {
	s.State = state
	s.ClosedAt = &at
}
