// Package registry is the service layer over the canonical entity store.
//
// Every mutation is a read-modify-write guarded by the entity version: the
// store accepts the write only if the version is unchanged, and a lost race
// is retried from a fresh read a bounded number of times. Registration adds
// a per-type lock around "look for a near-duplicate, then insert" so that two
// callers registering the same real-world entity at once end up with one
// record. The candidate index is updated after each successful write and is
// local to the process; Refresh and RunReindex bring in writes made by
// other processes sharing the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/index"
	"github.com/scrypster/entityres/internal/lock"
	"github.com/scrypster/entityres/internal/metrics"
	"github.com/scrypster/entityres/internal/normalize"
	"github.com/scrypster/entityres/internal/similarity"
	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// ErrNoChange may be returned by a Mutate callback to skip the write.
var ErrNoChange = errors.New("no change")

// Options wires a Registry. Store and Index are required.
type Options struct {
	Store      storage.Store
	Index      *index.Index
	Normalizer *normalize.Normalizer
	Locker     lock.Locker
	Tuning     *config.TuningSource
	Logger     logrus.FieldLogger

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// Registry owns canonical entity state.
type Registry struct {
	store      storage.Store
	index      *index.Index
	normalizer *normalize.Normalizer
	locker     lock.Locker
	tuning     *config.TuningSource
	log        logrus.FieldLogger
	now        func() time.Time
	newID      func() string
}

// New builds a Registry, filling optional collaborators with defaults.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	if opts.Index == nil {
		return nil, errors.New("registry: index is required")
	}
	r := &Registry{
		store:      opts.Store,
		index:      opts.Index,
		normalizer: opts.Normalizer,
		locker:     opts.Locker,
		tuning:     opts.Tuning,
		log:        opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if r.normalizer == nil {
		r.normalizer = normalize.New()
	}
	if r.locker == nil {
		r.locker = lock.NewLocal()
	}
	if r.tuning == nil {
		r.tuning = config.NewTuningSource(nil)
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	r.log = r.log.WithField("component", "registry")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	return r, nil
}

// Normalizer returns the normalizer used for names and aliases.
func (r *Registry) Normalizer() *normalize.Normalizer { return r.normalizer }

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.now() }

// NewID returns a fresh identifier.
func (r *Registry) NewID() string { return r.newID() }

// Store exposes the underlying store for the event and audit trails.
func (r *Registry) Store() storage.Store { return r.store }

// mapErr translates storage sentinels into the public taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", types.ErrEntityNotFound, err)
	case errors.Is(err, storage.ErrDuplicateBinding):
		return fmt.Errorf("%w: %v", types.ErrDuplicateSourceBinding, err)
	case errors.Is(err, storage.ErrInvalidInput):
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	return err
}

// Get returns the entity, archived or not.
func (r *Registry) Get(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	e, err := r.store.GetEntity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrEntityNotFound, id)
	}
	return e, mapErr(err)
}

// FindBySource returns the entity bound to a source pair.
func (r *Registry) FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error) {
	e, err := r.store.FindBySource(ctx, b)
	return e, mapErr(err)
}

// ListAmbiguous returns active entities with confidence strictly below the
// threshold, least confident first.
func (r *Registry) ListAmbiguous(ctx context.Context, below float64, limit int) ([]*types.CanonicalEntity, error) {
	if math.IsNaN(below) || below < 0 || below > 1 {
		return nil, fmt.Errorf("%w: confidence_below must be within [0,1]", types.ErrInvalidInput)
	}
	es, err := r.store.ListEntities(ctx, storage.ListOptions{ConfidenceBelow: &below, Limit: limit})
	return es, mapErr(err)
}

// Mutate applies fn to a fresh copy of the entity and writes it back with a
// version check, retrying on conflict. After the configured number of
// attempts it fails with types.ErrConcurrentModification. fn may run more
// than once and must only touch the entity it is given.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(e *types.CanonicalEntity) error) (*types.CanonicalEntity, error) {
	attempts := r.tuning.Load().Feedback.MaxMutationAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := cur.Version
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.UpdatedAt = r.now()

		err = r.store.UpdateEntity(ctx, next, expected)
		if err == nil {
			r.index.Upsert(next)
			return next, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, mapErr(err)
		}
		metrics.RecordCASConflict()
		r.log.WithFields(logrus.Fields{"entity_id": id, "attempt": attempt}).Debug("version conflict, retrying")
	}
	return nil, fmt.Errorf("%w: entity %s after %d attempts", types.ErrConcurrentModification, id, attempts)
}

// RecordChange appends a confidence audit record when before != after.
func (r *Registry) RecordChange(ctx context.Context, entityID, eventID, reason string, before, after float64) error {
	if before == after {
		return nil
	}
	err := r.store.AppendConfidenceChange(ctx, &types.ConfidenceChange{
		ID:        r.newID(),
		EntityID:  entityID,
		EventID:   eventID,
		Reason:    reason,
		Delta:     after - before,
		Before:    before,
		After:     after,
		CreatedAt: r.now(),
	})
	if err != nil {
		return mapErr(err)
	}
	metrics.RecordFeedback(reason)
	return nil
}

// Changes returns the confidence audit trail of an entity.
func (r *Registry) Changes(ctx context.Context, id string) ([]*types.ConfidenceChange, error) {
	cs, err := r.store.ListConfidenceChanges(ctx, id)
	return cs, mapErr(err)
}

// Touch advances LastSeenAt. Older timestamps are ignored.
func (r *Registry) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.Mutate(ctx, id, func(e *types.CanonicalEntity) error {
		if !at.After(e.LastSeenAt) {
			return ErrNoChange
		}
		e.LastSeenAt = at
		return nil
	})
	return err
}

// Archive flags the entity archived and drops it from the index. Archiving
// twice is a no-op.
func (r *Registry) Archive(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	e, err := r.Mutate(ctx, id, func(e *types.CanonicalEntity) error {
		if e.Status == types.StatusArchived {
			return ErrNoChange
		}
		e.Status = types.StatusArchived
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.index.Remove(id)
	return e, nil
}

// Rename sets a new canonical name. The normalized name is recomputed and
// the new name is added to the aliases; old aliases are kept so past
// spellings still resolve.
func (r *Registry) Rename(ctx context.Context, id, name string) (*types.CanonicalEntity, error) {
	name = strings.TrimSpace(name)
	normalized := r.normalizer.Normalize(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: canonical name is empty after normalization", types.ErrInvalidInput)
	}
	return r.Mutate(ctx, id, func(e *types.CanonicalEntity) error {
		if e.CanonicalName == name {
			return ErrNoChange
		}
		e.CanonicalName = name
		e.NormalizedName = normalized
		AddAlias(e, name, r.normalizer)
		return nil
	})
}

// OverrideConfidence sets confidence directly. It is the only path that may
// go below the feedback floor.
func (r *Registry) OverrideConfidence(ctx context.Context, id string, value float64, reason string) (*types.CanonicalEntity, error) {
	if math.IsNaN(value) || value < 0 || value > 1 {
		return nil, fmt.Errorf("%w: confidence must be within [0,1]", types.ErrInvalidInput)
	}
	if reason == "" {
		reason = "admin_override"
	}
	var before float64
	e, err := r.Mutate(ctx, id, func(e *types.CanonicalEntity) error {
		before = e.Confidence
		if e.Confidence == value {
			return ErrNoChange
		}
		e.Confidence = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.RecordChange(ctx, id, "", reason, before, e.Confidence); err != nil {
		return nil, err
	}
	return e, nil
}

// Reindex rebuilds the candidate index from every active entity.
func (r *Registry) Reindex(ctx context.Context) (int, error) {
	es, err := r.store.ListEntities(ctx, storage.ListOptions{})
	if err != nil {
		return 0, mapErr(err)
	}
	r.index.Rebuild(es)
	n := r.index.Len()
	metrics.SetIndexSize(n)
	r.log.WithField("entities", n).Info("candidate index rebuilt")
	return n, nil
}

// Refresh reloads one entity into the index, dropping it when it is
// archived or no longer exists.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	e, err := r.store.GetEntity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		r.index.Remove(id)
		metrics.SetIndexSize(r.index.Len())
		return nil
	}
	if err != nil {
		return mapErr(err)
	}
	r.index.Upsert(e)
	metrics.SetIndexSize(r.index.Len())
	return nil
}

// RunReindex rebuilds the index every interval until ctx is done, picking
// up entities written by other processes sharing the store. It returns nil
// on cancellation.
func (r *Registry) RunReindex(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reindex(ctx); err != nil {
				r.log.WithError(err).Warn("periodic reindex failed")
			}
		}
	}
}

// Candidates exposes the index lookup to the decision engine.
func (r *Registry) Candidates(normalized string, typ *types.EntityType) []string {
	return r.index.Candidates(normalized, typ)
}

// AddAlias appends raw to the entity's aliases unless an alias with the same
// normalized form is already present. It reports whether it added one.
func AddAlias(e *types.CanonicalEntity, raw string, n *normalize.Normalizer) bool {
	raw = strings.TrimSpace(raw)
	key := n.Normalize(raw)
	if key == "" {
		return false
	}
	for _, a := range e.Aliases {
		if n.Normalize(a) == key {
			return false
		}
	}
	e.Aliases = append(e.Aliases, raw)
	return true
}

// Scorer builds a scorer from the current tuning snapshot.
func (r *Registry) Scorer() *similarity.Scorer {
	t := r.tuning.Load()
	return similarity.NewScorer(similarity.Config{AuxBoost: t.AuxBoost, PhoneRegion: t.PhoneRegion}, r.normalizer)
}
