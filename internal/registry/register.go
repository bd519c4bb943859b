package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/metrics"
	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// ExactMatch is the duplicate threshold of the administrative path: only an
// entity whose name or alias normalizes identically is treated as the same.
const ExactMatch = 1.0

// RegisterRequest describes a new canonical entity.
type RegisterRequest struct {
	CanonicalName string
	Type          types.EntityType
	Binding       *types.SourceBinding
	Metadata      types.Signals
	Aliases       []string

	// Confidence seeds the entity; nil selects the registered default.
	Confidence *float64

	// DuplicateThreshold is the score at or above which an existing entity
	// of the same type is returned instead of creating one. Zero means
	// ExactMatch.
	DuplicateThreshold float64
}

// RegisterResult reports the entity and whether it was newly created.
type RegisterResult struct {
	Entity  *types.CanonicalEntity
	Created bool
}

// Register creates an entity unless a sufficiently similar one of the same
// type already exists, in which case that entity is returned. The lookup and
// the insert run inside the per-type registration lock.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	name := strings.TrimSpace(req.CanonicalName)
	normalized := r.normalizer.Normalize(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: canonical name is empty after normalization", types.ErrInvalidInput)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidEntityType, req.Type)
	}
	if req.Binding != nil {
		if err := req.Binding.Validate(); err != nil {
			return nil, err
		}
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}
	tuning := r.tuning.Load()
	confidence := tuning.Feedback.RegisteredConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence must be within [0,1]", types.ErrInvalidInput)
	}
	threshold := req.DuplicateThreshold
	if threshold <= 0 {
		threshold = ExactMatch
	}

	unlock, err := r.locker.Lock(ctx, "register:"+string(req.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: registration lock: %v", types.ErrConcurrentModification, err)
	}
	defer unlock()

	existing, err := r.findDuplicate(ctx, normalized, req.Type, req.Metadata, threshold)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := r.checkBindingOwner(ctx, req.Binding, existing.ID); err != nil {
			return nil, err
		}
		metrics.RecordRegistration(false)
		r.log.WithFields(logrus.Fields{
			"entity_id": existing.ID,
			"name":      name,
		}).Info("registration matched existing entity")
		return &RegisterResult{Entity: existing, Created: false}, nil
	}

	now := r.now()
	e := &types.CanonicalEntity{
		ID:             r.newID(),
		Type:           req.Type,
		CanonicalName:  name,
		NormalizedName: normalized,
		SourceIDs:      map[string]string{},
		Aliases:        []string{name},
		AliasStats:     map[string]types.AliasStat{},
		Confidence:     confidence,
		Metadata:       req.Metadata.Clone(),
		Status:         types.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
	}
	if e.Metadata == nil {
		e.Metadata = types.Signals{}
	}
	for _, a := range req.Aliases {
		AddAlias(e, a, r.normalizer)
	}
	if req.Binding != nil {
		e.SourceIDs[req.Binding.System] = req.Binding.SourceID
	}

	if err := r.store.CreateEntity(ctx, e); err != nil {
		return nil, mapErr(err)
	}
	r.index.Upsert(e)
	metrics.RecordRegistration(true)
	metrics.SetIndexSize(r.index.Len())
	r.log.WithFields(logrus.Fields{
		"entity_id":   e.ID,
		"entity_type": e.Type,
		"name":        name,
	}).Info("entity registered")
	return &RegisterResult{Entity: e, Created: true}, nil
}

// findDuplicate returns the best active entity of typ scoring at least
// threshold against normalized, or nil. Ties go to the higher confidence,
// then the lower ID. Index candidates are checked first; the store is then
// asked for exact name matches the local index has not seen yet, which
// covers entities registered by another process.
func (r *Registry) findDuplicate(ctx context.Context, normalized string, typ types.EntityType, aux types.Signals, threshold float64) (*types.CanonicalEntity, error) {
	scorer := r.Scorer()
	if threshold >= ExactMatch {
		// A boosted score may clamp to 1.0; exact means identical names.
		aux = nil
	}
	var (
		best      *types.CanonicalEntity
		bestScore float64
	)
	consider := func(e *types.CanonicalEntity) {
		if !e.IsActive() || e.Type != typ {
			return
		}
		sc := scorer.ScoreEntity(normalized, aux, e).Score
		if sc < threshold {
			return
		}
		if best == nil || sc > bestScore ||
			(sc == bestScore && (e.Confidence > best.Confidence ||
				(e.Confidence == best.Confidence && e.ID < best.ID))) {
			best, bestScore = e, sc
		}
	}

	seen := make(map[string]bool)
	for _, id := range r.index.Candidates(normalized, &typ) {
		seen[id] = true
		e, err := r.store.GetEntity(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, mapErr(err)
		}
		consider(e)
	}

	named, err := r.store.ListEntities(ctx, storage.ListOptions{Type: &typ, NormalizedName: normalized})
	if err != nil {
		return nil, mapErr(err)
	}
	for _, e := range named {
		if seen[e.ID] {
			continue
		}
		r.index.Upsert(e)
		r.log.WithField("entity_id", e.ID).Debug("indexed entity found in store during registration")
		consider(e)
	}
	return best, nil
}

// checkBindingOwner fails if the binding is held by an entity other than id.
func (r *Registry) checkBindingOwner(ctx context.Context, b *types.SourceBinding, id string) error {
	if b == nil {
		return nil
	}
	owner, err := r.store.FindBySource(ctx, *b)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return mapErr(err)
	}
	if owner.ID != id {
		return fmt.Errorf("%w: %s/%s is bound to %s", types.ErrDuplicateSourceBinding, b.System, b.SourceID, owner.ID)
	}
	return nil
}
