// Package storage defines the persistence contracts of the canonical entity
// registry.
//
// The interfaces are small and composable so that a backend can be built and
// tested one concern at a time. Every backend must give per-entity
// compare-and-swap semantics on the entity version and must enforce that a
// (source system, source id) pair is bound to at most one entity.
package storage

import (
	"context"

	"github.com/scrypster/entityres/pkg/types"
)

// EntityStore persists canonical entities and their source bindings.
type EntityStore interface {
	// CreateEntity inserts a new entity together with its source bindings in
	// one atomic step. Version is set to 1. A binding already held by
	// another entity fails with ErrDuplicateBinding and nothing is written.
	CreateEntity(ctx context.Context, e *types.CanonicalEntity) error

	// GetEntity returns the entity with the given ID, archived or not.
	// Returns ErrNotFound if it does not exist.
	GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error)

	// UpdateEntity overwrites the entity only if its stored version equals
	// expectedVersion, then stores expectedVersion+1 and reflects it in
	// e.Version. Source bindings are rewritten in the same transaction.
	// Returns ErrVersionConflict on a stale version, ErrNotFound when the
	// entity is missing and ErrDuplicateBinding on a binding clash.
	UpdateEntity(ctx context.Context, e *types.CanonicalEntity, expectedVersion int64) error

	// FindBySource returns the entity bound to the given source pair.
	// Returns ErrNotFound if the pair is unbound.
	FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error)

	// ListEntities returns entities matching the options.
	ListEntities(ctx context.Context, opts ListOptions) ([]*types.CanonicalEntity, error)
}

// EventStore persists the append-only resolution audit trail.
type EventStore interface {
	// AppendEvent stores a new event. Events are never updated.
	AppendEvent(ctx context.Context, ev *types.ResolutionEvent) error

	// GetEvent returns an event by ID or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error)

	// ListEventsByEntity returns events that selected the entity, newest
	// first, at most limit (0 means no limit).
	ListEventsByEntity(ctx context.Context, entityID string, limit int) ([]*types.ResolutionEvent, error)
}

// AuditStore records every confidence mutation.
type AuditStore interface {
	AppendConfidenceChange(ctx context.Context, c *types.ConfidenceChange) error

	// ListConfidenceChanges returns an entity's changes oldest first.
	ListConfidenceChanges(ctx context.Context, entityID string) ([]*types.ConfidenceChange, error)
}

// Store is the full registry persistence contract.
type Store interface {
	EntityStore
	EventStore
	AuditStore

	// Close releases any resources held by the store.
	Close() error
}
