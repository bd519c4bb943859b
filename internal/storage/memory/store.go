// Package memory provides an in-process Store used by tests and by
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// Store keeps everything in maps guarded by one mutex. Values are cloned on
// the way in and out so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*types.CanonicalEntity
	bindings map[string]string // binding key -> entity ID
	events   map[string]*types.ResolutionEvent
	eventSeq []string
	changes  map[string][]*types.ConfidenceChange
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		entities: make(map[string]*types.CanonicalEntity),
		bindings: make(map[string]string),
		events:   make(map[string]*types.ResolutionEvent),
		changes:  make(map[string][]*types.ConfidenceChange),
	}
}

func (s *Store) CreateEntity(ctx context.Context, e *types.CanonicalEntity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[e.ID]; ok {
		return fmt.Errorf("%w: entity %s already exists", storage.ErrInvalidInput, e.ID)
	}
	if err := s.checkBindingsLocked(e); err != nil {
		return err
	}
	e.Version = 1
	s.entities[e.ID] = e.Clone()
	for _, b := range e.Bindings() {
		s.bindings[b.Key()] = e.ID
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) UpdateEntity(ctx context.Context, e *types.CanonicalEntity, expectedVersion int64) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[e.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	if err := s.checkBindingsLocked(e); err != nil {
		return err
	}
	for _, b := range cur.Bindings() {
		delete(s.bindings, b.Key())
	}
	for _, b := range e.Bindings() {
		s.bindings[b.Key()] = e.ID
	}
	e.Version = expectedVersion + 1
	s.entities[e.ID] = e.Clone()
	return nil
}

// checkBindingsLocked fails if any of e's bindings belongs to another entity.
func (s *Store) checkBindingsLocked(e *types.CanonicalEntity) error {
	for _, b := range e.Bindings() {
		if owner, ok := s.bindings[b.Key()]; ok && owner != e.ID {
			return fmt.Errorf("%w: %s/%s", storage.ErrDuplicateBinding, b.System, b.SourceID)
		}
	}
	return nil
}

func (s *Store) FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[b.Key()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.entities[id].Clone(), nil
}

func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]*types.CanonicalEntity, error) {
	s.mu.RLock()
	all := make([]*types.CanonicalEntity, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e.Clone())
	}
	s.mu.RUnlock()
	return storage.Collect(all, opts), nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *types.ResolutionEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("%w: event %s already exists", storage.ErrInvalidInput, ev.ID)
	}
	s.events[ev.ID] = cloneEvent(ev)
	s.eventSeq = append(s.eventSeq, ev.ID)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *Store) ListEventsByEntity(ctx context.Context, entityID string, limit int) ([]*types.ResolutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ResolutionEvent
	for i := len(s.eventSeq) - 1; i >= 0; i-- {
		ev := s.events[s.eventSeq[i]]
		if ev.SelectedEntityID != entityID {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendConfidenceChange(ctx context.Context, c *types.ConfidenceChange) error {
	if c == nil || c.ID == "" || c.EntityID == "" {
		return fmt.Errorf("%w: change id and entity id are required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.changes[c.EntityID] = append(s.changes[c.EntityID], &cp)
	return nil
}

func (s *Store) ListConfidenceChanges(ctx context.Context, entityID string) ([]*types.ConfidenceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.changes[entityID]
	out := make([]*types.ConfidenceChange, 0, len(src))
	for _, c := range src {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneEvent(ev *types.ResolutionEvent) *types.ResolutionEvent {
	cp := *ev
	cp.Candidates = append([]types.ScoredCandidate(nil), ev.Candidates...)
	if ev.EntityTypeHint != nil {
		t := *ev.EntityTypeHint
		cp.EntityTypeHint = &t
	}
	return &cp
}
