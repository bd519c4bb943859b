// Package kv implements storage.Store on an embedded Badger key-value store.
//
// Key layout:
//
//	ent/<id>                          JSON entity
//	bind/<system>\x00<source id>      owning entity id
//	evt/<id>                          JSON event
//	evx/<entity id>/<time>/<event id> event index by selected entity
//	chg/<entity id>/<time>/<id>       JSON confidence change
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

const (
	prefixEntity  = "ent/"
	prefixBinding = "bind/"
	prefixEvent   = "evt/"
	prefixEvIndex = "evx/"
	prefixChange  = "chg/"
)

// Store is a Badger-backed storage.Store. Badger's optimistic transactions
// give the per-entity compare-and-swap: a write racing another write on the
// same keys fails with badger.ErrConflict, surfaced as ErrVersionConflict.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens a Badger database in dir. An empty dir opens an in-memory
// database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func entityKey(id string) []byte { return []byte(prefixEntity + id) }

func bindingKey(b types.SourceBinding) []byte { return []byte(prefixBinding + b.Key()) }

func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return storage.ErrVersionConflict
	case storage.IsDomainError(err):
		return err
	default:
		return storage.Unavailable("kv: "+op, err)
	}
}

func (s *Store) CreateEntity(ctx context.Context, e *types.CanonicalEntity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	stored := e.Clone()
	stored.Version = 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: encode entity: %v", storage.ErrInvalidInput, err)
	}

	err = s.update("create entity", func(txn *badger.Txn) error {
		if _, err := txn.Get(entityKey(e.ID)); err == nil {
			return fmt.Errorf("%w: entity %s already exists", storage.ErrInvalidInput, e.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := checkBindings(txn, stored); err != nil {
			return err
		}
		for _, b := range stored.Bindings() {
			if err := txn.Set(bindingKey(b), []byte(e.ID)); err != nil {
				return err
			}
		}
		return txn.Set(entityKey(e.ID), payload)
	})
	if err != nil {
		return err
	}
	e.Version = 1
	return nil
}

func checkBindings(txn *badger.Txn, e *types.CanonicalEntity) error {
	for _, b := range e.Bindings() {
		item, err := txn.Get(bindingKey(b))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(owner) != e.ID {
			return fmt.Errorf("%w: %s/%s", storage.ErrDuplicateBinding, b.System, b.SourceID)
		}
	}
	return nil
}

func getEntity(txn *badger.Txn, id string) (*types.CanonicalEntity, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e types.CanonicalEntity
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	var out *types.CanonicalEntity
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getEntity(txn, id)
		return err
	})
	if err != nil && !storage.IsDomainError(err) {
		return nil, storage.Unavailable("kv: get entity", err)
	}
	return out, err
}

func (s *Store) UpdateEntity(ctx context.Context, e *types.CanonicalEntity, expectedVersion int64) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	stored := e.Clone()
	stored.Version = expectedVersion + 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: encode entity: %v", storage.ErrInvalidInput, err)
	}

	err = s.update("update entity", func(txn *badger.Txn) error {
		cur, err := getEntity(txn, e.ID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return storage.ErrVersionConflict
		}
		if err := checkBindings(txn, stored); err != nil {
			return err
		}
		for _, b := range cur.Bindings() {
			if err := txn.Delete(bindingKey(b)); err != nil {
				return err
			}
		}
		for _, b := range stored.Bindings() {
			if err := txn.Set(bindingKey(b), []byte(e.ID)); err != nil {
				return err
			}
		}
		return txn.Set(entityKey(e.ID), payload)
	})
	if err != nil {
		return err
	}
	e.Version = expectedVersion + 1
	return nil
}

func (s *Store) FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error) {
	var out *types.CanonicalEntity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bindingKey(b))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getEntity(txn, string(owner))
		return err
	})
	if err != nil && !storage.IsDomainError(err) {
		return nil, storage.Unavailable("kv: find by source", err)
	}
	return out, err
}

func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]*types.CanonicalEntity, error) {
	var all []*types.CanonicalEntity
	err := s.scan(prefixEntity, func(val []byte) error {
		var e types.CanonicalEntity
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		all = append(all, &e)
		return nil
	})
	if err != nil {
		return nil, storage.Unavailable("kv: list entities", err)
	}
	return storage.Collect(all, opts), nil
}

// scan calls fn with every value under prefix in key order.
func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AppendEvent(ctx context.Context, ev *types.ResolutionEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", storage.ErrInvalidInput)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", storage.ErrInvalidInput, err)
	}
	return s.update("append event", func(txn *badger.Txn) error {
		key := []byte(prefixEvent + ev.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: event %s already exists", storage.ErrInvalidInput, ev.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, payload); err != nil {
			return err
		}
		if ev.SelectedEntityID == "" {
			return nil
		}
		idx := fmt.Sprintf("%s%s/%s/%s", prefixEvIndex, ev.SelectedEntityID, storage.SortableTime(ev.CreatedAt), ev.ID)
		return txn.Set([]byte(idx), []byte(ev.ID))
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error) {
	var ev types.ResolutionEvent
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixEvent + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &ev) })
	})
	if err != nil {
		if storage.IsDomainError(err) {
			return nil, err
		}
		return nil, storage.Unavailable("kv: get event", err)
	}
	return &ev, nil
}

func (s *Store) ListEventsByEntity(ctx context.Context, entityID string, limit int) ([]*types.ResolutionEvent, error) {
	var ids []string
	if err := s.scan(prefixEvIndex+entityID+"/", func(val []byte) error {
		ids = append(ids, string(val))
		return nil
	}); err != nil {
		return nil, storage.Unavailable("kv: list events", err)
	}

	// Index keys sort oldest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*types.ResolutionEvent, 0, len(ids))
	for _, id := range ids {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) AppendConfidenceChange(ctx context.Context, c *types.ConfidenceChange) error {
	if c == nil || c.ID == "" || c.EntityID == "" {
		return fmt.Errorf("%w: change id and entity id are required", storage.ErrInvalidInput)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: encode change: %v", storage.ErrInvalidInput, err)
	}
	key := fmt.Sprintf("%s%s/%s/%s", prefixChange, c.EntityID, storage.SortableTime(c.CreatedAt), c.ID)
	return s.update("append confidence change", func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

func (s *Store) ListConfidenceChanges(ctx context.Context, entityID string) ([]*types.ConfidenceChange, error) {
	out := []*types.ConfidenceChange{}
	err := s.scan(prefixChange+entityID+"/", func(val []byte) error {
		var c types.ConfidenceChange
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, storage.Unavailable("kv: list confidence changes", err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
