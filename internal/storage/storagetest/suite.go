// Package storagetest holds the behavioural suite every storage.Store
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpdateCompareAndSwap", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("ConcurrentUpdatesOneWins", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("BindingUniqueOnCreate", func(t *testing.T) { testBindingUniqueOnCreate(t, newStore(t)) })
	t.Run("BindingUniqueOnUpdate", func(t *testing.T) { testBindingUniqueOnUpdate(t, newStore(t)) })
	t.Run("FindBySource", func(t *testing.T) { testFindBySource(t, newStore(t)) })
	t.Run("ListEntities", func(t *testing.T) { testListEntities(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("ConfidenceChanges", func(t *testing.T) { testConfidenceChanges(t, newStore(t)) })
}

// NewEntity builds a minimal valid active entity.
func NewEntity(id string, typ types.EntityType, name string) *types.CanonicalEntity {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &types.CanonicalEntity{
		ID:             id,
		Type:           typ,
		CanonicalName:  name,
		NormalizedName: name,
		Aliases:        []string{name},
		AliasStats:     map[string]types.AliasStat{},
		SourceIDs:      map[string]string{},
		Confidence:     0.8,
		Metadata:       types.Signals{},
		Status:         types.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
	}
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	e := NewEntity("ent-1", types.EntityTypeCompany, "greystar")
	e.Aliases = append(e.Aliases, "Greystar Mgmt")
	e.AliasStats["greystar mgmt"] = types.AliasStat{Confirmations: 2, BonusApplied: true}
	e.SourceIDs["crm"] = "C-100"
	e.Metadata[types.SignalDomain] = "greystar.com"
	e.AppliedEvents = []string{"ev-1", "ev-2"}
	require.NoError(t, s.CreateEntity(ctx, e))
	assert.Equal(t, int64(1), e.Version)

	got, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, e.CanonicalName, got.CanonicalName)
	assert.Equal(t, e.Type, got.Type)
	assert.ElementsMatch(t, e.Aliases, got.Aliases)
	assert.Equal(t, e.AliasStats, got.AliasStats)
	assert.Equal(t, e.SourceIDs, got.SourceIDs)
	assert.Equal(t, []string{"ev-1", "ev-2"}, got.AppliedEvents)
	assert.Equal(t, "greystar.com", got.Metadata.Get(types.SignalDomain))
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

	got.Aliases[0] = "mutated"
	again, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "greystar", again.Aliases[0], "store must not share slices with callers")
}

func testGetMissing(t *testing.T, s storage.Store) {
	defer s.Close()
	_, err := s.GetEntity(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	e := NewEntity("ghost", types.EntityTypePerson, "ghost")
	assert.ErrorIs(t, s.UpdateEntity(context.Background(), e, 1), storage.ErrNotFound)
}

func testUpdateCAS(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	e := NewEntity("ent-1", types.EntityTypeCompany, "acme")
	require.NoError(t, s.CreateEntity(ctx, e))

	e.Confidence = 0.85
	e.AppliedEvents = []string{"ev-9"}
	require.NoError(t, s.UpdateEntity(ctx, e, 1))
	assert.Equal(t, int64(2), e.Version)

	stale := NewEntity("ent-1", types.EntityTypeCompany, "acme")
	stale.Confidence = 0.1
	assert.ErrorIs(t, s.UpdateEntity(ctx, stale, 1), storage.ErrVersionConflict)

	got, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, []string{"ev-9"}, got.AppliedEvents, "applied events are part of the versioned write")
}

func testConcurrentUpdates(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, NewEntity("ent-1", types.EntityTypeCompany, "acme")))

	const writers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := NewEntity("ent-1", types.EntityTypeCompany, "acme")
			e.Confidence = float64(i) / 10
			err := s.UpdateEntity(ctx, e, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, storage.ErrVersionConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())
}

func testBindingUniqueOnCreate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	a := NewEntity("a", types.EntityTypeCustomer, "alpha")
	a.SourceIDs["erp"] = "42"
	require.NoError(t, s.CreateEntity(ctx, a))

	b := NewEntity("b", types.EntityTypeCustomer, "beta")
	b.SourceIDs["erp"] = "42"
	assert.ErrorIs(t, s.CreateEntity(ctx, b), storage.ErrDuplicateBinding)

	_, err := s.GetEntity(ctx, "b")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed create must not leave a partial entity")
}

func testBindingUniqueOnUpdate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	a := NewEntity("a", types.EntityTypeCustomer, "alpha")
	a.SourceIDs["erp"] = "42"
	require.NoError(t, s.CreateEntity(ctx, a))
	b := NewEntity("b", types.EntityTypeCustomer, "beta")
	require.NoError(t, s.CreateEntity(ctx, b))

	b.SourceIDs["erp"] = "42"
	assert.ErrorIs(t, s.UpdateEntity(ctx, b, 1), storage.ErrDuplicateBinding)

	got, err := s.GetEntity(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Empty(t, got.SourceIDs)

	// Re-saving an entity with its own binding is fine.
	a.Confidence = 0.9
	require.NoError(t, s.UpdateEntity(ctx, a, 1))
}

func testFindBySource(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	a := NewEntity("a", types.EntityTypeProperty, "the oaks")
	a.SourceIDs["yardi"] = "P1"
	require.NoError(t, s.CreateEntity(ctx, a))

	got, err := s.FindBySource(ctx, types.SourceBinding{System: "yardi", SourceID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = s.FindBySource(ctx, types.SourceBinding{System: "yardi", SourceID: "P2"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Moving the binding to a new id releases the old one.
	a.SourceIDs["yardi"] = "P2"
	require.NoError(t, s.UpdateEntity(ctx, a, 1))
	_, err = s.FindBySource(ctx, types.SourceBinding{System: "yardi", SourceID: "P1"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err = s.FindBySource(ctx, types.SourceBinding{System: "yardi", SourceID: "P2"})
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func testListEntities(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	for i, conf := range []float64{0.9, 0.4, 0.6, 0.5} {
		e := NewEntity(fmt.Sprintf("c%d", i), types.EntityTypeCompany, fmt.Sprintf("co %d", i))
		e.Confidence = conf
		require.NoError(t, s.CreateEntity(ctx, e))
	}
	p := NewEntity("p0", types.EntityTypePerson, "john smith")
	p.Confidence = 0.3
	require.NoError(t, s.CreateEntity(ctx, p))
	arch := NewEntity("z", types.EntityTypeCompany, "gone")
	arch.Status = types.StatusArchived
	arch.Confidence = 0.1
	require.NoError(t, s.CreateEntity(ctx, arch))

	all, err := s.ListEntities(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "p0"}, ids(all))

	withArchived, err := s.ListEntities(ctx, storage.ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 6)

	company := types.EntityTypeCompany
	below := 0.7
	low, err := s.ListEntities(ctx, storage.ListOptions{Type: &company, ConfidenceBelow: &below})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3", "c2"}, ids(low))

	limited, err := s.ListEntities(ctx, storage.ListOptions{ConfidenceBelow: &below, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "c1"}, ids(limited))

	byName, err := s.ListEntities(ctx, storage.ListOptions{Type: &company, NormalizedName: "co 2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids(byName))

	person := types.EntityTypePerson
	none, err := s.ListEntities(ctx, storage.ListOptions{Type: &person, NormalizedName: "co 2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testEvents(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hint := types.EntityTypeCompany

	for i := 0; i < 3; i++ {
		ev := &types.ResolutionEvent{
			ID:               fmt.Sprintf("ev-%d", i),
			QueryText:        "Greystar",
			NormalizedQuery:  "greystar",
			EntityTypeHint:   &hint,
			Candidates:       []types.ScoredCandidate{{EntityID: "ent-1", Score: 1}, {EntityID: "ent-2", Score: 0.7}},
			SelectedEntityID: "ent-1",
			Method:           types.MethodAutoResolved,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendEvent(ctx, ev))
	}
	require.NoError(t, s.AppendEvent(ctx, &types.ResolutionEvent{
		ID: "ev-none", QueryText: "???", NormalizedQuery: "", Method: types.MethodNoMatch, CreatedAt: base,
	}))

	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "Greystar", got.QueryText)
	require.NotNil(t, got.EntityTypeHint)
	assert.Equal(t, types.EntityTypeCompany, *got.EntityTypeHint)
	assert.Equal(t, types.MethodAutoResolved, got.Method)
	require.Len(t, got.Candidates, 2)
	assert.Equal(t, "ent-2", got.Candidates[1].EntityID)
	assert.False(t, got.UserConfirmed)

	none, err := s.GetEvent(ctx, "ev-none")
	require.NoError(t, err)
	assert.Nil(t, none.EntityTypeHint)
	assert.Empty(t, none.SelectedEntityID)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListEventsByEntity(ctx, "ent-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ev-2", list[0].ID)
	assert.Equal(t, "ev-1", list[1].ID)
}

func testConfidenceChanges(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendConfidenceChange(ctx, &types.ConfidenceChange{
		ID: "cc-1", EntityID: "ent-1", EventID: "ev-1", Reason: "confirmed", Delta: 0.02, Before: 0.93, After: 0.95, CreatedAt: base,
	}))
	require.NoError(t, s.AppendConfidenceChange(ctx, &types.ConfidenceChange{
		ID: "cc-2", EntityID: "ent-1", Reason: "source_bound", Delta: 0.03, Before: 0.95, After: 0.98, CreatedAt: base.Add(time.Second),
	}))

	list, err := s.ListConfidenceChanges(ctx, "ent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cc-1", list[0].ID)
	assert.InDelta(t, 0.95, list[0].After, 1e-9)
	assert.Equal(t, "source_bound", list[1].Reason)

	empty, err := s.ListConfidenceChanges(ctx, "ent-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func ids(es []*types.CanonicalEntity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
