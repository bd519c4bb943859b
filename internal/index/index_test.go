package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/internal/normalize"
	"github.com/scrypster/entityres/pkg/types"
)

func entity(id string, typ types.EntityType, name string, aliases ...string) *types.CanonicalEntity {
	return &types.CanonicalEntity{
		ID:             id,
		Type:           typ,
		CanonicalName:  name,
		NormalizedName: normalize.Normalize(name),
		Aliases:        append([]string{name}, aliases...),
		Status:         types.StatusActive,
	}
}

func typePtr(t types.EntityType) *types.EntityType { return &t }

func TestCandidatesByTokenAndPrefix(t *testing.T) {
	ix := New(DefaultConfig(), nil)
	ix.Rebuild([]*types.CanonicalEntity{
		entity("c1", types.EntityTypeCompany, "Greystar Management Company"),
		entity("c2", types.EntityTypeCompany, "Lincoln Property Company"),
		entity("p1", types.EntityTypePerson, "Grey Smith"),
	})

	assert.Equal(t, []string{"c1", "p1"}, ix.Candidates("greystar", nil), "token hit ranks first, prefix hit follows")
	assert.Equal(t, []string{"c1"}, ix.Candidates("greystr", typePtr(types.EntityTypeCompany)))
	assert.Equal(t, []string{"c2"}, ix.Candidates("lincoln", nil))
	assert.Empty(t, ix.Candidates("zephyr", nil))
	assert.Empty(t, ix.Candidates("", nil))
}

func TestCandidatesRestartable(t *testing.T) {
	ix := New(DefaultConfig(), nil)
	ix.Upsert(entity("a", types.EntityTypeCompany, "Acme"))
	ix.Upsert(entity("b", types.EntityTypeCompany, "Acme Widgets"))

	first := ix.Candidates("acme widgets", nil)
	second := ix.Candidates("acme widgets", nil)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"b", "a"}, first)

	first[0] = "mutated"
	assert.Equal(t, []string{"b", "a"}, ix.Candidates("acme widgets", nil), "callers own the slice")
}

func TestUpsertAddsAliasAndReplacesKeys(t *testing.T) {
	ix := New(DefaultConfig(), nil)
	e := entity("e1", types.EntityTypeCompany, "Greystar Management Company")
	ix.Upsert(e)
	assert.Empty(t, ix.Candidates("holdings", nil))

	e.Aliases = append(e.Aliases, "GREP Holdings")
	ix.Upsert(e)
	assert.Equal(t, []string{"e1"}, ix.Candidates("grep holdings", nil))

	e.CanonicalName = "Zenith Residential"
	e.NormalizedName = normalize.Normalize(e.CanonicalName)
	e.Aliases = []string{"Zenith Residential"}
	ix.Upsert(e)
	assert.Empty(t, ix.Candidates("greystar", nil), "stale keys are removed on upsert")
	assert.Equal(t, 1, ix.Len())
}

func TestArchivedAndRemovedEntitiesAreNotCandidates(t *testing.T) {
	ix := New(DefaultConfig(), nil)
	a := entity("a", types.EntityTypeCompany, "Acme")
	ix.Upsert(a)
	ix.Upsert(entity("b", types.EntityTypeCompany, "Acme Labs"))

	a.Status = types.StatusArchived
	ix.Upsert(a)
	assert.Equal(t, []string{"b"}, ix.Candidates("acme", nil))

	ix.Remove("b")
	ix.Remove("unknown")
	assert.Empty(t, ix.Candidates("acme", nil))
	assert.Equal(t, 0, ix.Len())
}

func TestMaxCandidates(t *testing.T) {
	ix := New(Config{MaxCandidates: 3}, nil)
	var all []*types.CanonicalEntity
	for i := 0; i < 10; i++ {
		all = append(all, entity(fmt.Sprintf("e%02d", i), types.EntityTypePerson, fmt.Sprintf("John Smith %d", i)))
	}
	ix.Rebuild(all)

	got := ix.Candidates("john", nil)
	assert.Equal(t, []string{"e00", "e01", "e02"}, got)
}

func TestPrefixIsRuneAware(t *testing.T) {
	assert.Equal(t, "caf", prefix("cafe", 3))
	assert.Equal(t, "ñan", prefix("ñandu", 3))
	assert.Equal(t, "ab", prefix("ab", 3))
}

func TestConcurrentUpsertAndLookup(t *testing.T) {
	ix := New(DefaultConfig(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ix.Upsert(entity(fmt.Sprintf("e%d", i), types.EntityTypeCompany, fmt.Sprintf("Acme %d", i)))
		}(i)
		go func() {
			defer wg.Done()
			_ = ix.Candidates("acme", nil)
		}()
	}
	wg.Wait()

	require.Equal(t, 20, ix.Len())
	assert.Len(t, ix.Candidates("acme", nil), 20)
}
