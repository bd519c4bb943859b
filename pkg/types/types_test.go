package types_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/pkg/types"
)

func TestParseEntityType(t *testing.T) {
	tests := []struct {
		in      string
		want    types.EntityType
		wantErr bool
	}{
		{"company", types.EntityTypeCompany, false},
		{" Person ", types.EntityTypePerson, false},
		{"PROPERTY", types.EntityTypeProperty, false},
		{"customer", types.EntityTypeCustomer, false},
		{"vendor", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := types.ParseEntityType(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, types.ErrInvalidEntityType))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignalsValidate(t *testing.T) {
	ok := types.Signals{types.SignalDomain: "greystar.com", types.SignalPhone: "+1 555 0100"}
	assert.NoError(t, ok.Validate())

	bad := types.Signals{"favourite_colour": "blue", types.SignalDomain: "x.com"}
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnknownSignal)
	assert.Contains(t, err.Error(), "favourite_colour")
}

func TestSignalsMerge(t *testing.T) {
	base := types.Signals{types.SignalDomain: "a.com", types.SignalLocation: "Austin"}
	merged := base.Merge(types.Signals{types.SignalDomain: "b.com", types.SignalLocation: ""})

	assert.Equal(t, "b.com", merged.Get(types.SignalDomain))
	assert.Empty(t, merged.Get(types.SignalLocation))
	assert.Equal(t, "a.com", base.Get(types.SignalDomain), "merge must not mutate the receiver")
}

func TestCanonicalEntityCloneIsDeep(t *testing.T) {
	e := &types.CanonicalEntity{
		ID:         "e1",
		Aliases:    []string{"Greystar"},
		SourceIDs:  map[string]string{"yardi": "Y-1"},
		AliasStats: map[string]types.AliasStat{"greystar": {Confirmations: 1}},
		Metadata:   types.Signals{types.SignalDomain: "greystar.com"},

		AppliedEvents: []string{"ev1"},
	}

	c := e.Clone()
	c.Aliases[0] = "changed"
	c.AppliedEvents[0] = "ev9"
	c.SourceIDs["yardi"] = "Y-2"
	c.AliasStats["greystar"] = types.AliasStat{Confirmations: 9}
	c.Metadata[types.SignalDomain] = "other.com"

	assert.Equal(t, "Greystar", e.Aliases[0])
	assert.Equal(t, "Y-1", e.SourceIDs["yardi"])
	assert.Equal(t, 1, e.AliasStats["greystar"].Confirmations)
	assert.Equal(t, "greystar.com", e.Metadata[types.SignalDomain])
	assert.Equal(t, []string{"ev1"}, e.AppliedEvents)
}

func TestMarkEventApplied(t *testing.T) {
	e := &types.CanonicalEntity{}
	for _, id := range []string{"a", "b", "b", "c", "d", ""} {
		e.MarkEventApplied(id, 3)
	}
	assert.Equal(t, []string{"b", "c", "d"}, e.AppliedEvents)
	assert.True(t, e.HasAppliedEvent("c"))
	assert.False(t, e.HasAppliedEvent("a"), "oldest entry is evicted")
}

func TestBindingsSortedBySystem(t *testing.T) {
	e := &types.CanonicalEntity{SourceIDs: map[string]string{"yardi": "1", "appfolio": "2"}}
	got := e.Bindings()
	require.Len(t, got, 2)
	assert.Equal(t, "appfolio", got[0].System)
	assert.Equal(t, "yardi", got[1].System)
}

func TestSessionStateTerminal(t *testing.T) {
	assert.False(t, types.SessionOpen.Terminal())
	for _, s := range []types.SessionState{types.SessionResolved, types.SessionAbandoned, types.SessionExpired} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestSessionExpiredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &types.ClarificationSession{State: types.SessionOpen, ExpiresAt: now.Add(time.Minute)}

	assert.False(t, s.ExpiredAt(now))
	assert.True(t, s.ExpiredAt(now.Add(time.Minute)))

	s.State = types.SessionResolved
	assert.False(t, s.ExpiredAt(now.Add(time.Hour)), "terminal sessions never expire")
}

func TestResolutionMethodResolved(t *testing.T) {
	assert.True(t, types.MethodAutoResolved.Resolved())
	assert.True(t, types.MethodUserRegisteredNew.Resolved())
	assert.False(t, types.MethodNoMatch.Resolved())
	assert.False(t, types.MethodClarificationRequested.Resolved())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, types.IsTransient(types.ErrConcurrentModification))
	assert.True(t, types.IsTransient(errors.Join(errors.New("x"), types.ErrStorageUnavailable)))
	assert.False(t, types.IsTransient(types.ErrInvalidChoice))
}
