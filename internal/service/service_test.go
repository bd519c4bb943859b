package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/engine"
	"github.com/scrypster/entityres/internal/feedback"
	"github.com/scrypster/entityres/internal/index"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/internal/service"
	"github.com/scrypster/entityres/internal/storage/memory"
	"github.com/scrypster/entityres/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []*types.ResolutionEvent
}

func (r *recorder) Publish(_ context.Context, ev *types.ResolutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) methods() []types.ResolutionMethod {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ResolutionMethod, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Method
	}
	return out
}

type env struct {
	svc   *service.Service
	reg   *registry.Registry
	store *memory.Store
	pub   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	tuning := config.NewTuningSource(nil)
	reg, err := registry.New(registry.Options{Store: store, Index: index.New(index.DefaultConfig(), nil), Tuning: tuning})
	require.NoError(t, err)
	sessions := clarify.NewManager(clarify.NewMemoryStore(), nil, clarify.Config{}, nil)
	eng, err := engine.New(engine.Options{Registry: reg, Sessions: sessions, Tuning: tuning})
	require.NoError(t, err)
	pub := &recorder{}
	svc, err := service.New(service.Options{
		Registry:  reg,
		Engine:    eng,
		Sessions:  sessions,
		Feedback:  feedback.New(reg, tuning, nil),
		Publisher: pub,
	})
	require.NoError(t, err)
	return &env{svc: svc, reg: reg, store: store, pub: pub}
}

func (e *env) register(t *testing.T, name, typ string, confidence float64, aliases ...string) *types.CanonicalEntity {
	t.Helper()
	ent, created, err := e.svc.RegisterEntity(context.Background(), service.RegisterRequest{
		CanonicalName: name,
		EntityType:    typ,
		Aliases:       aliases,
		Confidence:    &confidence,
	})
	require.NoError(t, err)
	require.True(t, created)
	return ent
}

// ambiguous registers two people who both answer to "John Smith" and opens
// a clarification session for that name.
func (e *env) ambiguous(t *testing.T) (*engine.Outcome, *types.CanonicalEntity, *types.CanonicalEntity) {
	t.Helper()
	a := e.register(t, "John A. Smith", "person", 0.70, "John Smith")
	b := e.register(t, "John B. Smith", "person", 0.60, "John Smith")
	out, err := e.svc.Resolve(context.Background(), service.ResolveRequest{
		Query:         "John Smith",
		EntityType:    "person",
		CallerContext: "chat-7",
	})
	require.NoError(t, err)
	require.Equal(t, engine.KindClarificationRequired, out.Kind)
	return out, a, b
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := service.New(service.Options{})
	assert.Error(t, err)
}

func TestResolve_PublishesEvent(t *testing.T) {
	e := newEnv(t)
	ent := e.register(t, "Greystar Management Company", "company", 0.94, "Greystar")

	out, err := e.svc.Resolve(context.Background(), service.ResolveRequest{Query: "Greystar", EntityType: "Company"})
	require.NoError(t, err)
	assert.Equal(t, engine.KindAutoResolved, out.Kind)
	assert.Equal(t, ent.ID, out.EntityID)
	assert.Equal(t, []types.ResolutionMethod{types.MethodAutoResolved}, e.pub.methods())

	stored, err := e.svc.GetEvent(context.Background(), out.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Event.ID, stored.ID)
}

func TestResolve_Errors(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Resolve(context.Background(), service.ResolveRequest{Query: "Acme", EntityType: "planet"})
	assert.ErrorIs(t, err, types.ErrInvalidEntityType)
	_, err = e.svc.Resolve(context.Background(), service.ResolveRequest{Query: "  "})
	assert.ErrorIs(t, err, types.ErrEmptyQuery)
	assert.Empty(t, e.pub.methods())
}

func TestSubmitClarification_ScenarioC_InvalidChoiceChangesNothing(t *testing.T) {
	e := newEnv(t)
	out, a, b := e.ambiguous(t)
	outsider := e.register(t, "Zed Corp", "company", 0.5)

	_, err := e.svc.SubmitClarification(context.Background(), out.SessionID, clarify.Choice{EntityID: outsider.ID})
	assert.ErrorIs(t, err, types.ErrInvalidChoice)

	for _, before := range []*types.CanonicalEntity{a, b, outsider} {
		after, err := e.svc.GetEntity(context.Background(), before.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.Confidence, after.Confidence)
		assert.Equal(t, before.Aliases, after.Aliases)
	}
	sess, err := e.svc.GetSession(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionOpen, sess.State)
	assert.Equal(t, []types.ResolutionMethod{types.MethodClarificationRequested}, e.pub.methods())
}

func TestSubmitClarification_PickCandidate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out, _, b := e.ambiguous(t)

	ev, err := e.svc.SubmitClarification(ctx, out.SessionID, clarify.Choice{EntityID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, types.MethodUserClarified, ev.Method)
	assert.Equal(t, b.ID, ev.SelectedEntityID)
	assert.Equal(t, out.SessionID, ev.SessionID)
	assert.True(t, ev.UserConfirmed)
	assert.Equal(t, "chat-7", ev.CallerContext)

	got, err := e.svc.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.65, got.Confidence)
	assert.Equal(t, 1, got.AliasStats["john smith"].Confirmations)

	history, err := e.svc.ConfidenceHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, feedback.ReasonClarified, history[0].Reason)
	assert.Equal(t, ev.ID, history[0].EventID)

	evs, err := e.svc.EntityEvents(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ev.ID, evs[0].ID)

	_, err = e.svc.SubmitClarification(ctx, out.SessionID, clarify.Choice{EntityID: b.ID})
	assert.ErrorIs(t, err, types.ErrSessionAlreadyTerminal)

	// Confirming the clarified event again changes nothing.
	res, err := e.svc.RecordFeedback(ctx, ev.ID, feedback.OutcomeConfirmed, nil)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0.65, res.Entity.Confidence)

	assert.Equal(t, []types.ResolutionMethod{
		types.MethodClarificationRequested,
		types.MethodUserClarified,
	}, e.pub.methods())
}

func TestSubmitClarification_NewEntity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// Same name under two types scores identically, so an untyped query
	// near it is ambiguous but far from a duplicate.
	a := e.register(t, "Acme Widgets", "company", 0.70)
	b := e.register(t, "Acme Widgets", "customer", 0.60)
	out, err := e.svc.Resolve(ctx, service.ResolveRequest{Query: "Acme Tools"})
	require.NoError(t, err)
	require.Equal(t, engine.KindClarificationRequired, out.Kind)

	_, err = e.svc.SubmitClarification(ctx, out.SessionID, clarify.Choice{NewEntity: true})
	assert.ErrorIs(t, err, types.ErrInvalidChoice, "untyped session needs an explicit type")

	company := types.EntityTypeCompany
	ev, err := e.svc.SubmitClarification(ctx, out.SessionID, clarify.Choice{NewEntity: true, EntityType: &company})
	require.NoError(t, err)
	assert.Equal(t, types.MethodUserRegisteredNew, ev.Method)
	require.NotEmpty(t, ev.SelectedEntityID)
	assert.NotContains(t, []string{a.ID, b.ID}, ev.SelectedEntityID)

	created, err := e.svc.GetEntity(ctx, ev.SelectedEntityID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Tools", created.CanonicalName)
	assert.Equal(t, types.EntityTypeCompany, created.Type)
	assert.Equal(t, 0.60, created.Confidence)

	sess, err := e.svc.GetSession(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionResolved, sess.State)
	assert.Equal(t, created.ID, sess.SelectedEntityID)
}

func TestAbandonClarification(t *testing.T) {
	e := newEnv(t)
	out, a, _ := e.ambiguous(t)

	sess, err := e.svc.AbandonClarification(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionAbandoned, sess.State)

	_, err = e.svc.SubmitClarification(context.Background(), out.SessionID, clarify.Choice{EntityID: a.ID})
	assert.ErrorIs(t, err, types.ErrSessionAlreadyTerminal)

	got, err := e.svc.GetEntity(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version, got.Version)
}

func TestRegisterEntity_DuplicateAttachesBinding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.register(t, "Greystar", "company", 0.80)

	got, created, err := e.svc.RegisterEntity(ctx, service.RegisterRequest{
		CanonicalName: "Greystar Properties LLC",
		EntityType:    "company",
		Binding:       &types.SourceBinding{System: "crm", SourceID: "G-1"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "G-1", got.SourceIDs["crm"])
	assert.Equal(t, 0.83, got.Confidence)

	// Same binding again is a no-op.
	again, _, err := e.svc.RegisterEntity(ctx, service.RegisterRequest{
		CanonicalName: "Greystar",
		EntityType:    "company",
		Binding:       &types.SourceBinding{System: "crm", SourceID: "G-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)

	_, _, err = e.svc.RegisterEntity(ctx, service.RegisterRequest{
		CanonicalName: "Greystar",
		EntityType:    "company",
		Binding:       &types.SourceBinding{System: "crm", SourceID: "G-2"},
	})
	assert.ErrorIs(t, err, types.ErrDuplicateSourceBinding)

	found, err := e.svc.FindBySource(ctx, types.SourceBinding{System: "crm", SourceID: "G-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, _, err = e.svc.RegisterEntity(ctx, service.RegisterRequest{CanonicalName: "X", EntityType: "planet"})
	assert.ErrorIs(t, err, types.ErrInvalidEntityType)
}

func TestRegisterEntity_ConcurrentSameName(t *testing.T) {
	e := newEnv(t)
	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ent, _, err := e.svc.RegisterEntity(context.Background(), service.RegisterRequest{
				CanonicalName: "Greystar Properties LLC",
				EntityType:    "company",
			})
			if assert.NoError(t, err) {
				ids <- ent.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestRecordFeedback_ScenarioD(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ent := e.register(t, "Greystar Management Company", "company", 0.93, "Greystar")

	out, err := e.svc.Resolve(ctx, service.ResolveRequest{Query: "Greystar"})
	require.NoError(t, err)
	require.Equal(t, engine.KindAutoResolved, out.Kind)

	res, err := e.svc.RecordFeedback(ctx, out.Event.ID, feedback.OutcomeConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, ent.ID, res.Entity.ID)
	assert.Equal(t, 0.95, res.Entity.Confidence)

	_, err = e.svc.RecordFeedback(ctx, "missing", feedback.OutcomeConfirmed, nil)
	assert.ErrorIs(t, err, types.ErrEventNotFound)
}

func TestRecordFeedback_NewEntityFromNoMatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.svc.Resolve(ctx, service.ResolveRequest{Query: "Harbor Point Apartments"})
	require.NoError(t, err)
	require.Equal(t, engine.KindNoMatch, out.Kind)

	_, err = e.svc.RecordFeedback(ctx, out.Event.ID, feedback.OutcomeNewEntity, nil)
	assert.ErrorIs(t, err, types.ErrInvalidFeedback, "no type hint and none supplied")

	property := types.EntityTypeProperty
	res, err := e.svc.RecordFeedback(ctx, out.Event.ID, feedback.OutcomeNewEntity, &property)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Harbor Point Apartments", res.Entity.CanonicalName)

	assert.Equal(t, []types.ResolutionMethod{types.MethodNoMatch, types.MethodUserRegisteredNew}, e.pub.methods())

	again, err := e.svc.Resolve(ctx, service.ResolveRequest{Query: "Harbor Point"})
	require.NoError(t, err)
	assert.Equal(t, engine.KindAutoResolved, again.Kind)
	assert.Equal(t, res.Entity.ID, again.EntityID)
}

func TestAdministrativeOperations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ent := e.register(t, "Acme Widgets", "company", 0.40)
	e.register(t, "Beta Corp", "company", 0.90)

	amb, err := e.svc.ListAmbiguous(ctx, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, amb, 1)
	assert.Equal(t, ent.ID, amb[0].ID)

	renamed, err := e.svc.RenameEntity(ctx, ent.ID, "Acme Global")
	require.NoError(t, err)
	assert.Equal(t, "acme global", renamed.NormalizedName)

	over, err := e.svc.OverrideConfidence(ctx, ent.ID, 0.75, "manual review")
	require.NoError(t, err)
	assert.Equal(t, 0.75, over.Confidence)

	bound, err := e.svc.BindSource(ctx, ent.ID, types.SourceBinding{System: "erp", SourceID: "77"})
	require.NoError(t, err)
	assert.Equal(t, 0.78, bound.Confidence)

	archived, err := e.svc.ArchiveEntity(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, archived.Status)

	out, err := e.svc.Resolve(ctx, service.ResolveRequest{Query: "Acme Global"})
	require.NoError(t, err)
	assert.Equal(t, engine.KindNoMatch, out.Kind)

	_, err = e.svc.ConfidenceHistory(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestReindex_Concurrent(t *testing.T) {
	e := newEnv(t)
	e.register(t, "Acme", "company", 0.9)
	e.register(t, "Beta", "company", 0.9)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.svc.Reindex(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 2, n)
		}()
	}
	wg.Wait()
}
