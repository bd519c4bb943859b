package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/engine"
	"github.com/scrypster/entityres/internal/feedback"
	"github.com/scrypster/entityres/internal/index"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/internal/report"
	"github.com/scrypster/entityres/internal/server"
	"github.com/scrypster/entityres/internal/service"
	"github.com/scrypster/entityres/internal/storage/memory"
	"github.com/scrypster/entityres/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, cfg config.ServerConfig) *server.Server {
	t.Helper()
	tuning := config.NewTuningSource(nil)
	reg, err := registry.New(registry.Options{Store: memory.New(), Index: index.New(index.DefaultConfig(), nil), Tuning: tuning})
	require.NoError(t, err)
	sessions := clarify.NewManager(clarify.NewMemoryStore(), nil, clarify.Config{}, nil)
	eng, err := engine.New(engine.Options{Registry: reg, Sessions: sessions, Tuning: tuning})
	require.NoError(t, err)
	svc, err := service.New(service.Options{
		Registry: reg,
		Engine:   eng,
		Sessions: sessions,
		Feedback: feedback.New(reg, tuning, nil),
	})
	require.NoError(t, err)
	srv, err := server.New(server.Options{Service: svc, Config: cfg})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func register(t *testing.T, h http.Handler, body map[string]any) string {
	t.Helper()
	w, out := do(t, h, http.MethodPost, "/v1/entities", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return out["entity"].(map[string]any)["id"].(string)
}

func TestNew_RequiresService(t *testing.T) {
	_, err := server.New(server.Options{})
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newServer(t, config.ServerConfig{}).Handler()

	w, out := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entityres_http_requests_total")
}

func TestResolveFlow_AutoResolveAndFeedback(t *testing.T) {
	h := newServer(t, config.ServerConfig{}).Handler()
	id := register(t, h, map[string]any{
		"canonical_name": "Greystar Management Company",
		"entity_type":    "company",
		"aliases":        []string{"Greystar"},
		"confidence":     0.93,
	})

	w, out := do(t, h, http.MethodPost, "/v1/resolve", map[string]any{"query_text": "Greystar", "entity_type": "company"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(engine.KindAutoResolved), out["outcome"])
	assert.Equal(t, id, out["entity_id"])
	eventID := out["event"].(map[string]any)["id"].(string)

	w, out = do(t, h, http.MethodPost, "/v1/events/"+eventID+"/feedback", map[string]any{"outcome": "confirmed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, out["changed"])
	assert.InDelta(t, 0.95, out["entity"].(map[string]any)["confidence"], 1e-9)

	w, out = do(t, h, http.MethodGet, "/v1/entities/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["changes"], 1)

	w, out = do(t, h, http.MethodGet, "/v1/entities/"+id+"/events?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["events"], 1)
}

func TestClarificationFlow(t *testing.T) {
	h := newServer(t, config.ServerConfig{}).Handler()
	a := register(t, h, map[string]any{"canonical_name": "John A. Smith", "entity_type": "person", "aliases": []string{"John Smith"}, "confidence": 0.7})
	register(t, h, map[string]any{"canonical_name": "John B. Smith", "entity_type": "person", "aliases": []string{"John Smith"}, "confidence": 0.6})
	outsider := register(t, h, map[string]any{"canonical_name": "Zed", "entity_type": "company"})

	w, out := do(t, h, http.MethodPost, "/v1/resolve", map[string]any{"query_text": "John Smith", "entity_type": "person"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(engine.KindClarificationRequired), out["outcome"])
	sessionID := out["session_id"].(string)
	assert.Len(t, out["candidates"], 2)

	w, out = do(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/choice", map[string]any{"entity_id": outsider})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_CHOICE", out["code"])

	w, out = do(t, h, http.MethodGet, "/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(types.SessionOpen), out["state"])

	w, out = do(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/choice", map[string]any{"entity_id": a})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.MethodUserClarified), out["resolution_method"])

	w, out = do(t, h, http.MethodPost, "/v1/sessions/"+sessionID+"/choice", map[string]any{"entity_id": a})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SESSION_TERMINAL", out["code"])

	w, out = do(t, h, http.MethodPost, "/v1/sessions/missing/abandon", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", out["code"])
}

func TestValidationErrors(t *testing.T) {
	h := newServer(t, config.ServerConfig{}).Handler()

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
		field  string
	}{
		{"missing query", "/v1/resolve", map[string]any{}, http.StatusBadRequest, "VALIDATION_FAILED", "query_text"},
		{"bad type hint", "/v1/resolve", map[string]any{"query_text": "x", "entity_type": "planet"}, http.StatusBadRequest, "VALIDATION_FAILED", "entity_type"},
		{"blank query", "/v1/resolve", map[string]any{"query_text": " !! "}, http.StatusBadRequest, "EMPTY_QUERY", ""},
		{"unknown signal", "/v1/resolve", map[string]any{"query_text": "x", "aux_signals": map[string]string{"fax": "1"}}, http.StatusBadRequest, "UNKNOWN_SIGNAL", ""},
		{"register without type", "/v1/entities", map[string]any{"canonical_name": "Acme"}, http.StatusBadRequest, "VALIDATION_FAILED", "entity_type"},
		{"confidence out of range", "/v1/entities", map[string]any{"canonical_name": "Acme", "entity_type": "company", "confidence": 1.5}, http.StatusBadRequest, "VALIDATION_FAILED", "confidence"},
		{"bad outcome", "/v1/events/e1/feedback", map[string]any{"outcome": "maybe"}, http.StatusBadRequest, "VALIDATION_FAILED", "outcome"},
		{"unknown event", "/v1/events/e1/feedback", map[string]any{"outcome": "confirmed"}, http.StatusNotFound, "EVENT_NOT_FOUND", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, out["code"])
			if tt.field != "" {
				assert.Contains(t, out["details"], tt.field)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/resolve", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_JSON")
}

func TestAdministrativeRoutes(t *testing.T) {
	h := newServer(t, config.ServerConfig{}).Handler()
	id := register(t, h, map[string]any{"canonical_name": "Acme Widgets", "entity_type": "company", "confidence": 0.3})

	w, out := do(t, h, http.MethodPost, "/v1/entities", map[string]any{"canonical_name": "Acme Widgets LLC", "entity_type": "company"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["created"])

	w, out = do(t, h, http.MethodGet, "/v1/ambiguous?below=0.5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["entities"], 1)

	w, _ = do(t, h, http.MethodGet, "/v1/ambiguous?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/ambiguous?format=xlsx", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentTypeXLSX, rec.Header().Get("Content-Type"))
	book, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	sheetRows, err := book.GetRows("Entities")
	require.NoError(t, err)
	assert.Len(t, sheetRows, 2)
	assert.Equal(t, id, sheetRows[1][0])
	require.NoError(t, book.Close())

	w, out = do(t, h, http.MethodPost, "/v1/entities/"+id+"/bindings", map[string]any{"system": "crm", "source_id": "A-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 0.33, out["confidence"], 1e-9)

	w, out = do(t, h, http.MethodGet, "/v1/sources/crm/A-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, out["id"])

	other := register(t, h, map[string]any{"canonical_name": "Beta", "entity_type": "company"})
	w, out = do(t, h, http.MethodPost, "/v1/entities/"+other+"/bindings", map[string]any{"system": "crm", "source_id": "A-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_SOURCE_BINDING", out["code"])

	w, out = do(t, h, http.MethodPost, "/v1/entities/"+id+"/rename", map[string]any{"canonical_name": "Acme Global"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Acme Global", out["canonical_name"])

	w, out = do(t, h, http.MethodPost, "/v1/entities/"+id+"/confidence", map[string]any{"confidence": 0.05, "reason": "audit"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.05, out["confidence"], 1e-9)

	w, out = do(t, h, http.MethodPost, "/v1/entities/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(types.StatusArchived), out["status"])

	w, out = do(t, h, http.MethodPost, "/v1/reindex", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, out["indexed"])

	w, out = do(t, h, http.MethodGet, "/v1/entities/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ENTITY_NOT_FOUND", out["code"])
}

func TestAuthAndRateLimitApplyToV1Only(t *testing.T) {
	h := newServer(t, config.ServerConfig{APIToken: "secret", RateLimitRPS: 1, RateLimitBurst: 1}).Handler()

	w, _ := do(t, h, http.MethodGet, "/v1/ambiguous", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	authed := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/ambiguous", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, authed())
	assert.Equal(t, http.StatusTooManyRequests, authed())

	for i := 0; i < 3; i++ {
		w, _ = do(t, h, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestResolveIsTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	h := newServer(t, config.ServerConfig{}).Handler()
	w, _ := do(t, h, http.MethodPost, "/v1/resolve", map[string]any{"query_text": "nobody"})
	require.Equal(t, http.StatusOK, w.Code)

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["service.Resolve"])
	assert.True(t, names["engine.Resolve"])
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := newServer(t, config.ServerConfig{ShutdownTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
