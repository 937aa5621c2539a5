package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/core"
)

type fakeMigrator struct {
	mu       sync.Mutex
	running  map[string]string
	requeued []core.Status
	reset    []string
	runs     chan string
	release  chan struct{}
}

func newFakeMigrator() *fakeMigrator {
	return &fakeMigrator{
		running: map[string]string{},
		runs:    make(chan string, 4),
		release: make(chan struct{}),
	}
}

func (f *fakeMigrator) ListEntities() []core.EntityInfo {
	return []core.EntityInfo{{Name: "Vendor", APIEntity: "Vendor", Order: 1}, {Name: "Invoice", APIEntity: "Invoice", Order: 5}}
}

func (f *fakeMigrator) Running() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.running))
	for k, v := range f.running {
		out[k] = v
	}
	return out
}

func (f *fakeMigrator) known(name string) (string, error) {
	for _, e := range f.ListEntities() {
		if strings.EqualFold(e.Name, name) {
			return e.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", core.ErrEntityNotFound, name)
}

func (f *fakeMigrator) Run(ctx context.Context, name string, _ core.RunOptions) (*core.RunReport, error) {
	f.runs <- name
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return &core.RunReport{RunID: "r1", Entity: name, Outcome: core.OutcomeCompleted}, nil
}

func (f *fakeMigrator) Requeue(_ context.Context, name string, statuses []core.Status) (int64, error) {
	if _, err := f.known(name); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.requeued = statuses
	f.mu.Unlock()
	return 3, nil
}

func (f *fakeMigrator) Reset(_ context.Context, name string) error {
	f.mu.Lock()
	f.reset = append(f.reset, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeMigrator) Summary(_ context.Context, name string) (core.Summary, error) {
	name, err := f.known(name)
	if err != nil {
		return core.Summary{}, err
	}
	return core.Summary{Entity: name, Total: 2, Counts: map[core.Status]int64{core.StatusSuccess: 2}}, nil
}

func (f *fakeMigrator) Failures(_ context.Context, name string, limit int) ([]core.FailureDetail, error) {
	if _, err := f.known(name); err != nil {
		return nil, err
	}
	return []core.FailureDetail{{SourceID: "7", Status: core.StatusFailed, Reason: fmt.Sprintf("limit=%d", limit)}}, nil
}

func (f *fakeMigrator) History(_ context.Context, name string, limit int) ([]core.RunRecord, error) {
	return []core.RunRecord{{RunID: "r0", Entity: name, Posted: limit}}, nil
}

func (f *fakeMigrator) Progress(context.Context) ([]core.EntityProgress, error) {
	return []core.EntityProgress{{Entity: "Vendor", SourceCount: 2, Summary: core.Summary{Counts: map[core.Status]int64{core.StatusSuccess: 1}}}}, nil
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *fakeMigrator) {
	t.Helper()
	m := newFakeMigrator()
	s := NewServer(m, core.NewRunLimiter(1, 10*time.Millisecond), nil, cfg)
	t.Cleanup(func() {
		select {
		case <-m.release:
		default:
			close(m.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, m
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestReadEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, s, http.MethodGet, "/api/entities", "")
	var entities []core.EntityInfo
	decode(t, rec, &entities)
	assert.Len(t, entities, 2)

	rec = do(t, s, http.MethodGet, "/api/entities/vendor/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary core.Summary
	decode(t, rec, &summary)
	assert.Equal(t, "Vendor", summary.Entity)

	rec = do(t, s, http.MethodGet, "/api/entities/Vendor/failures?limit=5000", "")
	var failures []core.FailureDetail
	decode(t, rec, &failures)
	require.Len(t, failures, 1)
	assert.Equal(t, "limit=1000", failures[0].Reason)

	rec = do(t, s, http.MethodGet, "/api/runs?entity=Invoice&limit=3", "")
	var runs []core.RunRecord
	decode(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "Invoice", runs[0].Entity)
	assert.Equal(t, 3, runs[0].Posted)

	rec = do(t, s, http.MethodGet, "/api/progress", "")
	var progress map[string]any
	decode(t, rec, &progress)
	entity := progress["entities"].([]any)[0].(map[string]any)
	assert.Equal(t, "50", entity["percentage"])

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownEntity(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodGet, "/api/entities/Nope/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Contains(t, body.Error, "Nope")

	rec = do(t, s, http.MethodPost, "/api/entities/Nope/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequeue(t *testing.T) {
	s, m := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", `{"statuses":["failed"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"requeued":3}`, rec.Body.String())
	assert.Equal(t, []core.Status{core.StatusFailed}, m.requeued)

	rec = do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, m.requeued)

	rec = do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", `{"statuses":["Done"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReset_RequiresConfirm(t *testing.T) {
	s, m := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodPost, "/api/entities/Vendor/reset", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, m.reset)

	rec = do(t, s, http.MethodPost, "/api/entities/vendor/reset?confirm=Vendor", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Vendor"}, m.reset)
}

func TestRun_BackgroundAndLimits(t *testing.T) {
	s, m := newTestServer(t, config.ServerConfig{})

	rec := do(t, s, http.MethodPost, "/api/entities/vendor/run?rebuild=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started map[string]any
	decode(t, rec, &started)
	assert.Equal(t, "Vendor", started["entity"])

	select {
	case name := <-m.runs:
		assert.Equal(t, "Vendor", name)
	case <-time.After(time.Second):
		t.Fatal("run did not start")
	}

	// The only slot is taken.
	rec = do(t, s, http.MethodPost, "/api/entities/Invoice/run", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	m.mu.Lock()
	m.running["Invoice"] = "other"
	m.mu.Unlock()
	close(m.release)
	require.NoError(t, s.runs.WaitForDrain(context.Background()))

	rec = do(t, s, http.MethodPost, "/api/entities/Invoice/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyGuardsMutations(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{RequireAPIKey: true, APIKeys: []string{"k1"}})

	rec := do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", "", "X-API-Key", "bad")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/entities/Vendor/requeue", "", "X-API-Key", "k1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/entities/Vendor/summary", "")
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay open")
}
