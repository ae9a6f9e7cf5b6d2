package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/server"
	"github.com/c360studio/buzzforge/session"
)

// fakeStore implements engine.Store with in-memory maps.
type fakeStore struct {
	nextID   int
	sessions map[string]*session.Session
	phases   map[string][]*session.Phase
	drafts   map[string][]*session.Draft
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*session.Session),
		phases:   make(map[string][]*session.Phase),
		drafts:   make(map[string][]*session.Draft),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, config map[string]any) (*session.Session, error) {
	f.nextID++
	sess := &session.Session{
		ID:           fmt.Sprintf("sess-%d", f.nextID),
		Config:       config,
		Status:       session.StatusPending,
		CurrentPhase: 1,
		CurrentStep:  session.StepThink,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) UpdateSession(_ context.Context, sess *session.Session) error {
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeStore) ListSessions(_ context.Context) ([]*session.Session, error) {
	out := make([]*session.Session, 0, len(f.sessions))
	for _, sess := range f.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, id string, _ int, _ session.Step, _ []session.Status, to session.Status) (*session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	sess.Status = to
	return sess, nil
}

func (f *fakeStore) GetPhase(_ context.Context, sessionID string, n int) (*session.Phase, error) {
	for _, p := range f.phases[sessionID] {
		if p.PhaseNumber == n {
			return p, nil
		}
	}
	return nil, session.ErrNotFound
}

func (f *fakeStore) UpsertPhase(_ context.Context, p *session.Phase) error {
	f.phases[p.SessionID] = append(f.phases[p.SessionID], p)
	return nil
}

func (f *fakeStore) ListPhases(_ context.Context, sessionID string) ([]*session.Phase, error) {
	return f.phases[sessionID], nil
}

func (f *fakeStore) DeletePhasesFrom(_ context.Context, sessionID string, fromPhase int) error {
	kept := f.phases[sessionID][:0]
	for _, p := range f.phases[sessionID] {
		if p.PhaseNumber < fromPhase {
			kept = append(kept, p)
		}
	}
	f.phases[sessionID] = kept
	return nil
}

func (f *fakeStore) CreateDraft(_ context.Context, d *session.Draft) error {
	f.drafts[d.SessionID] = append(f.drafts[d.SessionID], d)
	return nil
}

func (f *fakeStore) ListDraftsBySession(_ context.Context, sessionID string) ([]*session.Draft, error) {
	return f.drafts[sessionID], nil
}

// fakePipeline returns canned results.
type fakePipeline struct {
	outcome *engine.StepOutcome
	sess    *session.Session
	report  *engine.HealthReport
	err     error
}

func (f *fakePipeline) Advance(context.Context, string) (*engine.StepOutcome, error) {
	return f.outcome, f.err
}

func (f *fakePipeline) Retry(context.Context, string) (*session.Session, error) {
	return f.sess, f.err
}

func (f *fakePipeline) RestartFromPhase(context.Context, string, int) (*session.Session, error) {
	return f.sess, f.err
}

func (f *fakePipeline) RestartSession(context.Context, string) (*session.Session, error) {
	return f.sess, f.err
}

func (f *fakePipeline) CheckHealth(context.Context, string, time.Duration) (*engine.HealthReport, error) {
	return f.report, f.err
}

func newTestServer(store *fakeStore, pipeline server.Pipeline) http.Handler {
	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)
	srv := server.NewServer(store, pipeline, 10*time.Minute, metrics, nil)
	return srv.Handler(reg)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	store := newFakeStore()
	handler := newTestServer(store, &fakePipeline{})

	rec := doJSON(t, handler, http.MethodPost, "/api/sessions", map[string]any{
		"config": map[string]any{"subject": "espresso", "platform": "instagram"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, 1, sess.CurrentPhase)
}

func TestCreateSessionRequiresConfig(t *testing.T) {
	handler := newTestServer(newFakeStore(), &fakePipeline{})

	rec := doJSON(t, handler, http.MethodPost, "/api/sessions", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	handler := newTestServer(newFakeStore(), &fakePipeline{})

	rec := doJSON(t, handler, http.MethodGet, "/api/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["code"])
}

func TestGetSessionIncludesPhases(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)
	require.NoError(t, store.UpsertPhase(context.Background(), &session.Phase{
		SessionID:   sess.ID,
		PhaseNumber: 1,
		Status:      session.StatusCompleted,
	}))

	handler := newTestServer(store, &fakePipeline{})
	rec := doJSON(t, handler, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		ID     string           `json:"id"`
		Phases []*session.Phase `json:"phases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, sess.ID, detail.ID)
	require.Len(t, detail.Phases, 1)
}

func TestAdvanceReturnsOutcome(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)

	pipeline := &fakePipeline{outcome: &engine.StepOutcome{
		Session:        sess,
		Phase:          1,
		Step:           session.StepThink,
		ShouldContinue: true,
	}}

	handler := newTestServer(store, pipeline)
	rec := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sess.ID+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		engine.StepOutcome
		Next string `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ShouldContinue)
	assert.Equal(t, session.StepThink, resp.Step)
	assert.Equal(t, "/api/sessions/"+sess.ID+"/advance", resp.Next)
}

func TestAdvanceCompletedOmitsNext(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)

	pipeline := &fakePipeline{outcome: &engine.StepOutcome{
		Session:   sess,
		Phase:     5,
		Step:      session.StepIntegrate,
		Completed: true,
	}}

	handler := newTestServer(store, pipeline)
	rec := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sess.ID+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		engine.StepOutcome
		Next string `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Completed)
	assert.Empty(t, resp.Next)
}

func TestAdvanceErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound, "not_found"},
		{"busy", session.ErrBusy, http.StatusConflict, "busy"},
		{"retry exhausted", engine.ErrRetryExhausted, http.StatusGone, "retry_exhausted"},
		{"validation", engine.NewValidationError("missing result"), http.StatusUnprocessableEntity, "validation"},
		{"upstream", engine.NewUpstreamError(1, "THINK", fmt.Errorf("down")), http.StatusBadGateway, "upstream"},
		{"parse", engine.NewParseError(1, "THINK", fmt.Errorf("bad json")), http.StatusBadGateway, "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServer(newFakeStore(), &fakePipeline{err: tt.err})

			rec := doJSON(t, handler, http.MethodPost, "/api/sessions/s1/advance", nil)
			require.Equal(t, tt.want, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp["code"])
		})
	}
}

func TestAdvanceFailedStepStillReportsOutcome(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)

	stepErr := engine.NewParseError(1, "THINK", fmt.Errorf("no JSON found"))
	pipeline := &fakePipeline{
		outcome: &engine.StepOutcome{
			Session: sess,
			Phase:   1,
			Step:    session.StepThink,
			Failed:  true,
			Error:   stepErr.Error(),
		},
		err: stepErr,
	}

	handler := newTestServer(store, pipeline)
	rec := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sess.ID+"/advance", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var outcome engine.StepOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.Failed)
	assert.NotEmpty(t, outcome.Error)
}

func TestAdvanceFailedUpstreamStepMapsTo502(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)

	stepErr := engine.NewUpstreamError(2, "EXECUTE", fmt.Errorf("provider unavailable"))
	pipeline := &fakePipeline{
		outcome: &engine.StepOutcome{
			Session: sess,
			Phase:   2,
			Step:    session.StepExecute,
			Failed:  true,
			Error:   stepErr.Error(),
		},
		err: stepErr,
	}

	handler := newTestServer(store, pipeline)
	rec := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sess.ID+"/advance", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListDrafts(t *testing.T) {
	store := newFakeStore()
	sess, err := store.CreateSession(context.Background(), map[string]any{"subject": "x"})
	require.NoError(t, err)

	content := "the post"
	require.NoError(t, store.CreateDraft(context.Background(), &session.Draft{
		ID:            "d1",
		SessionID:     sess.ID,
		ConceptNumber: 1,
		Title:         "T1",
		Content:       &content,
		Status:        session.DraftStatusDraft,
	}))

	handler := newTestServer(store, &fakePipeline{})
	rec := doJSON(t, handler, http.MethodGet, "/api/sessions/"+sess.ID+"/drafts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var drafts []*session.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drafts))
	require.Len(t, drafts, 1)
	assert.Equal(t, "T1", drafts[0].Title)
}

func TestListDraftsUnknownSession(t *testing.T) {
	handler := newTestServer(newFakeStore(), &fakePipeline{})

	rec := doJSON(t, handler, http.MethodGet, "/api/sessions/missing/drafts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(newFakeStore(), &fakePipeline{})

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(newFakeStore(), &fakePipeline{})

	rec := doJSON(t, handler, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buzzforge_sessions_created_total")
}
