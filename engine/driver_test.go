package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/llm"
	"github.com/c360studio/buzzforge/session"
)

// memStore is an in-memory engine.Store for driver tests. It mimics the KV
// store's copy semantics: callers never share pointers with stored state.
type memStore struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*session.Session
	phases   map[string]*session.Phase
	drafts   []*session.Draft
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*session.Session),
		phases:   make(map[string]*session.Phase),
	}
}

func copySession(s *session.Session) *session.Session {
	c := *s
	return &c
}

func copyPhase(p *session.Phase) *session.Phase {
	c := *p
	return &c
}

func (m *memStore) CreateSession(_ context.Context, config map[string]any) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now()
	sess := &session.Session{
		ID:           fmt.Sprintf("sess-%d", m.nextID),
		Config:       config,
		Status:       session.StatusPending,
		CurrentPhase: 1,
		CurrentStep:  session.StepThink,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.sessions[sess.ID] = copySession(sess)
	return sess, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return copySession(sess), nil
}

func (m *memStore) UpdateSession(_ context.Context, sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.UpdatedAt = time.Now()
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

func (m *memStore) ListSessions(_ context.Context) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, copySession(sess))
	}
	return out, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, atPhase int, atStep session.Step, from []session.Status, to session.Status) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}

	if sess.CurrentPhase != atPhase || sess.CurrentStep != atStep {
		return nil, session.ErrBusy
	}

	allowed := false
	for _, st := range from {
		if sess.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, session.ErrBusy
	}

	sess.Status = to
	sess.UpdatedAt = time.Now()
	return copySession(sess), nil
}

func phaseID(sessionID string, n int) string {
	return fmt.Sprintf("%s.%d", sessionID, n)
}

func (m *memStore) GetPhase(_ context.Context, sessionID string, n int) (*session.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.phases[phaseID(sessionID, n)]
	if !ok {
		return nil, session.ErrNotFound
	}
	return copyPhase(p), nil
}

func (m *memStore) UpsertPhase(_ context.Context, p *session.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phases[phaseID(p.SessionID, p.PhaseNumber)] = copyPhase(p)
	return nil
}

func (m *memStore) ListPhases(_ context.Context, sessionID string) ([]*session.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*session.Phase, 0)
	for n := 1; n <= session.MaxPhase; n++ {
		if p, ok := m.phases[phaseID(sessionID, n)]; ok {
			out = append(out, copyPhase(p))
		}
	}
	return out, nil
}

func (m *memStore) DeletePhasesFrom(_ context.Context, sessionID string, fromPhase int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n := fromPhase; n <= session.MaxPhase; n++ {
		delete(m.phases, phaseID(sessionID, n))
	}
	return nil
}

func (m *memStore) CreateDraft(_ context.Context, d *session.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *d
	m.drafts = append(m.drafts, &c)
	return nil
}

func (m *memStore) ListDraftsBySession(_ context.Context, sessionID string) ([]*session.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*session.Draft, 0)
	for _, d := range m.drafts {
		if d.SessionID == sessionID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

// scriptedCompleter returns canned responses in order.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []llm.Request
}

type scriptedResponse struct {
	content string
	err     error
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}

	next := c.responses[0]
	c.responses = c.responses[1:]
	if next.err != nil {
		return nil, next.err
	}

	return &llm.Response{
		Content: next.content,
		Model:   "test-model",
		Usage:   llm.TokenUsage{TotalTokens: 10},
	}, nil
}

func (c *scriptedCompleter) push(contents ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, content := range contents {
		c.responses = append(c.responses, scriptedResponse{content: content})
	}
}

func (c *scriptedCompleter) pushErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, scriptedResponse{err: err})
}

func newTestDriver(t *testing.T) (*engine.Driver, *memStore, *scriptedCompleter) {
	t.Helper()

	store := newMemStore()
	completer := &scriptedCompleter{}
	executor := engine.NewStepExecutor(engine.NewTemplateSet(), completer, nil)
	driver := engine.NewDriver(store, executor, engine.NewStrategyRegistry(nil), nil)
	return driver, store, completer
}

func testConfig() map[string]any {
	return map[string]any{
		"subject":  "homebrew espresso",
		"platform": "instagram",
		"tone":     "playful",
	}
}

// Canned step outputs for each phase, in pipeline order. Execute steps are
// passthrough so only think and integrate consume responses.
const (
	phase1Think     = `{"questions": ["what is trending"], "focus": "trends"}`
	phase1Integrate = `{"topics": [{"name": "latte art fails", "momentum": "rising"}], "insights": ["short clips win"], "sources": ["https://example.com/a"]}`
	phase2Think     = `{"criteria": ["audience fit"]}`
	phase2Integrate = `{"opportunities": [{"topic": "latte art fails", "score": 0.9}], "recommended": "latte art fails"}`
	phase3Think     = `{"directions": ["self-deprecating humor"], "audience": "home baristas"}`
	phase3Integrate = `{"concepts": [{"number": 1, "title": "My worst pour", "hook": "I ruined it"}, {"number": 2, "title": "Rate my art", "hook": "be honest"}, {"number": 3, "title": "Tulip tutorial"}]}`
	phase4Think     = `{"selected_concept": 2, "outline": ["open with the fail", "ask for ratings"]}`
	phase4Integrate = `{"selected_concept": 2, "content": "Rate my latte art from 1 to 10.", "reasoning": "most engaging"}`
	phase5Think     = `{"considerations": ["post in the morning"]}`
	phase5Integrate = `{"timing": "weekday 8am", "kpis": ["saves", "comments"], "risk_notes": "none", "optimization": ["pin top comment"]}`
)

func TestAdvanceRunsOneStepAtATime(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.push(phase1Think)

	outcome, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Phase)
	assert.Equal(t, session.StepThink, outcome.Step)
	assert.True(t, outcome.ShouldContinue)
	assert.False(t, outcome.WaitForUser)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Equal(t, 1, got.CurrentPhase)
	assert.Equal(t, session.StepExecute, got.CurrentStep)
	assert.Equal(t, 10, got.TotalTokens)

	phase, err := store.GetPhase(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, phase.ThinkPrompt)
	assert.NotEmpty(t, phase.ThinkResult)
	assert.NotNil(t, phase.ThinkAt)
	assert.Empty(t, phase.ExecuteResult)
}

func TestAdvanceCrossesPhaseBoundary(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.push(phase1Think, phase1Integrate)

	think, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, think.ShouldContinue)

	execute, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StepExecute, execute.Step)
	assert.True(t, execute.ShouldContinue)

	integrate, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StepIntegrate, integrate.Step)
	assert.False(t, integrate.ShouldContinue)
	assert.True(t, integrate.WaitForUser)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Equal(t, 2, got.CurrentPhase)
	assert.Equal(t, session.StepThink, got.CurrentStep)
}

func TestAdvanceParseFailureChecksNothingIn(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.push("I could not decide on any questions, sorry!")

	outcome, err := driver.Advance(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, engine.IsParse(err))
	require.NotNil(t, outcome)
	assert.True(t, outcome.Failed)
	assert.NotEmpty(t, outcome.Error)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEmpty(t, got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))

	// The step did not advance and no partial result was stored.
	assert.Equal(t, 1, got.CurrentPhase)
	assert.Equal(t, session.StepThink, got.CurrentStep)
	_, err = store.GetPhase(ctx, sess.ID, 1)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAdvanceResumesFailedSessionAndResetsRetries(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.pushErr(errors.New("model endpoint down"))
	_, err = driver.Advance(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, engine.IsUpstream(err))

	completer.push(phase1Think)
	outcome, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, outcome.ShouldContinue)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
}

func TestAdvanceRetryBudgetExhausted(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	for i := 0; i < session.MaxRetries; i++ {
		completer.pushErr(errors.New("model endpoint down"))
		_, err = driver.Advance(ctx, sess.ID)
		require.Error(t, err)
	}

	_, err = driver.Advance(ctx, sess.ID)
	assert.ErrorIs(t, err, engine.ErrRetryExhausted)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.MaxRetries, got.RetryCount)
}

func TestAdvanceBusySession(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	sess.Status = session.StatusThinking
	require.NoError(t, store.UpdateSession(ctx, sess))

	_, err = driver.Advance(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrBusy)
}

// racingStore injects a competing advance between the driver's session
// snapshot and its busy-mark.
type racingStore struct {
	*memStore
	rival *engine.Driver
	once  sync.Once
}

func (r *racingStore) ListPhases(ctx context.Context, sessionID string) ([]*session.Phase, error) {
	r.once.Do(func() {
		_, _ = r.rival.Advance(ctx, sessionID)
	})
	return r.memStore.ListPhases(ctx, sessionID)
}

func TestAdvanceLosesToCompetingStep(t *testing.T) {
	store := newMemStore()
	completer := &scriptedCompleter{}
	executor := engine.NewStepExecutor(engine.NewTemplateSet(), completer, nil)
	strategies := engine.NewStrategyRegistry(nil)

	rival := engine.NewDriver(store, executor, strategies, nil)
	driver := engine.NewDriver(&racingStore{memStore: store, rival: rival}, executor, strategies, nil)

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.push(phase1Think)

	// The rival completes the full THINK step while this invocation holds a
	// pre-step snapshot; the stale busy-mark must lose instead of re-running
	// the step.
	_, err = driver.Advance(ctx, sess.ID)
	require.ErrorIs(t, err, session.ErrBusy)

	assert.Len(t, completer.requests, 1)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Equal(t, session.StepExecute, got.CurrentStep)

	phase, err := store.GetPhase(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, phase.ThinkResult)
}

func TestAdvanceCompletedSession(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	sess.Status = session.StatusCompleted
	require.NoError(t, store.UpdateSession(ctx, sess))

	outcome, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Completed)
	assert.Empty(t, outcome.Drafts)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
}

func TestAdvanceUnknownSession(t *testing.T) {
	driver, _, _ := newTestDriver(t)

	_, err := driver.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAdvanceValidationLeavesSessionUntouched(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	// Force the session into phase 2 without a phase 1 result.
	sess.CurrentPhase = 2
	require.NoError(t, store.UpdateSession(ctx, sess))

	_, err = driver.Advance(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
}

// runToCompletion drives a fresh session through all five phases.
func runToCompletion(t *testing.T, driver *engine.Driver, store *memStore, completer *scriptedCompleter) *session.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.push(
		phase1Think, phase1Integrate,
		phase2Think, phase2Integrate,
		phase3Think, phase3Integrate,
		phase4Think, phase4Integrate,
		phase5Think, phase5Integrate,
	)

	var last *engine.StepOutcome
	for i := 0; i < session.MaxPhase*3; i++ {
		last, err = driver.Advance(ctx, sess.ID)
		require.NoError(t, err, "advance %d", i+1)
	}

	require.True(t, last.Completed)
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	return got
}

func TestFullPipelineProducesDrafts(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess := runToCompletion(t, driver, store, completer)

	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, 100, sess.TotalTokens)

	drafts, err := store.ListDraftsBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 3)

	withContent := 0
	for _, d := range drafts {
		assert.Equal(t, session.DraftStatusDraft, d.Status)
		if d.Content != nil {
			withContent++
			assert.Equal(t, 2, d.ConceptNumber)
			assert.Equal(t, "Rate my latte art from 1 to 10.", *d.Content)
			assert.Equal(t, []string{"saves", "comments"}, d.KPIs)
			assert.Equal(t, "weekday 8am", d.Timing)
		}
	}
	assert.Equal(t, 1, withContent)

	// Advancing a completed session reports the drafts without mutating.
	outcome, err := driver.Advance(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Completed)
	assert.Len(t, outcome.Drafts, 3)
}

func TestRetryRearmsFailedSession(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	completer.pushErr(errors.New("model endpoint down"))
	_, err = driver.Advance(ctx, sess.ID)
	require.Error(t, err)

	rearmed, err := driver.Retry(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, rearmed.Status)
	assert.Nil(t, rearmed.NextRetryAt)
	assert.Equal(t, 1, rearmed.RetryCount)
}

func TestRetryRejectsHealthySession(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	_, err = driver.Retry(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestRetryExhaustedBudget(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	sess.Status = session.StatusFailed
	sess.RetryCount = session.MaxRetries
	require.NoError(t, store.UpdateSession(ctx, sess))

	_, err = driver.Retry(ctx, sess.ID)
	assert.ErrorIs(t, err, engine.ErrRetryExhausted)
}

func TestRestartFromPhaseDiscardsLaterPhases(t *testing.T) {
	driver, store, completer := newTestDriver(t)
	ctx := context.Background()

	sess := runToCompletion(t, driver, store, completer)

	rewound, err := driver.RestartFromPhase(ctx, sess.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, rewound.CurrentPhase)
	assert.Equal(t, session.StepThink, rewound.CurrentStep)
	assert.Equal(t, session.StatusPending, rewound.Status)
	assert.Nil(t, rewound.CompletedAt)

	phases, err := store.ListPhases(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, 1, phases[0].PhaseNumber)
	assert.Equal(t, 2, phases[1].PhaseNumber)
}

func TestRestartFromPhaseRejectsBadPhase(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	_, err = driver.RestartFromPhase(ctx, sess.ID, 0)
	assert.True(t, engine.IsValidation(err))

	_, err = driver.RestartFromPhase(ctx, sess.ID, session.MaxPhase+1)
	assert.True(t, engine.IsValidation(err))
}

func TestRestartSessionCreatesFreshRun(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	fresh, err := driver.RestartSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
	assert.Equal(t, sess.Config, fresh.Config)
	assert.Equal(t, session.StatusPending, fresh.Status)
	assert.Equal(t, 1, fresh.CurrentPhase)

	old, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, old.Status)
	assert.Equal(t, session.MaxRetries, old.RetryCount)
}

func TestSweepStuckFailsStalledSessions(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	stuck, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)
	fine, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	stuck.Status = session.StatusExecuting
	require.NoError(t, store.UpdateSession(ctx, stuck))

	// Backdate the stuck session past the threshold.
	store.mu.Lock()
	store.sessions[stuck.ID].UpdatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	swept, err := driver.SweepStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := store.GetSession(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)

	untouched, err := store.GetSession(ctx, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, untouched.Status)
}

func TestCheckHealth(t *testing.T) {
	driver, store, _ := newTestDriver(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testConfig())
	require.NoError(t, err)

	report, err := driver.CheckHealth(ctx, sess.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, session.MaxRetries, report.RetriesLeft)

	sess.CurrentPhase = 3
	sess.Status = session.StatusFailed
	sess.RetryCount = session.MaxRetries
	require.NoError(t, store.UpdateSession(ctx, sess))

	report, err = driver.CheckHealth(ctx, sess.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, 0, report.RetriesLeft)
	assert.NotEmpty(t, report.Issues)
}
