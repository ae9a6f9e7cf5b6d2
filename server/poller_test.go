package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/server"
	"github.com/c360studio/buzzforge/session"
)

type fakeAdvancer struct {
	advanced []string
	swept    int
}

func (f *fakeAdvancer) Advance(_ context.Context, id string) (*engine.StepOutcome, error) {
	f.advanced = append(f.advanced, id)
	return &engine.StepOutcome{}, nil
}

func (f *fakeAdvancer) SweepStuck(context.Context, time.Duration) (int, error) {
	f.swept++
	return 0, nil
}

func newTestPoller(store *fakeStore, advancer server.Advancer, batch int) *server.Poller {
	metrics := server.NewMetrics(prometheus.NewRegistry())
	return server.NewPoller(store, advancer, time.Minute, batch, 10*time.Minute, metrics, nil)
}

func TestPollerRetriesDueFailedSessions(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	due, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	due.Status = session.StatusFailed
	due.RetryCount = 1
	due.NextRetryAt = &past

	waiting, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	waiting.Status = session.StatusFailed
	waiting.RetryCount = 1
	waiting.NextRetryAt = &future

	exhausted, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	exhausted.Status = session.StatusFailed
	exhausted.RetryCount = session.MaxRetries
	exhausted.NextRetryAt = &past

	advancer := &fakeAdvancer{}
	newTestPoller(store, advancer, 5).PollOnce(ctx)

	assert.Contains(t, advancer.advanced, due.ID)
	assert.NotContains(t, advancer.advanced, waiting.ID)
	assert.NotContains(t, advancer.advanced, exhausted.ID)
	assert.Equal(t, 1, advancer.swept)
}

func TestPollerContinuesMidPhaseSessions(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	midPhase, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	midPhase.CurrentStep = session.StepExecute

	boundary, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	boundary.CurrentStep = session.StepThink

	advancer := &fakeAdvancer{}
	newTestPoller(store, advancer, 5).PollOnce(ctx)

	assert.Contains(t, advancer.advanced, midPhase.ID)
	assert.NotContains(t, advancer.advanced, boundary.ID)
}

func TestPollerSkipsTerminalSessions(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	done, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	done.Status = session.StatusCompleted

	running, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
	require.NoError(t, err)
	running.Status = session.StatusThinking

	advancer := &fakeAdvancer{}
	newTestPoller(store, advancer, 5).PollOnce(ctx)

	assert.Empty(t, advancer.advanced)
}

func TestPollerHonorsBatchLimit(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		sess, err := store.CreateSession(ctx, map[string]any{"subject": "x"})
		require.NoError(t, err)
		sess.Status = session.StatusFailed
		sess.RetryCount = 1
		sess.NextRetryAt = &past
	}

	advancer := &fakeAdvancer{}
	newTestPoller(store, advancer, 2).PollOnce(ctx)

	assert.Len(t, advancer.advanced, 2)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	advancer := &fakeAdvancer{}
	poller := server.NewPoller(newFakeStore(), advancer, 5*time.Millisecond, 1, 10*time.Minute, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}
