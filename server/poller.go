package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/session"
)

// Advancer is the driver surface the poller needs.
type Advancer interface {
	Advance(ctx context.Context, sessionID string) (*engine.StepOutcome, error)
	SweepStuck(ctx context.Context, stuckAfter time.Duration) (int, error)
}

// Poller periodically resumes sessions that can make progress without a
// user trigger: failed sessions whose retry window has passed, and sessions
// resting mid-phase. Sessions paused at a phase boundary are left alone.
type Poller struct {
	store      engine.Store
	advancer   Advancer
	interval   time.Duration
	batch      int
	stuckAfter time.Duration
	metrics    *Metrics
	logger     *slog.Logger
}

// NewPoller creates a session poller.
func NewPoller(store engine.Store, advancer Advancer, interval time.Duration, batch int, stuckAfter time.Duration, metrics *Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:      store,
		advancer:   advancer,
		interval:   interval,
		batch:      batch,
		stuckAfter: stuckAfter,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Session poller started",
		"interval", p.interval,
		"batch", p.batch)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Session poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one scan cycle: sweep stalled sessions, then advance up to
// the batch limit of due ones.
func (p *Poller) PollOnce(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.PollerRuns.Inc()
	}

	swept, err := p.advancer.SweepStuck(ctx, p.stuckAfter)
	if err != nil {
		p.logger.Error("Stuck session sweep failed", "error", err)
	} else if swept > 0 && p.metrics != nil {
		p.metrics.StuckSwept.Add(float64(swept))
	}

	sessions, err := p.store.ListSessions(ctx)
	if err != nil {
		p.logger.Error("Failed to list sessions", "error", err)
		return
	}

	advanced := 0
	for _, sess := range sessions {
		if advanced >= p.batch {
			break
		}
		if !p.due(sess) {
			continue
		}

		if _, err := p.advancer.Advance(ctx, sess.ID); err != nil {
			// Busy just means someone else got there first.
			if errors.Is(err, session.ErrBusy) {
				continue
			}
			p.logger.Warn("Poller advance failed",
				"session_id", sess.ID,
				"error", err)
			continue
		}

		advanced++
		if p.metrics != nil {
			p.metrics.PollerAdvanced.Inc()
		}
	}

	if advanced > 0 {
		p.logger.Info("Poller cycle complete", "advanced", advanced)
	}
}

// due reports whether the poller should advance a session. Failed sessions
// are due once their retry window passes; pending sessions are due when they
// rest mid-phase. A pending session at THINK sits at a phase boundary (or
// has never started) and waits for an explicit trigger.
func (p *Poller) due(sess *session.Session) bool {
	now := time.Now()

	switch sess.Status {
	case session.StatusFailed:
		if sess.RetryCount >= session.MaxRetries {
			return false
		}
		return sess.NextRetryAt == nil || now.After(*sess.NextRetryAt)

	case session.StatusPending:
		return sess.CurrentStep != session.StepThink

	default:
		return false
	}
}
