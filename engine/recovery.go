package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/buzzforge/session"
)

// HealthReport summarizes a session's recoverability.
type HealthReport struct {
	SessionID   string         `json:"session_id"`
	Status      session.Status `json:"status"`
	Healthy     bool           `json:"healthy"`
	Issues      []string       `json:"issues,omitempty"`
	RetriesLeft int            `json:"retries_left"`
}

// Retry re-arms a failed session so it runs again immediately instead of
// waiting out its backoff window. The retry budget is not refunded.
func (d *Driver) Retry(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status != session.StatusFailed {
		return nil, NewValidationError("session %s is %s, only failed sessions can be retried", sessionID, sess.Status)
	}
	if sess.RetryCount >= session.MaxRetries {
		return nil, ErrRetryExhausted
	}

	sess.Status = session.StatusPending
	sess.NextRetryAt = nil

	if err := d.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	d.logger.Info("Session re-armed for retry",
		"session_id", sessionID,
		"phase", sess.CurrentPhase,
		"step", sess.CurrentStep,
		"retry_count", sess.RetryCount)

	return sess, nil
}

// RestartFromPhase rewinds a session to the start of the given phase,
// discarding that phase's record and everything after it. Earlier phase
// results are kept, so the rewound run reuses them.
func (d *Driver) RestartFromPhase(ctx context.Context, sessionID string, phase int) (*session.Session, error) {
	if phase < 1 || phase > session.MaxPhase {
		return nil, NewValidationError("phase must be between 1 and %d, got %d", session.MaxPhase, phase)
	}

	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.InProgress() {
		return nil, session.ErrBusy
	}

	if err := d.store.DeletePhasesFrom(ctx, sessionID, phase); err != nil {
		return nil, fmt.Errorf("discard phases: %w", err)
	}

	sess.CurrentPhase = phase
	sess.CurrentStep = session.StepThink
	sess.Status = session.StatusPending
	sess.RetryCount = 0
	sess.LastError = ""
	sess.NextRetryAt = nil
	sess.CompletedAt = nil

	if err := d.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	d.logger.Info("Session rewound",
		"session_id", sessionID,
		"phase", phase)

	return sess, nil
}

// RestartSession abandons a session and starts a fresh one with the same
// config. The old session is marked failed so pollers stop touching it.
func (d *Driver) RestartSession(ctx context.Context, sessionID string) (*session.Session, error) {
	old, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if old.Status.InProgress() {
		return nil, session.ErrBusy
	}

	if old.Status != session.StatusCompleted {
		old.Status = session.StatusFailed
		old.RetryCount = session.MaxRetries
		old.LastError = "superseded by restart"
		old.NextRetryAt = nil
		if err := d.store.UpdateSession(ctx, old); err != nil {
			return nil, err
		}
	}

	fresh, err := d.store.CreateSession(ctx, old.Config)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Session restarted",
		"old_session_id", sessionID,
		"new_session_id", fresh.ID)

	return fresh, nil
}

// CheckHealth inspects a session for conditions that block progress.
func (d *Driver) CheckHealth(ctx context.Context, sessionID string, stuckAfter time.Duration) (*HealthReport, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		SessionID:   sessionID,
		Status:      sess.Status,
		RetriesLeft: session.MaxRetries - sess.RetryCount,
	}
	if report.RetriesLeft < 0 {
		report.RetriesLeft = 0
	}

	if sess.Status.InProgress() && time.Since(sess.UpdatedAt) > stuckAfter {
		report.Issues = append(report.Issues,
			fmt.Sprintf("stuck in %s for %s", sess.Status, time.Since(sess.UpdatedAt).Round(time.Second)))
	}
	if sess.Status == session.StatusFailed && sess.RetryCount >= session.MaxRetries {
		report.Issues = append(report.Issues, "retry budget exhausted")
	}

	phases, err := d.store.ListPhases(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for n := 1; n < sess.CurrentPhase; n++ {
		p := findPhase(phases, n)
		if p == nil || len(p.IntegrateResult) == 0 {
			report.Issues = append(report.Issues,
				fmt.Sprintf("phase %d result is missing", n))
		}
	}

	report.Healthy = len(report.Issues) == 0
	return report, nil
}

// SweepStuck fails sessions that have sat in an in-progress status longer
// than stuckAfter, which happens when a process dies mid-step. The failure
// consumes a retry and schedules the normal backoff.
func (d *Driver) SweepStuck(ctx context.Context, stuckAfter time.Duration) (int, error) {
	sessions, err := d.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	cutoff := time.Now().Add(-stuckAfter)
	for _, sess := range sessions {
		if !sess.Status.InProgress() || sess.UpdatedAt.After(cutoff) {
			continue
		}

		stuckFor := time.Since(sess.UpdatedAt).Round(time.Second)
		retryAt := time.Now().Add(d.retryDelay)
		sess.Status = session.StatusFailed
		sess.LastError = fmt.Sprintf("step %s stalled at phase %d", sess.CurrentStep, sess.CurrentPhase)
		sess.RetryCount++
		sess.NextRetryAt = &retryAt

		if err := d.store.UpdateSession(ctx, sess); err != nil {
			d.logger.Error("Failed to sweep stuck session",
				"session_id", sess.ID,
				"error", err)
			continue
		}

		d.logger.Warn("Swept stuck session",
			"session_id", sess.ID,
			"phase", sess.CurrentPhase,
			"step", sess.CurrentStep,
			"stuck_for", stuckFor)
		swept++
	}

	return swept, nil
}
