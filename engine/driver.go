package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/buzzforge/session"
)

// DefaultRetryDelay is how long a failed session waits before the poller
// picks it up again. Manual advances bypass it.
const DefaultRetryDelay = 5 * time.Minute

// StepOutcome describes what one advance did.
type StepOutcome struct {
	Session *session.Session `json:"session"`

	// Phase and Step identify the step that ran.
	Phase int          `json:"phase"`
	Step  session.Step `json:"step"`

	// ShouldContinue means the session rests mid-phase and the next step can
	// run immediately. WaitForUser means a phase boundary was crossed and the
	// session waits for an explicit trigger.
	ShouldContinue bool `json:"should_continue"`
	WaitForUser    bool `json:"wait_for_user"`

	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`

	// Drafts carries the materialized artifacts once the session completes.
	Drafts []*session.Draft `json:"drafts,omitempty"`
}

// Driver advances sessions through the pipeline one step at a time.
type Driver struct {
	store      Store
	executor   *StepExecutor
	strategies *Registry
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewDriver creates a pipeline driver.
func NewDriver(store Store, executor *StepExecutor, strategies *Registry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:      store,
		executor:   executor,
		strategies: strategies,
		logger:     logger,
		retryDelay: DefaultRetryDelay,
	}
}

// SetRetryDelay overrides the delay written into NextRetryAt on failure.
func (d *Driver) SetRetryDelay(delay time.Duration) {
	if delay > 0 {
		d.retryDelay = delay
	}
}

// Advance runs exactly one step of the session's pipeline. It validates the
// step's inputs before marking the session busy, so validation failures leave
// the session untouched. Concurrent advances on the same session are serialized
// by a conditional status write; the loser gets session.ErrBusy.
func (d *Driver) Advance(ctx context.Context, sessionID string) (*StepOutcome, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status == session.StatusCompleted {
		// Terminal: report the existing drafts, mutate nothing.
		drafts, err := d.store.ListDraftsBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &StepOutcome{
			Session:   sess,
			Phase:     sess.CurrentPhase,
			Step:      sess.CurrentStep,
			Completed: true,
			Drafts:    drafts,
		}, nil
	}
	if sess.Status == session.StatusFailed && sess.RetryCount >= session.MaxRetries {
		return nil, ErrRetryExhausted
	}
	if sess.Status.InProgress() {
		return nil, session.ErrBusy
	}

	strat, err := d.strategies.Get(sess.CurrentPhase)
	if err != nil {
		return nil, err
	}
	step := sess.CurrentStep

	// Assemble everything the step needs before touching session state.
	phases, err := d.store.ListPhases(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	bindings, err := Assemble(sess.Config, phases, sess.CurrentPhase)
	if err != nil {
		return nil, err
	}

	phase := findPhase(phases, sess.CurrentPhase)
	if phase == nil {
		phase = &session.Phase{
			SessionID:   sessionID,
			PhaseNumber: sess.CurrentPhase,
		}
	}

	if err := checkStepInputs(step, phase); err != nil {
		return nil, err
	}

	// Busy-mark, anchored to the snapshot's position. A competing invocation
	// that finished a step in the meantime moved the session, so the
	// transition loses instead of re-running the stale step. From here on
	// every exit path must leave the session in a rest state.
	sess, err = d.store.TransitionStatus(ctx, sessionID,
		sess.CurrentPhase, step,
		[]session.Status{session.StatusPending, session.StatusFailed},
		step.RunningStatus())
	if err != nil {
		return nil, err
	}

	d.logger.Info("Running pipeline step",
		"session_id", sessionID,
		"phase", sess.CurrentPhase,
		"phase_name", strat.Name,
		"step", step)

	output, stepErr := d.executor.RunStep(ctx, step, strat, phase, bindings)
	if stepErr != nil {
		return d.markFailed(ctx, sess, step, stepErr)
	}

	phase.Status = phaseStatusAfter(step)
	if err := d.store.UpsertPhase(ctx, phase); err != nil {
		return d.markFailed(ctx, sess, step, err)
	}

	// A successful step clears the failure bookkeeping; the retry budget
	// counts consecutive failures only.
	sess.RetryCount = 0
	sess.LastError = ""
	sess.NextRetryAt = nil
	sess.TotalDurationMs += output.DurationMs
	sess.TotalTokens += output.Tokens

	outcome := &StepOutcome{
		Phase: sess.CurrentPhase,
		Step:  step,
	}

	switch {
	case step == session.StepThink:
		sess.CurrentStep = session.StepExecute
		sess.Status = session.StatusPending
		outcome.ShouldContinue = true

	case step == session.StepExecute:
		sess.CurrentStep = session.StepIntegrate
		sess.Status = session.StatusPending
		outcome.ShouldContinue = true

	case sess.CurrentPhase < session.MaxPhase:
		// Phase boundary: pause for review before the next phase starts.
		sess.CurrentPhase++
		sess.CurrentStep = session.StepThink
		sess.Status = session.StatusPending
		outcome.WaitForUser = true

	default:
		drafts, err := d.materialize(ctx, sess, phases, phase)
		if err != nil {
			return d.markFailed(ctx, sess, step, err)
		}
		now := time.Now()
		sess.Status = session.StatusCompleted
		sess.CompletedAt = &now
		outcome.Completed = true
		outcome.Drafts = drafts
	}

	if err := d.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	outcome.Session = sess

	d.logger.Info("Pipeline step completed",
		"session_id", sessionID,
		"phase", outcome.Phase,
		"step", outcome.Step,
		"status", sess.Status,
		"tokens", output.Tokens)

	return outcome, nil
}

// markFailed records a step failure and schedules the retry window. The
// session stays at its current phase and step.
func (d *Driver) markFailed(ctx context.Context, sess *session.Session, step session.Step, stepErr error) (*StepOutcome, error) {
	retryAt := time.Now().Add(d.retryDelay)
	sess.Status = session.StatusFailed
	sess.LastError = stepErr.Error()
	sess.RetryCount++
	sess.NextRetryAt = &retryAt

	if err := d.store.UpdateSession(ctx, sess); err != nil {
		d.logger.Error("Failed to persist step failure",
			"session_id", sess.ID,
			"error", err)
		return nil, errors.Join(stepErr, err)
	}

	d.logger.Warn("Pipeline step failed",
		"session_id", sess.ID,
		"phase", sess.CurrentPhase,
		"step", step,
		"retry_count", sess.RetryCount,
		"error", stepErr)

	outcome := &StepOutcome{
		Session: sess,
		Phase:   sess.CurrentPhase,
		Step:    step,
		Failed:  true,
		Error:   stepErr.Error(),
	}
	return outcome, stepErr
}

// materialize turns the finished pipeline into draft records.
func (d *Driver) materialize(ctx context.Context, sess *session.Session, phases []*session.Phase, final *session.Phase) ([]*session.Draft, error) {
	merged := make([]*session.Phase, 0, len(phases)+1)
	for _, p := range phases {
		if p.PhaseNumber == final.PhaseNumber {
			continue
		}
		merged = append(merged, p)
	}
	merged = append(merged, final)

	drafts, err := BuildDrafts(sess.ID, merged)
	if err != nil {
		return nil, err
	}

	for _, draft := range drafts {
		if err := d.store.CreateDraft(ctx, draft); err != nil {
			return nil, err
		}
	}

	d.logger.Info("Session drafts materialized",
		"session_id", sess.ID,
		"drafts", len(drafts))

	return drafts, nil
}

// checkStepInputs verifies the step's within-phase inputs exist. Runs before
// the busy-mark so a violation mutates nothing.
func checkStepInputs(step session.Step, phase *session.Phase) error {
	switch step {
	case session.StepExecute:
		if len(phase.ThinkResult) == 0 {
			return NewValidationError("phase %d execute requires a think result", phase.PhaseNumber)
		}
	case session.StepIntegrate:
		if len(phase.ExecuteResult) == 0 {
			return NewValidationError("phase %d integrate requires an execute result", phase.PhaseNumber)
		}
	}
	return nil
}

// phaseStatusAfter maps a completed step to the phase record's status.
func phaseStatusAfter(step session.Step) session.Status {
	switch step {
	case session.StepThink:
		return session.StatusThinking
	case session.StepExecute:
		return session.StatusExecuting
	default:
		return session.StatusCompleted
	}
}

func findPhase(phases []*session.Phase, number int) *session.Phase {
	for _, p := range phases {
		if p.PhaseNumber == number {
			return p
		}
	}
	return nil
}
