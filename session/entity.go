// Package session provides durable storage for pipeline sessions using NATS KV.
package session

import (
	"encoding/json"
	"time"
)

// MaxPhase is the number of phases in the content pipeline.
const MaxPhase = 5

// MaxRetries is the number of failed advances allowed before a session
// becomes terminally failed.
const MaxRetries = 3

// Status represents the lifecycle state of a session.
// In-progress values (THINKING, EXECUTING, INTEGRATING) mean a step is
// currently running; PENDING means the session is paused awaiting the next
// trigger; COMPLETED and FAILED are rest states.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusThinking    Status = "THINKING"
	StatusExecuting   Status = "EXECUTING"
	StatusIntegrating Status = "INTEGRATING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// InProgress reports whether the status indicates a step is running.
func (s Status) InProgress() bool {
	switch s {
	case StatusThinking, StatusExecuting, StatusIntegrating:
		return true
	}
	return false
}

// Terminal reports whether the status is COMPLETED.
// FAILED is not terminal by itself; it becomes terminal once the retry
// budget is spent.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Step identifies one unit of work within a phase.
type Step string

const (
	StepThink     Step = "THINK"
	StepExecute   Step = "EXECUTE"
	StepIntegrate Step = "INTEGRATE"
)

// RunningStatus returns the in-progress status corresponding to a step.
func (s Step) RunningStatus() Status {
	switch s {
	case StepExecute:
		return StatusExecuting
	case StepIntegrate:
		return StatusIntegrating
	default:
		return StatusThinking
	}
}

// Session is one run of the five-phase pipeline.
type Session struct {
	ID     string         `json:"id"`
	Config map[string]any `json:"config"`

	Status       Status `json:"status"`
	CurrentPhase int    `json:"current_phase"`
	CurrentStep  Step   `json:"current_step"`

	TotalDurationMs int64 `json:"total_duration_ms"`
	TotalTokens     int   `json:"total_tokens"`

	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Runnable reports whether an advance may attempt a step right now.
func (s *Session) Runnable() bool {
	if s.Status == StatusPending {
		return true
	}
	return s.Status == StatusFailed && s.RetryCount < MaxRetries
}

// Phase holds the persisted step outputs for one phase of one session.
// Step fields are populated only after that step succeeds.
type Phase struct {
	SessionID   string `json:"session_id"`
	PhaseNumber int    `json:"phase_number"`

	ThinkPrompt string          `json:"think_prompt,omitempty"`
	ThinkResult json.RawMessage `json:"think_result,omitempty"`
	ThinkTokens int             `json:"think_tokens,omitempty"`
	ThinkAt     *time.Time      `json:"think_at,omitempty"`

	ExecuteResult     json.RawMessage `json:"execute_result,omitempty"`
	ExecuteDurationMs int64           `json:"execute_duration_ms,omitempty"`
	ExecuteAt         *time.Time      `json:"execute_at,omitempty"`

	IntegratePrompt string          `json:"integrate_prompt,omitempty"`
	IntegrateResult json.RawMessage `json:"integrate_result,omitempty"`
	IntegrateTokens int             `json:"integrate_tokens,omitempty"`
	IntegrateAt     *time.Time      `json:"integrate_at,omitempty"`

	// Status mirrors the last completed step for this phase.
	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DraftStatus values for materialized drafts.
const DraftStatusDraft = "DRAFT"

// Draft is a materialized content artifact produced at session completion.
// Content is set only for the concept selected in phase 4; the remaining
// concepts are kept as empty shells for manual completion.
type Draft struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	ConceptNumber int    `json:"concept_number"`

	Title  string `json:"title"`
	Hook   string `json:"hook,omitempty"`
	Angle  string `json:"angle,omitempty"`
	Format string `json:"format,omitempty"`

	Content *string `json:"content"`

	VisualGuide string   `json:"visual_guide,omitempty"`
	Timing      string   `json:"timing,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
	KPIs        []string `json:"kpis,omitempty"`
	RiskNotes   string   `json:"risk_notes,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
