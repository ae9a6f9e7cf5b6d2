package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/buzzforge/llm"
	"github.com/c360studio/buzzforge/session"
)

// StepOutput reports the cost of a completed step for session accounting.
type StepOutput struct {
	DurationMs int64
	Tokens     int
}

// StepExecutor runs individual pipeline steps against the LLM and the
// phase's execute handler. It writes results into the phase record but never
// persists anything; the driver owns all writes.
type StepExecutor struct {
	templates *TemplateSet
	completer Completer
	logger    *slog.Logger
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(templates *TemplateSet, completer Completer, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		templates: templates,
		completer: completer,
		logger:    logger,
	}
}

// RunStep executes one step of a phase, filling in the phase record's fields
// for that step on success.
func (e *StepExecutor) RunStep(ctx context.Context, step session.Step, strat *Strategy, phase *session.Phase, bindings map[string]any) (*StepOutput, error) {
	switch step {
	case session.StepThink:
		return e.runThink(ctx, strat, phase, bindings)
	case session.StepExecute:
		return e.runExecute(ctx, strat, phase, bindings)
	case session.StepIntegrate:
		return e.runIntegrate(ctx, strat, phase, bindings)
	default:
		return nil, NewValidationError("unknown step %q", step)
	}
}

func (e *StepExecutor) runThink(ctx context.Context, strat *Strategy, phase *session.Phase, bindings map[string]any) (*StepOutput, error) {
	start := time.Now()

	prompt, err := e.templates.Render(strat.Think.Template, bindings)
	if err != nil {
		return nil, NewValidationError("render think prompt: %v", err)
	}

	resp, err := e.complete(ctx, strat.Think, prompt)
	if err != nil {
		return nil, NewUpstreamError(strat.Phase, string(session.StepThink), err)
	}

	result, err := parseStructured(strat.Phase, session.StepThink, resp.Content, strat.NewThinkResult)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	phase.ThinkPrompt = prompt
	phase.ThinkResult = result
	phase.ThinkTokens = resp.Usage.TotalTokens
	phase.ThinkAt = &now

	e.logger.Debug("Think step completed",
		"session_id", phase.SessionID,
		"phase", strat.Phase,
		"tokens", resp.Usage.TotalTokens)

	return &StepOutput{
		DurationMs: time.Since(start).Milliseconds(),
		Tokens:     resp.Usage.TotalTokens,
	}, nil
}

func (e *StepExecutor) runExecute(ctx context.Context, strat *Strategy, phase *session.Phase, bindings map[string]any) (*StepOutput, error) {
	start := time.Now()

	result, err := strat.Execute(ctx, phase.ThinkResult, bindings)
	if err != nil {
		return nil, NewUpstreamError(strat.Phase, string(session.StepExecute), err)
	}
	if !json.Valid(result) {
		return nil, NewParseError(strat.Phase, string(session.StepExecute), fmt.Errorf("execute handler returned invalid JSON"))
	}

	now := time.Now()
	durationMs := time.Since(start).Milliseconds()
	phase.ExecuteResult = result
	phase.ExecuteDurationMs = durationMs
	phase.ExecuteAt = &now

	e.logger.Debug("Execute step completed",
		"session_id", phase.SessionID,
		"phase", strat.Phase,
		"duration_ms", durationMs)

	return &StepOutput{DurationMs: durationMs}, nil
}

func (e *StepExecutor) runIntegrate(ctx context.Context, strat *Strategy, phase *session.Phase, bindings map[string]any) (*StepOutput, error) {
	start := time.Now()

	merged := mergeStepResults(bindings, phase.ThinkResult, phase.ExecuteResult)

	prompt, err := e.templates.Render(strat.Integrate.Template, merged)
	if err != nil {
		return nil, NewValidationError("render integrate prompt: %v", err)
	}

	resp, err := e.complete(ctx, strat.Integrate, prompt)
	if err != nil {
		return nil, NewUpstreamError(strat.Phase, string(session.StepIntegrate), err)
	}

	result, err := parseStructured(strat.Phase, session.StepIntegrate, resp.Content, strat.NewIntegrateResult)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	phase.IntegratePrompt = prompt
	phase.IntegrateResult = result
	phase.IntegrateTokens = resp.Usage.TotalTokens
	phase.IntegrateAt = &now

	e.logger.Debug("Integrate step completed",
		"session_id", phase.SessionID,
		"phase", strat.Phase,
		"tokens", resp.Usage.TotalTokens)

	return &StepOutput{
		DurationMs: time.Since(start).Milliseconds(),
		Tokens:     resp.Usage.TotalTokens,
	}, nil
}

func (e *StepExecutor) complete(ctx context.Context, spec PromptSpec, prompt string) (*llm.Response, error) {
	return e.completer.Complete(ctx, llm.Request{
		Capability: string(spec.Capability),
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
}

// parseStructured extracts JSON from raw model output, decodes it into the
// step's typed result, and validates it. Any failure is a ParseError; the
// raw content is never replaced with a default.
func parseStructured(phase int, step session.Step, content string, newResult func() Result) (json.RawMessage, error) {
	extracted := llm.ExtractJSON(content)
	if extracted == "" {
		return nil, NewParseError(phase, string(step), fmt.Errorf("no JSON object found in model output"))
	}

	result := newResult()
	if err := json.Unmarshal([]byte(extracted), result); err != nil {
		return nil, NewParseError(phase, string(step), err)
	}

	if err := result.Validate(); err != nil {
		return nil, NewParseError(phase, string(step), err)
	}

	// Re-marshal the typed result so stored checkpoints are canonical and
	// include any fields validation backfilled.
	data, err := json.Marshal(result)
	if err != nil {
		return nil, NewParseError(phase, string(step), err)
	}

	return data, nil
}
