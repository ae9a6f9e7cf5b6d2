package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/buzzforge/model"
)

// ExecuteFunc is the pluggable handler for a phase's EXECUTE step. It
// receives the phase's think result and the assembled bindings, and returns
// structured data opaque to the engine. Errors are wrapped as UpstreamError
// by the step executor.
type ExecuteFunc func(ctx context.Context, thinkResult json.RawMessage, bindings map[string]any) (json.RawMessage, error)

// PromptSpec describes one LLM-backed step of a phase.
type PromptSpec struct {
	// Template is the prompt template name in the TemplateSet.
	Template string

	// Capability selects the model via the registry.
	Capability model.Capability

	// Temperature overrides the endpoint default when non-nil.
	Temperature *float64

	// MaxTokens limits the response length. 0 uses the endpoint default.
	MaxTokens int
}

// Strategy defines the behavior of one pipeline phase.
type Strategy struct {
	Phase int
	Name  string

	Think     PromptSpec
	Execute   ExecuteFunc
	Integrate PromptSpec

	// NewThinkResult and NewIntegrateResult allocate the typed result the
	// corresponding step's LLM output must parse into.
	NewThinkResult     func() Result
	NewIntegrateResult func() Result
}

// Registry resolves phase numbers to strategies.
type Registry struct {
	strategies map[int]*Strategy
}

// Get returns the strategy for a phase number.
func (r *Registry) Get(phase int) (*Strategy, error) {
	s, ok := r.strategies[phase]
	if !ok {
		return nil, NewValidationError("no strategy for phase %d", phase)
	}
	return s, nil
}

// Passthrough is the execute handler for phases with no external work: the
// think result flows through unchanged so INTEGRATE sees a uniform shape.
func Passthrough(_ context.Context, thinkResult json.RawMessage, _ map[string]any) (json.RawMessage, error) {
	if len(thinkResult) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return thinkResult, nil
}

func temp(v float64) *float64 { return &v }

// NewStrategyRegistry builds the five-phase pipeline. researchExec handles
// phase 1's EXECUTE step (web research); pass nil to use Passthrough there
// too, which tests do.
func NewStrategyRegistry(researchExec ExecuteFunc) *Registry {
	if researchExec == nil {
		researchExec = Passthrough
	}

	strategies := map[int]*Strategy{
		1: {
			Phase: 1,
			Name:  "research",
			Think: PromptSpec{
				Template:    TemplatePhase1Think,
				Capability:  model.CapabilityAnalysis,
				Temperature: temp(0.3),
				MaxTokens:   1000,
			},
			Execute: researchExec,
			Integrate: PromptSpec{
				Template:    TemplatePhase1Integrate,
				Capability:  model.CapabilityAnalysis,
				Temperature: temp(0.2),
				MaxTokens:   2000,
			},
			NewThinkResult:     func() Result { return &SearchPlan{} },
			NewIntegrateResult: func() Result { return &TrendAnalysis{} },
		},
		2: {
			Phase: 2,
			Name:  "evaluate",
			Think: PromptSpec{
				Template:    TemplatePhase2Think,
				Capability:  model.CapabilityAnalysis,
				Temperature: temp(0.2),
				MaxTokens:   800,
			},
			Execute: Passthrough,
			Integrate: PromptSpec{
				Template:    TemplatePhase2Integrate,
				Capability:  model.CapabilityAnalysis,
				Temperature: temp(0.2),
				MaxTokens:   1500,
			},
			NewThinkResult:     func() Result { return &EvaluationCriteria{} },
			NewIntegrateResult: func() Result { return &OpportunityAnalysis{} },
		},
		3: {
			Phase: 3,
			Name:  "concept",
			Think: PromptSpec{
				Template:    TemplatePhase3Think,
				Capability:  model.CapabilityCreative,
				Temperature: temp(0.8),
				MaxTokens:   1000,
			},
			Execute: Passthrough,
			Integrate: PromptSpec{
				Template:    TemplatePhase3Integrate,
				Capability:  model.CapabilityCreative,
				Temperature: temp(0.8),
				MaxTokens:   3000,
			},
			NewThinkResult:     func() Result { return &CreativeBrief{} },
			NewIntegrateResult: func() Result { return &ConceptSet{} },
		},
		4: {
			Phase: 4,
			Name:  "compose",
			Think: PromptSpec{
				Template:    TemplatePhase4Think,
				Capability:  model.CapabilityWriting,
				Temperature: temp(0.4),
				MaxTokens:   1000,
			},
			Execute: Passthrough,
			Integrate: PromptSpec{
				Template:    TemplatePhase4Integrate,
				Capability:  model.CapabilityWriting,
				Temperature: temp(0.7),
				MaxTokens:   4000,
			},
			NewThinkResult:     func() Result { return &CompositionPlan{} },
			NewIntegrateResult: func() Result { return &ContentSelection{} },
		},
		5: {
			Phase: 5,
			Name:  "strategy",
			Think: PromptSpec{
				Template:    TemplatePhase5Think,
				Capability:  model.CapabilityStrategy,
				Temperature: temp(0.3),
				MaxTokens:   800,
			},
			Execute: Passthrough,
			Integrate: PromptSpec{
				Template:    TemplatePhase5Integrate,
				Capability:  model.CapabilityStrategy,
				Temperature: temp(0.3),
				MaxTokens:   1500,
			},
			NewThinkResult:     func() Result { return &StrategyOutline{} },
			NewIntegrateResult: func() Result { return &ExecutionPlan{} },
		},
	}

	return &Registry{strategies: strategies}
}

// PhaseName returns the human-readable name for a phase number.
func (r *Registry) PhaseName(phase int) string {
	if s, ok := r.strategies[phase]; ok {
		return s.Name
	}
	return fmt.Sprintf("phase-%d", phase)
}
