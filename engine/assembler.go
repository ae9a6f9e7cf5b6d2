package engine

import (
	"encoding/json"

	"github.com/c360studio/buzzforge/session"
)

// Assemble builds the prompt bindings for a phase from the session config and
// the integrate results of every prior phase. A missing or unreadable prior
// result is a ValidationError: the pipeline cannot proceed on partial context,
// and nothing is mutated.
func Assemble(config map[string]any, phases []*session.Phase, currentPhase int) (map[string]any, error) {
	bindings := make(map[string]any, len(config)+8)
	for k, v := range config {
		bindings[k] = v
	}

	byNumber := make(map[int]*session.Phase, len(phases))
	for _, p := range phases {
		byNumber[p.PhaseNumber] = p
	}

	for n := 1; n < currentPhase; n++ {
		p, ok := byNumber[n]
		if !ok || len(p.IntegrateResult) == 0 {
			return nil, NewValidationError("phase %d requires the phase %d result, which is missing", currentPhase, n)
		}

		if err := extractPhase(bindings, n, p.IntegrateResult); err != nil {
			return nil, err
		}
	}

	return bindings, nil
}

// extractPhase decodes one prior phase's integrate result into the bindings
// later phases reference.
func extractPhase(bindings map[string]any, phase int, raw json.RawMessage) error {
	switch phase {
	case 1:
		var analysis TrendAnalysis
		if err := json.Unmarshal(raw, &analysis); err != nil {
			return NewValidationError("phase 1 result is unreadable: %v", err)
		}
		bindings["topics"] = analysis.Topics
		if len(analysis.Insights) > 0 {
			bindings["trendInsights"] = analysis.Insights
		}
		if len(analysis.Sources) > 0 {
			bindings["sources"] = analysis.Sources
		}

	case 2:
		var analysis OpportunityAnalysis
		if err := json.Unmarshal(raw, &analysis); err != nil {
			return NewValidationError("phase 2 result is unreadable: %v", err)
		}
		bindings["opportunities"] = analysis.Opportunities
		bindings["recommendedTopic"] = analysis.Recommended

	case 3:
		var set ConceptSet
		if err := json.Unmarshal(raw, &set); err != nil {
			return NewValidationError("phase 3 result is unreadable: %v", err)
		}
		bindings["concepts"] = set.Concepts

	case 4:
		var selection ContentSelection
		if err := json.Unmarshal(raw, &selection); err != nil {
			return NewValidationError("phase 4 result is unreadable: %v", err)
		}
		bindings["selectedConcept"] = selection.SelectedConcept
		bindings["content"] = selection.Content
	}

	return nil
}

// mergeStepResults layers a phase's own step outputs on top of the base
// bindings so INTEGRATE prompts can reference them. Object keys from the
// results are promoted to top-level bindings, with the execute result winning
// on conflict, and the whole results stay available under thinkResult and
// executeResult.
func mergeStepResults(base map[string]any, thinkResult, executeResult json.RawMessage) map[string]any {
	merged := make(map[string]any, len(base)+8)
	for k, v := range base {
		merged[k] = v
	}

	promote := func(raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return
		}
		for k, v := range obj {
			merged[k] = v
		}
	}

	promote(thinkResult)
	promote(executeResult)

	if len(thinkResult) > 0 {
		merged["thinkResult"] = json.RawMessage(thinkResult)
	}
	if len(executeResult) > 0 {
		merged["executeResult"] = json.RawMessage(executeResult)
	}

	return merged
}
