package engine

import (
	"encoding/json"

	"github.com/c360studio/buzzforge/session"
)

// BuildDrafts turns a completed session's phase results into draft records:
// one per phase 3 concept, with the phase 4 selection carrying the generated
// content and the phase 5 plan's rollout details. The remaining concepts
// become empty shells with nil content.
func BuildDrafts(sessionID string, phases []*session.Phase) ([]*session.Draft, error) {
	var (
		concepts  *ConceptSet
		selection *ContentSelection
		plan      *ExecutionPlan
	)

	for _, p := range phases {
		if len(p.IntegrateResult) == 0 {
			continue
		}
		switch p.PhaseNumber {
		case 3:
			concepts = &ConceptSet{}
			if err := json.Unmarshal(p.IntegrateResult, concepts); err != nil {
				return nil, NewValidationError("phase 3 result is unreadable: %v", err)
			}
		case 4:
			selection = &ContentSelection{}
			if err := json.Unmarshal(p.IntegrateResult, selection); err != nil {
				return nil, NewValidationError("phase 4 result is unreadable: %v", err)
			}
		case 5:
			plan = &ExecutionPlan{}
			if err := json.Unmarshal(p.IntegrateResult, plan); err != nil {
				return nil, NewValidationError("phase 5 result is unreadable: %v", err)
			}
		}
	}

	if concepts == nil || len(concepts.Concepts) == 0 {
		return nil, NewValidationError("materialization requires phase 3 concepts")
	}
	if selection == nil {
		return nil, NewValidationError("materialization requires the phase 4 selection")
	}
	if plan == nil {
		return nil, NewValidationError("materialization requires the phase 5 plan")
	}

	selectedFound := false
	for _, c := range concepts.Concepts {
		if c.Number == selection.SelectedConcept {
			selectedFound = true
			break
		}
	}
	if !selectedFound {
		return nil, NewValidationError("selected concept %d is not in the phase 3 set", selection.SelectedConcept)
	}

	drafts := make([]*session.Draft, 0, len(concepts.Concepts))
	for _, c := range concepts.Concepts {
		draft := &session.Draft{
			SessionID:     sessionID,
			ConceptNumber: c.Number,
			Title:         c.Title,
			Hook:          c.Hook,
			Angle:         c.Angle,
			Format:        c.Format,
			VisualGuide:   c.VisualGuide,
			Timing:        c.Timing,
			Hashtags:      c.Hashtags,
			Status:        session.DraftStatusDraft,
		}

		if c.Number == selection.SelectedConcept {
			content := selection.Content
			draft.Content = &content
			draft.KPIs = plan.KPIs
			draft.RiskNotes = plan.RiskNotes
			if plan.Timing != "" {
				draft.Timing = plan.Timing
			}
		}

		drafts = append(drafts, draft)
	}

	return drafts, nil
}
