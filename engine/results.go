package engine

import (
	"fmt"
)

// Result is a schema-validated structured output for one phase step.
// Validation failure is the ParseError path; a default is never substituted.
type Result interface {
	Validate() error
}

// SearchPlan is the phase 1 think result: the questions to research.
type SearchPlan struct {
	Questions []string `json:"questions"`
	Focus     string   `json:"focus,omitempty"`
}

func (p *SearchPlan) Validate() error {
	if len(p.Questions) == 0 {
		return fmt.Errorf("search plan has no questions")
	}
	return nil
}

// Topic is one trending topic surfaced by research.
type Topic struct {
	Name     string `json:"name"`
	Why      string `json:"why,omitempty"`
	Momentum string `json:"momentum,omitempty"`
}

// TrendAnalysis is the phase 1 integrate result.
type TrendAnalysis struct {
	Topics   []Topic  `json:"topics"`
	Insights []string `json:"insights,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

func (a *TrendAnalysis) Validate() error {
	if len(a.Topics) == 0 {
		return fmt.Errorf("trend analysis has no topics")
	}
	for i, t := range a.Topics {
		if t.Name == "" {
			return fmt.Errorf("topic %d has no name", i+1)
		}
	}
	return nil
}

// EvaluationCriteria is the phase 2 think result.
type EvaluationCriteria struct {
	Criteria []string `json:"criteria"`
}

func (c *EvaluationCriteria) Validate() error {
	if len(c.Criteria) == 0 {
		return fmt.Errorf("evaluation has no criteria")
	}
	return nil
}

// Opportunity scores one topic for content potential.
type Opportunity struct {
	Topic     string  `json:"topic"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// OpportunityAnalysis is the phase 2 integrate result.
type OpportunityAnalysis struct {
	Opportunities []Opportunity `json:"opportunities"`
	Recommended   string        `json:"recommended"`
}

func (a *OpportunityAnalysis) Validate() error {
	if len(a.Opportunities) == 0 {
		return fmt.Errorf("opportunity analysis has no entries")
	}
	if a.Recommended == "" {
		return fmt.Errorf("opportunity analysis has no recommendation")
	}
	return nil
}

// CreativeBrief is the phase 3 think result.
type CreativeBrief struct {
	Directions []string `json:"directions"`
	Audience   string   `json:"audience,omitempty"`
}

func (b *CreativeBrief) Validate() error {
	if len(b.Directions) == 0 {
		return fmt.Errorf("creative brief has no directions")
	}
	return nil
}

// Concept is one content concept candidate.
type Concept struct {
	Number      int      `json:"number"`
	Title       string   `json:"title"`
	Hook        string   `json:"hook,omitempty"`
	Angle       string   `json:"angle,omitempty"`
	Format      string   `json:"format,omitempty"`
	VisualGuide string   `json:"visual_guide,omitempty"`
	Timing      string   `json:"timing,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

// ConceptSet is the phase 3 integrate result.
type ConceptSet struct {
	Concepts []Concept `json:"concepts"`
}

func (s *ConceptSet) Validate() error {
	if len(s.Concepts) == 0 {
		return fmt.Errorf("concept set is empty")
	}
	for i := range s.Concepts {
		if s.Concepts[i].Title == "" {
			return fmt.Errorf("concept %d has no title", i+1)
		}
		// Backfill concept numbers when the model omits them.
		if s.Concepts[i].Number == 0 {
			s.Concepts[i].Number = i + 1
		}
	}
	return nil
}

// CompositionPlan is the phase 4 think result.
type CompositionPlan struct {
	SelectedConcept int      `json:"selected_concept"`
	Outline         []string `json:"outline,omitempty"`
}

func (p *CompositionPlan) Validate() error {
	if p.SelectedConcept < 1 {
		return fmt.Errorf("composition plan selects no concept")
	}
	return nil
}

// ContentSelection is the phase 4 integrate result: the chosen concept and
// its fully generated content.
type ContentSelection struct {
	SelectedConcept int    `json:"selected_concept"`
	Content         string `json:"content"`
	Reasoning       string `json:"reasoning,omitempty"`
}

func (s *ContentSelection) Validate() error {
	if s.SelectedConcept < 1 {
		return fmt.Errorf("content selection names no concept")
	}
	if s.Content == "" {
		return fmt.Errorf("content selection has no content")
	}
	return nil
}

// StrategyOutline is the phase 5 think result.
type StrategyOutline struct {
	Considerations []string `json:"considerations"`
}

func (o *StrategyOutline) Validate() error {
	if len(o.Considerations) == 0 {
		return fmt.Errorf("strategy outline has no considerations")
	}
	return nil
}

// ExecutionPlan is the phase 5 integrate result.
type ExecutionPlan struct {
	Timing       string   `json:"timing,omitempty"`
	KPIs         []string `json:"kpis"`
	RiskNotes    string   `json:"risk_notes,omitempty"`
	Optimization []string `json:"optimization,omitempty"`
}

func (p *ExecutionPlan) Validate() error {
	if len(p.KPIs) == 0 {
		return fmt.Errorf("execution plan has no KPIs")
	}
	return nil
}
