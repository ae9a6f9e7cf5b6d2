package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/buzzforge/llm"
	"github.com/c360studio/buzzforge/model"
)

// Completer is the LLM surface the executor needs. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Finding is the answer to one research question.
type Finding struct {
	Question string   `json:"question"`
	Findings string   `json:"findings"`
	Sources  []string `json:"sources,omitempty"`
}

// Output is the execute step's payload. Its keys become prompt bindings for
// the integrate step that follows.
type Output struct {
	ResearchFindings []Finding  `json:"researchFindings"`
	Pages            []*Excerpt `json:"pages,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
}

// Options bound the executor's external work.
type Options struct {
	// MaxQuestions caps how many search questions run per step.
	MaxQuestions int

	// MaxPages caps how many cited pages are fetched and condensed.
	// 0 disables page fetching entirely.
	MaxPages int
}

// DefaultOptions returns conservative research bounds.
func DefaultOptions() Options {
	return Options{
		MaxQuestions: 5,
		MaxPages:     3,
	}
}

// Executor runs the research step: each planned question goes to a
// search-capable model, then the strongest citations are fetched and
// condensed into excerpts.
type Executor struct {
	completer Completer
	fetcher   *Fetcher
	converter *Converter
	opts      Options
	logger    *slog.Logger
}

// NewExecutor creates a research executor. fetcher may be nil, which
// disables page fetching.
func NewExecutor(completer Completer, fetcher *Fetcher, converter *Converter, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxQuestions <= 0 {
		opts.MaxQuestions = DefaultOptions().MaxQuestions
	}
	if fetcher == nil || converter == nil {
		opts.MaxPages = 0
	}

	return &Executor{
		completer: completer,
		fetcher:   fetcher,
		converter: converter,
		opts:      opts,
		logger:    logger,
	}
}

// searchPlan mirrors the think step's output keys.
type searchPlan struct {
	Questions []string `json:"questions"`
	Focus     string   `json:"focus"`
}

// Execute answers the planned questions and returns the combined findings.
// It satisfies the engine's execute handler signature.
func (e *Executor) Execute(ctx context.Context, thinkResult json.RawMessage, bindings map[string]any) (json.RawMessage, error) {
	var plan searchPlan
	if err := json.Unmarshal(thinkResult, &plan); err != nil {
		return nil, fmt.Errorf("decode search plan: %w", err)
	}
	if len(plan.Questions) == 0 {
		return nil, fmt.Errorf("search plan has no questions")
	}

	questions := plan.Questions
	if len(questions) > e.opts.MaxQuestions {
		questions = questions[:e.opts.MaxQuestions]
	}

	output := &Output{}
	seen := make(map[string]bool)
	var failures int

	for _, question := range questions {
		finding, err := e.search(ctx, question, plan.Focus, bindings)
		if err != nil {
			failures++
			e.logger.Warn("Research question failed",
				"question", question,
				"error", err)
			continue
		}

		output.ResearchFindings = append(output.ResearchFindings, *finding)
		for _, src := range finding.Sources {
			if !seen[src] {
				seen[src] = true
				output.Sources = append(output.Sources, src)
			}
		}
	}

	if len(output.ResearchFindings) == 0 {
		return nil, fmt.Errorf("all %d research questions failed", len(questions))
	}

	output.Pages = e.fetchPages(ctx, output.Sources)

	e.logger.Info("Research step completed",
		"questions", len(output.ResearchFindings),
		"failed", failures,
		"sources", len(output.Sources),
		"pages", len(output.Pages))

	return json.Marshal(output)
}

// search answers one question through the search capability.
func (e *Executor) search(ctx context.Context, question, focus string, bindings map[string]any) (*Finding, error) {
	var prompt strings.Builder
	prompt.WriteString(question)
	if subject, ok := bindings["subject"].(string); ok && subject != "" {
		fmt.Fprintf(&prompt, "\n\nContext: researching content about %s", subject)
		if platform, ok := bindings["platform"].(string); ok && platform != "" {
			fmt.Fprintf(&prompt, " for %s", platform)
		}
		prompt.WriteString(".")
	}
	if focus != "" {
		fmt.Fprintf(&prompt, "\nFocus: %s", focus)
	}

	resp, err := e.completer.Complete(ctx, llm.Request{
		Capability: string(model.CapabilitySearch),
		Messages: []llm.Message{
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Finding{
		Question: question,
		Findings: resp.Content,
		Sources:  resp.Citations,
	}, nil
}

// fetchPages condenses up to MaxPages cited sources. Individual failures are
// logged and skipped; a page that won't fetch is not worth failing the step.
func (e *Executor) fetchPages(ctx context.Context, sources []string) []*Excerpt {
	if e.opts.MaxPages <= 0 {
		return nil
	}

	excerpts := make([]*Excerpt, 0, e.opts.MaxPages)
	for _, src := range sources {
		if len(excerpts) >= e.opts.MaxPages {
			break
		}

		page, err := e.fetcher.Fetch(ctx, src)
		if err != nil {
			e.logger.Debug("Skipping cited page", "url", src, "error", err)
			continue
		}
		if !strings.Contains(page.ContentType, "html") {
			continue
		}

		excerpt, err := e.converter.Convert(page)
		if err != nil || excerpt.Markdown == "" {
			continue
		}
		excerpts = append(excerpts, excerpt)
	}

	return excerpts
}
