package research

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buzzforge/llm"
)

type fakeCompleter struct {
	requests []llm.Request
	fail     map[int]error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	n := len(f.requests)
	f.requests = append(f.requests, req)

	if err, ok := f.fail[n]; ok {
		return nil, err
	}

	return &llm.Response{
		Content:   "finding for: " + req.Messages[0].Content,
		Citations: []string{"https://example.com/a", "https://example.com/b"},
	}, nil
}

func testBindings() map[string]any {
	return map[string]any{"subject": "espresso", "platform": "instagram"}
}

func TestExecuteAnswersEachQuestion(t *testing.T) {
	completer := &fakeCompleter{}
	exec := NewExecutor(completer, nil, nil, DefaultOptions(), nil)

	plan := json.RawMessage(`{"questions": ["q1", "q2"], "focus": "trends"}`)
	raw, err := exec.Execute(context.Background(), plan, testBindings())
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.ResearchFindings, 2)
	assert.Equal(t, "q1", out.ResearchFindings[0].Question)
	assert.Contains(t, out.ResearchFindings[0].Findings, "q1")

	// Sources are deduplicated across questions.
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, out.Sources)

	// Search requests use the search capability and carry the config context.
	require.Len(t, completer.requests, 2)
	assert.Equal(t, "search", completer.requests[0].Capability)
	assert.Contains(t, completer.requests[0].Messages[0].Content, "espresso")
	assert.Contains(t, completer.requests[0].Messages[0].Content, "trends")
}

func TestExecuteCapsQuestions(t *testing.T) {
	completer := &fakeCompleter{}
	exec := NewExecutor(completer, nil, nil, Options{MaxQuestions: 2}, nil)

	plan := json.RawMessage(`{"questions": ["q1", "q2", "q3", "q4"]}`)
	_, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Len(t, completer.requests, 2)
}

func TestExecuteToleratesPartialFailures(t *testing.T) {
	completer := &fakeCompleter{fail: map[int]error{0: errors.New("rate limited")}}
	exec := NewExecutor(completer, nil, nil, DefaultOptions(), nil)

	plan := json.RawMessage(`{"questions": ["q1", "q2"]}`)
	raw, err := exec.Execute(context.Background(), plan, nil)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.ResearchFindings, 1)
	assert.Equal(t, "q2", out.ResearchFindings[0].Question)
}

func TestExecuteFailsWhenAllQuestionsFail(t *testing.T) {
	completer := &fakeCompleter{fail: map[int]error{
		0: errors.New("down"),
		1: errors.New("down"),
	}}
	exec := NewExecutor(completer, nil, nil, DefaultOptions(), nil)

	plan := json.RawMessage(`{"questions": ["q1", "q2"]}`)
	_, err := exec.Execute(context.Background(), plan, nil)
	assert.Error(t, err)
}

func TestExecuteRejectsEmptyPlan(t *testing.T) {
	exec := NewExecutor(&fakeCompleter{}, nil, nil, DefaultOptions(), nil)

	_, err := exec.Execute(context.Background(), json.RawMessage(`{"questions": []}`), nil)
	assert.Error(t, err)

	_, err = exec.Execute(context.Background(), json.RawMessage(`not json`), nil)
	assert.Error(t, err)
}
