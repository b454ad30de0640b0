package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
)

func TestRulePlannerScreenshotAndClick(t *testing.T) {
	plan, err := NewRulePlanner().Generate(context.Background(), "take a screenshot and click at (100,200)", nil)
	require.NoError(t, err)
	require.NoError(t, plan.Validate(false))

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 1, plan.Steps[0].ID)
	assert.Equal(t, capability.ActionCaptureScreen, plan.Steps[0].Action)
	assert.Equal(t, 2, plan.Steps[1].ID)
	assert.Equal(t, capability.ActionClick, plan.Steps[1].Action)
	assert.Equal(t, capability.Params{"x": 100, "y": 200}, plan.Steps[1].Parameters)
	assert.Equal(t, "Plan generated for: take a screenshot and click at (100,200)", plan.Reasoning)
}

func TestRulePlannerClauses(t *testing.T) {
	tests := []struct {
		goal    string
		actions []capability.Action
	}{
		{"Screenshot, then read the screen", []capability.Action{capability.ActionCaptureScreen, capability.ActionOCR}},
		{`type "salt and pepper" and press ctrl + s`, []capability.Action{capability.ActionType, capability.ActionHotkey}},
		{"scroll down by 5; move the mouse to (3, 4)", []capability.Action{capability.ActionScroll, capability.ActionMoveMouse}},
		{"drag from (1,2) to (3,4) and then double click at 5,6", []capability.Action{capability.ActionDrag, capability.ActionClick}},
		{"find the Save button and describe the screen", []capability.Action{capability.ActionFindElement, capability.ActionAnalyzeImage}},
		{"submit 'hello'", []capability.Action{capability.ActionComposite}},
	}
	for _, tt := range tests {
		t.Run(tt.goal, func(t *testing.T) {
			plan, err := NewRulePlanner().Generate(context.Background(), tt.goal, nil)
			require.NoError(t, err)
			require.NoError(t, plan.Validate(false))
			var got []capability.Action
			for _, s := range plan.Steps {
				got = append(got, s.Action)
			}
			assert.Equal(t, tt.actions, got)
		})
	}
}

func TestRulePlannerArguments(t *testing.T) {
	plan, err := NewRulePlanner().Generate(context.Background(), `type "Salt and Pepper" and press Ctrl + S`, nil)
	require.NoError(t, err)
	assert.Equal(t, "Salt and Pepper", plan.Steps[0].Parameters["text"])
	assert.Equal(t, "Ctrl+S", plan.Steps[1].Parameters["keys"])

	plan, err = NewRulePlanner().Generate(context.Background(), "right click at (7, 8)", nil)
	require.NoError(t, err)
	assert.Equal(t, "right", plan.Steps[0].Parameters["button"])

	plan, err = NewRulePlanner().Generate(context.Background(), "submit 'hello'", nil)
	require.NoError(t, err)
	subs, err := plan.Steps[0].SubSteps()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, capability.ActionType, subs[0].Action)
	assert.Equal(t, "hello", subs[0].Parameters["text"])
	assert.Equal(t, 2, subs[1].ID)
}

func TestRulePlannerFailures(t *testing.T) {
	_, err := NewRulePlanner().Generate(context.Background(), "", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)

	_, err = NewRulePlanner().Generate(context.Background(), "take a screenshot and teleport home", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)
	assert.Contains(t, err.Error(), "teleport home")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewRulePlanner().Generate(ctx, "screenshot", nil)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
}

func TestPlanValidate(t *testing.T) {
	var nilPlan *Plan
	assert.ErrorIs(t, nilPlan.Validate(true), apperrors.ErrPlanning)

	assert.ErrorIs(t, (&Plan{}).Validate(false), apperrors.ErrPlanning)
	assert.NoError(t, (&Plan{Reply: "hi"}).Validate(true))

	gap := &Plan{Steps: []Step{{ID: 1, Action: capability.ActionOCR}, {ID: 3, Action: capability.ActionOCR}}}
	assert.ErrorIs(t, gap.Validate(false), apperrors.ErrPlanning)

	unknown := &Plan{Steps: []Step{{ID: 1, Action: "teleport"}}}
	err := unknown.Validate(false)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)
	assert.Contains(t, err.Error(), "teleport")

	nested := &Plan{Steps: []Step{Composite(1, "nested", Composite(0, "inner", Step{Action: capability.ActionOCR}))}}
	assert.ErrorIs(t, nested.Validate(false), apperrors.ErrPlanning)

	empty := &Plan{Steps: []Step{{ID: 1, Action: capability.ActionComposite, Parameters: capability.Params{"steps": []any{}}}}}
	assert.ErrorIs(t, empty.Validate(false), apperrors.ErrPlanning)
}

func TestContextHistory(t *testing.T) {
	pctx := Context{"conversation_history": []any{
		map[string]any{"role": "user", "content": "hi"},
		"garbage",
		map[string]any{"role": "assistant", "text": "hello"},
	}}
	assert.Equal(t, []Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, pctx.History())
	assert.Nil(t, Context{}.History())
}

type fakeModel struct {
	resp     *llms.ContentResponse
	err      error
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.options)
	}
	return m.resp, m.err
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func toolReply(args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           "call-1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: proposePlanTool, Arguments: args},
		}},
	}}}
}

func newTestLLMPlanner(model llms.Model, dir string) *LLMPlanner {
	return NewLLMPlanner(model, NewPromptManager(dir, zap.NewNop()), nil, zap.NewNop())
}

func TestLLMPlannerToolCall(t *testing.T) {
	model := &fakeModel{resp: toolReply(`{"steps":[{"id":1,"action":"capture_screen","description":"look"},{"id":2,"action":"click","parameters":{"x":100,"y":200},"description":"click"}],"reasoning":"two steps"}`)}
	p := newTestLLMPlanner(model, t.TempDir())

	pctx := Context{
		"conversation_history": []any{map[string]any{"role": "assistant", "content": "earlier"}},
		"app":                  "firefox",
	}
	plan, err := p.Generate(context.Background(), "click the thing", pctx)
	require.NoError(t, err)
	require.NoError(t, plan.Validate(false))
	assert.Equal(t, "two steps", plan.Reasoning)
	assert.Equal(t, 100, mustInt(t, plan.Steps[1].Parameters, "x"))

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[1].Role)
	last := model.messages[2].Parts[0].(llms.TextContent).Text
	assert.Contains(t, last, "click the thing")
	assert.Contains(t, last, `"app":"firefox"`)
	assert.NotContains(t, last, "earlier")

	require.Len(t, model.options.Tools, 1)
	assert.Equal(t, proposePlanTool, model.options.Tools[0].Function.Name)
}

func mustInt(t *testing.T, p capability.Params, key string) int {
	t.Helper()
	n, err := p.Int(key)
	require.NoError(t, err)
	return n
}

func TestLLMPlannerTextReply(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "Hello there"}}}}
	plan, err := newTestLLMPlanner(model, "").Generate(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
	assert.Equal(t, "Hello there", plan.Reply)
	assert.ErrorIs(t, plan.Validate(false), apperrors.ErrPlanning)
	assert.NoError(t, plan.Validate(true))
}

func TestLLMPlannerErrors(t *testing.T) {
	_, err := newTestLLMPlanner(&fakeModel{}, "").Generate(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)

	_, err = newTestLLMPlanner(&fakeModel{err: errors.New("rate limited")}, "").Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)
	assert.Contains(t, err.Error(), "rate limited")

	_, err = newTestLLMPlanner(&fakeModel{resp: toolReply("{not json")}, "").Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)

	_, err = newTestLLMPlanner(&fakeModel{resp: &llms.ContentResponse{}}, "").Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, apperrors.ErrPlanning)
}

func TestPromptManagerOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"planner.md":      "Planner Content",
		"identity.md":     "Identity Content",
		"capabilities.md": "Capabilities Content",
		"user.md":         "User Content",
		"extra.md":        "Extra Content",
		"notes.txt":       "Ignored Content",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	prompt, err := NewPromptManager(dir, zap.NewNop()).SystemPrompt()
	require.NoError(t, err)

	order := []string{"Planner Content", "Identity Content", "Capabilities Content", "User Content", "Extra Content", "## Available actions"}
	last := -1
	for _, part := range order {
		idx := strings.Index(prompt, part)
		require.GreaterOrEqual(t, idx, 0, "missing %q", part)
		assert.Greater(t, idx, last, "%q out of order", part)
		last = idx
	}
	assert.NotContains(t, prompt, "Ignored Content")
	assert.Contains(t, prompt, "- drag:")
}

func TestPromptManagerDefault(t *testing.T) {
	prompt, err := NewPromptManager(filepath.Join(t.TempDir(), "missing"), zap.NewNop()).SystemPrompt()
	require.NoError(t, err)
	assert.Contains(t, prompt, "propose_plan")
	assert.Contains(t, prompt, "- composite:")
}
