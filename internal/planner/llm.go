package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
	"github.com/rahul/jarvis/internal/observability"
)

const proposePlanTool = "propose_plan"

// LLMPlanner asks a chat model for a plan through the propose_plan tool.
// A plain text answer becomes a reply-only plan.
type LLMPlanner struct {
	Model    llms.Model
	Prompts  *PromptManager
	Recorder *observability.Recorder
	logger   *zap.Logger
}

func NewLLMPlanner(model llms.Model, prompts *PromptManager, recorder *observability.Recorder, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{
		Model:    model,
		Prompts:  prompts,
		Recorder: recorder,
		logger:   logger.Named("planner"),
	}
}

func planTools() []llms.Tool {
	actions := make([]string, 0, len(capability.VisionActions)+len(capability.InputActions)+1)
	for _, a := range capability.VisionActions {
		actions = append(actions, string(a))
	}
	for _, a := range capability.InputActions {
		actions = append(actions, string(a))
	}
	actions = append(actions, string(capability.ActionComposite))

	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        proposePlanTool,
				Description: "Submit the ordered plan of screen actions that fulfils the command.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"id": map[string]any{
										"type": "integer",
									},
									"action": map[string]any{
										"type": "string",
										"enum": actions,
									},
									"parameters": map[string]any{
										"type": "object",
									},
									"description": map[string]any{
										"type": "string",
									},
								},
								"required": []string{"id", "action", "description"},
							},
						},
						"reasoning": map[string]any{
							"type": "string",
						},
					},
					"required": []string{"steps"},
				},
			},
		},
	}
}

func (p *LLMPlanner) Generate(ctx context.Context, goal string, pctx Context) (*Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, apperrors.New(apperrors.KindPlanning, "goal is empty")
	}

	systemPrompt, err := p.Prompts.SystemPrompt()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindPlanning, "failed to load planner prompt")
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
	}
	for _, turn := range pctx.History() {
		role := llms.ChatMessageTypeHuman
		switch turn.Role {
		case "ai", "assistant":
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(turn.Content)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(userMessage(goal, pctx))},
	})

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(planTools()))
	if err != nil {
		return nil, apperrors.Ensure(err, apperrors.KindPlanning)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.New(apperrors.KindPlanning, "model returned no choices")
	}
	choice := resp.Choices[0]
	p.Recorder.LogLLM(sessionID(pctx), messages, choice.Content, choice.ToolCalls)

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != proposePlanTool {
			continue
		}
		var plan Plan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &plan); err != nil {
			return nil, apperrors.New(apperrors.KindPlanning, "failed to parse propose_plan arguments: %v", err)
		}
		if plan.Reasoning == "" {
			plan.Reasoning = "Plan generated for: " + goal
		}
		plan.Reply = strings.TrimSpace(choice.Content)
		p.logger.Debug("plan proposed", zap.Int("steps", len(plan.Steps)), zap.String("goal", goal))
		return &plan, nil
	}

	if text := strings.TrimSpace(choice.Content); text != "" {
		return &Plan{Reply: text, Reasoning: "Answered without screen actions."}, nil
	}
	return nil, apperrors.New(apperrors.KindPlanning, "planner failed to provide a plan or text response")
}

// userMessage appends the non-history context as JSON so the model sees it.
func userMessage(goal string, pctx Context) string {
	extra := make(map[string]any, len(pctx))
	for k, v := range pctx {
		if k == "conversation_history" || k == "session_id" {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return goal
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return goal
	}
	return fmt.Sprintf("%s\n\nCONTEXT: %s", goal, data)
}

func sessionID(pctx Context) string {
	id, _ := pctx["session_id"].(string)
	return id
}
