package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/observability"
)

const (
	describePrompt = "Describe what is visible on this screenshot of a desktop. Mention open windows, focused controls and any dialogs."
	readTextPrompt = "Transcribe all readable text on this screenshot, top to bottom. Reply with the text only."
	findPrompt     = `Locate UI elements matching %q on this screenshot. Reply with JSON only, shaped as
{"elements":[{"label":"...","bbox":{"x":0,"y":0,"width":0,"height":0},"confidence":0.0}]}
using pixel coordinates of the image. Reply {"elements":[]} when nothing matches.`
)

// VisionAnalyzer reads screenshots with a multimodal chat model.
type VisionAnalyzer struct {
	Model    llms.Model
	Recorder *observability.Recorder
	logger   *zap.Logger
}

func NewVisionAnalyzer(model llms.Model, recorder *observability.Recorder, logger *zap.Logger) *VisionAnalyzer {
	return &VisionAnalyzer{Model: model, Recorder: recorder, logger: logger.Named("vision")}
}

func (v *VisionAnalyzer) ask(ctx context.Context, img []byte, prompt string) (string, error) {
	messages := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.BinaryPart("image/png", img),
			llms.TextPart(prompt),
		},
	}}
	resp, err := v.Model.GenerateContent(ctx, messages)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}
	content := resp.Choices[0].Content
	v.Recorder.Log(observability.Event{
		Type: observability.EventTypeVision,
		Data: map[string]any{"prompt": prompt, "image_bytes": len(img), "response": content},
	})
	return content, nil
}

func (v *VisionAnalyzer) Describe(ctx context.Context, img []byte, prompt string) (string, error) {
	if prompt == "" {
		prompt = describePrompt
	}
	return v.ask(ctx, img, prompt)
}

func (v *VisionAnalyzer) ReadText(ctx context.Context, img []byte) (string, error) {
	text, err := v.ask(ctx, img, readTextPrompt)
	return strings.TrimSpace(text), err
}

func (v *VisionAnalyzer) FindElements(ctx context.Context, img []byte, query string) ([]Element, error) {
	raw, err := v.ask(ctx, img, fmt.Sprintf(findPrompt, query))
	if err != nil {
		return nil, err
	}
	elements, err := parseElements(raw)
	if err != nil {
		v.logger.Warn("unparseable element reply", zap.String("query", query), zap.String("reply", raw))
		return nil, err
	}
	return elements, nil
}

// parseElements accepts the JSON object optionally wrapped in a code fence.
func parseElements(raw string) ([]Element, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var reply struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal([]byte(s), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse element reply: %v", err)
	}
	return reply.Elements, nil
}
