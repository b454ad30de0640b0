package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
)

// Step is one planned perception or input operation.
type Step struct {
	ID          int               `json:"id"`
	Action      capability.Action `json:"action"`
	Parameters  capability.Params `json:"parameters,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Plan is the ordered list of steps produced once per session.
type Plan struct {
	Steps     []Step `json:"steps"`
	Reasoning string `json:"reasoning,omitempty"`
	// Reply is a conversational answer. Chat turns may carry a reply and no
	// steps at all.
	Reply string `json:"reply,omitempty"`
}

// Context is passed through to the generator untouched.
type Context map[string]any

// History returns context.conversation_history as role/content turns.
// Entries that are not objects are ignored.
func (c Context) History() []Turn {
	raw, ok := c["conversation_history"]
	if !ok {
		return nil
	}
	var turns []Turn
	switch t := raw.(type) {
	case []Turn:
		return t
	case []any:
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if content == "" {
				content, _ = m["text"].(string)
			}
			if content != "" {
				turns = append(turns, Turn{Role: role, Content: content})
			}
		}
	}
	return turns
}

// Turn is one prior conversational exchange.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Planner turns a goal into a plan.
type Planner interface {
	Generate(ctx context.Context, goal string, pctx Context) (*Plan, error)
}

// Validate checks ids run 1..N in order and every action is known. Composite
// steps must hold only primitive sub-steps. allowEmpty admits reply-only
// plans.
func (p *Plan) Validate(allowEmpty bool) error {
	if p == nil {
		return apperrors.New(apperrors.KindPlanning, "planner returned no plan")
	}
	if len(p.Steps) == 0 {
		if allowEmpty {
			return nil
		}
		return apperrors.New(apperrors.KindPlanning, "plan has no steps")
	}
	for i, s := range p.Steps {
		if s.ID != i+1 {
			return apperrors.New(apperrors.KindPlanning, "step %d has id %d, ids must run 1..%d", i+1, s.ID, len(p.Steps))
		}
		if _, err := capability.ParseAction(string(s.Action)); err != nil {
			return apperrors.Wrap(err, apperrors.KindPlanning, fmt.Sprintf("step %d", s.ID))
		}
		if s.Action.IsComposite() {
			if _, err := s.SubSteps(); err != nil {
				return apperrors.Wrap(err, apperrors.KindPlanning, fmt.Sprintf("step %d", s.ID))
			}
		}
	}
	return nil
}

// SubSteps decodes parameters.steps of a composite step. Sub-step ids are
// their 1-based position.
func (s Step) SubSteps() ([]Step, error) {
	raw, ok := s.Parameters["steps"]
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation, "composite step needs parameters.steps")
	}
	// Round-trip through JSON so both decoded and Go-built values work.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "composite steps")
	}
	var subs []Step
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "composite steps")
	}
	if len(subs) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "composite step has no sub-steps")
	}
	for i := range subs {
		subs[i].ID = i + 1
		a, err := capability.ParseAction(string(subs[i].Action))
		if err != nil {
			return nil, err
		}
		if a.IsComposite() {
			return nil, apperrors.New(apperrors.KindValidation, "composite steps cannot nest")
		}
	}
	return subs, nil
}

// Composite builds a composite step from primitive sub-steps.
func Composite(id int, description string, subs ...Step) Step {
	list := make([]any, len(subs))
	for i, s := range subs {
		entry := map[string]any{"action": string(s.Action)}
		if len(s.Parameters) > 0 {
			entry["parameters"] = map[string]any(s.Parameters)
		}
		if s.Description != "" {
			entry["description"] = s.Description
		}
		list[i] = entry
	}
	return Step{
		ID:          id,
		Action:      capability.ActionComposite,
		Parameters:  capability.Params{"steps": list},
		Description: description,
	}
}
