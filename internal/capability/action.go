package capability

import (
	apperrors "github.com/rahul/jarvis/internal/errors"
)

// Action is a step verb. The set is closed: every value below has a
// handler in each backend and nothing else parses.
type Action string

const (
	ActionCaptureScreen Action = "capture_screen"
	ActionAnalyzeImage  Action = "analyze_image"
	ActionFindElement   Action = "find_element"
	ActionOCR           Action = "ocr"

	ActionClick     Action = "click"
	ActionType      Action = "type"
	ActionScroll    Action = "scroll"
	ActionHotkey    Action = "hotkey"
	ActionMoveMouse Action = "move_mouse"
	ActionDrag      Action = "drag"

	// ActionComposite runs parameters.steps, a list of primitive
	// {action, parameters} pairs, as one step.
	ActionComposite Action = "composite"
)

var (
	// VisionActions is the perception vocabulary in display order.
	VisionActions = []Action{ActionCaptureScreen, ActionAnalyzeImage, ActionFindElement, ActionOCR}
	// InputActions is the actuator vocabulary in display order.
	InputActions = []Action{ActionClick, ActionType, ActionScroll, ActionHotkey, ActionMoveMouse, ActionDrag}
)

var vocabulary = func() map[Action]kind {
	m := map[Action]kind{ActionComposite: kindComposite}
	for _, a := range VisionActions {
		m[a] = kindVision
	}
	for _, a := range InputActions {
		m[a] = kindInput
	}
	return m
}()

type kind int

const (
	kindVision kind = iota + 1
	kindInput
	kindComposite
)

func (a Action) IsVision() bool    { return vocabulary[a] == kindVision }
func (a Action) IsInput() bool     { return vocabulary[a] == kindInput }
func (a Action) IsComposite() bool { return a == ActionComposite }

// ParseAction accepts any step verb, including composite.
func ParseAction(name string) (Action, error) {
	a := Action(name)
	if _, ok := vocabulary[a]; !ok {
		return "", apperrors.UnknownAction(name)
	}
	return a, nil
}

// ParseVisionAction accepts only perception verbs.
func ParseVisionAction(name string) (Action, error) {
	a := Action(name)
	if !a.IsVision() {
		return "", apperrors.UnknownAction(name)
	}
	return a, nil
}

// ParseInputAction accepts only actuator verbs.
func ParseInputAction(name string) (Action, error) {
	a := Action(name)
	if !a.IsInput() {
		return "", apperrors.UnknownAction(name)
	}
	return a, nil
}
