package capability

import (
	"context"
	"fmt"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

// Output is the success payload of one capability call.
type Output struct {
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Perceiver supplies screen images and what can be read from them.
type Perceiver interface {
	Perceive(ctx context.Context, action Action, params Params) (Output, error)
}

// Actuator performs input on the host.
type Actuator interface {
	Act(ctx context.Context, action Action, params Params) (Output, error)
}

// Backend is a host integration providing both halves.
type Backend interface {
	Perceiver
	Actuator
	Name() string
	Close() error
}

const (
	kindPerception = apperrors.KindPerception
	kindAction     = apperrors.KindAction
)

// Handler performs one action.
type Handler func(ctx context.Context, params Params) (Output, error)

// Table maps each action of a vocabulary to its handler.
type Table map[Action]Handler

// Call dispatches to the handler for action. Untyped handler errors are
// reported with the fallback kind.
func (t Table) Call(ctx context.Context, action Action, params Params, fallback apperrors.Kind) (out Output, err error) {
	h, ok := t[action]
	if !ok {
		return Output{}, apperrors.UnknownAction(string(action))
	}
	if params == nil {
		params = Params{}
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(fallback, "%s panicked: %v", action, r)
		}
	}()
	out, err = h(ctx, params)
	if err != nil {
		return Output{}, apperrors.Ensure(err, fallback)
	}
	return out, nil
}

// Missing lists the vocabulary entries without a handler.
func (t Table) Missing(vocab []Action) []Action {
	var out []Action
	for _, a := range vocab {
		if _, ok := t[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// checkTables fails construction of a backend whose tables do not cover the
// vocabularies exactly.
func checkTables(name string, vision, input Table) error {
	if m := vision.Missing(VisionActions); len(m) > 0 {
		return fmt.Errorf("%s backend: no vision handler for %v", name, m)
	}
	if m := input.Missing(InputActions); len(m) > 0 {
		return fmt.Errorf("%s backend: no input handler for %v", name, m)
	}
	return nil
}

// Element is one located UI element.
type Element struct {
	Label      string  `json:"label"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Analyzer interprets screen images. Backends without a native way to read
// the screen delegate find_element, ocr and analyze_image to it.
type Analyzer interface {
	Describe(ctx context.Context, image []byte, prompt string) (string, error)
	FindElements(ctx context.Context, image []byte, query string) ([]Element, error)
	ReadText(ctx context.Context, image []byte) (string, error)
}
