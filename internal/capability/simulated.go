package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SimulatedBackend returns canned perception data and performs no input.
// It validates parameters exactly like the real backends, so plans that pass
// here fail on a host only for host reasons.
type SimulatedBackend struct {
	mu     sync.Mutex
	calls  []Action
	vision Table
	input  Table
}

func NewSimulatedBackend() *SimulatedBackend {
	s := &SimulatedBackend{}
	s.vision = Table{
		ActionCaptureScreen: s.captureScreen,
		ActionAnalyzeImage:  s.analyzeImage,
		ActionFindElement:   s.findElement,
		ActionOCR:           s.ocr,
	}
	s.input = Table{
		ActionClick:     s.click,
		ActionType:      s.typeText,
		ActionScroll:    s.scroll,
		ActionHotkey:    s.hotkey,
		ActionMoveMouse: s.moveMouse,
		ActionDrag:      s.drag,
	}
	if err := checkTables(s.Name(), s.vision, s.input); err != nil {
		panic(err)
	}
	return s
}

func (s *SimulatedBackend) Name() string { return "simulated" }
func (s *SimulatedBackend) Close() error { return nil }

func (s *SimulatedBackend) Perceive(ctx context.Context, action Action, params Params) (Output, error) {
	s.record(action)
	return s.vision.Call(ctx, action, params, kindPerception)
}

func (s *SimulatedBackend) Act(ctx context.Context, action Action, params Params) (Output, error) {
	s.record(action)
	return s.input.Call(ctx, action, params, kindAction)
}

// Calls returns the actions received so far, in order.
func (s *SimulatedBackend) Calls() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.calls...)
}

func (s *SimulatedBackend) record(a Action) {
	s.mu.Lock()
	s.calls = append(s.calls, a)
	s.mu.Unlock()
}

func (s *SimulatedBackend) captureScreen(ctx context.Context, p Params) (Output, error) {
	return Output{Data: map[string]any{
		"image_base64": "",
		"format":       "png",
		"width":        1920,
		"height":       1080,
	}}, nil
}

func (s *SimulatedBackend) analyzeImage(ctx context.Context, p Params) (Output, error) {
	return Output{Data: map[string]any{
		"analysis": "simulated screen: a desktop with one window in focus",
	}}, nil
}

func (s *SimulatedBackend) findElement(ctx context.Context, p Params) (Output, error) {
	label := p.StringOr("query", p.StringOr("label", "button"))
	return Output{Data: map[string]any{
		"elements": []Element{{
			Label:      label,
			BBox:       BBox{X: 100, Y: 200, Width: 80, Height: 30},
			Confidence: 0.95,
		}},
	}}, nil
}

func (s *SimulatedBackend) ocr(ctx context.Context, p Params) (Output, error) {
	return Output{Data: map[string]any{"text": "simulated screen text"}}, nil
}

func (s *SimulatedBackend) click(ctx context.Context, p Params) (Output, error) {
	a, err := parseClick(p)
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Clicked %s at (%d, %d)", a.Button, a.X, a.Y)}, nil
}

func (s *SimulatedBackend) typeText(ctx context.Context, p Params) (Output, error) {
	text, err := p.String("text")
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Typed: %s", text)}, nil
}

func (s *SimulatedBackend) scroll(ctx context.Context, p Params) (Output, error) {
	a, err := parseScroll(p)
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Scrolled %s by %d", a.Direction, a.Amount)}, nil
}

func (s *SimulatedBackend) hotkey(ctx context.Context, p Params) (Output, error) {
	keys, err := p.Keys("keys")
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Hotkey: %s", strings.Join(keys, "+"))}, nil
}

func (s *SimulatedBackend) moveMouse(ctx context.Context, p Params) (Output, error) {
	x, y, err := p.Point("x", "y")
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Mouse moved to (%d, %d)", x, y)}, nil
}

func (s *SimulatedBackend) drag(ctx context.Context, p Params) (Output, error) {
	a, err := parseDrag(p)
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Dragged from (%d, %d) to (%d, %d)", a.X, a.Y, a.EndX, a.EndY)}, nil
}
