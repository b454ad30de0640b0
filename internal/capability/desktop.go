package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

// CommandRunner runs a host command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DesktopBackend drives the X11 desktop with xdotool and captures it with
// ffmpeg (falling back to scrot). Reading the screen is delegated to an
// Analyzer.
type DesktopBackend struct {
	display  string
	shotDir  string
	analyzer Analyzer
	run      CommandRunner
	logger   *zap.Logger
	vision   Table
	input    Table
}

type DesktopOption func(*DesktopBackend)

// WithCommandRunner replaces os/exec, mainly for tests.
func WithCommandRunner(r CommandRunner) DesktopOption {
	return func(d *DesktopBackend) { d.run = r }
}

// WithAnalyzer enables find_element, ocr and analyze_image.
func WithAnalyzer(a Analyzer) DesktopOption {
	return func(d *DesktopBackend) { d.analyzer = a }
}

func NewDesktopBackend(display, shotDir string, logger *zap.Logger, opts ...DesktopOption) (*DesktopBackend, error) {
	d := &DesktopBackend{
		display: display,
		shotDir: shotDir,
		run:     execRunner,
		logger:  logger.Named("desktop"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.vision = Table{
		ActionCaptureScreen: d.captureScreen,
		ActionAnalyzeImage:  d.analyzeImage,
		ActionFindElement:   d.findElement,
		ActionOCR:           d.ocr,
	}
	d.input = Table{
		ActionClick:     d.click,
		ActionType:      d.typeText,
		ActionScroll:    d.scroll,
		ActionHotkey:    d.hotkey,
		ActionMoveMouse: d.moveMouse,
		ActionDrag:      d.drag,
	}
	if err := checkTables(d.Name(), d.vision, d.input); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DesktopBackend) Name() string { return "desktop" }
func (d *DesktopBackend) Close() error { return nil }

func (d *DesktopBackend) Perceive(ctx context.Context, action Action, params Params) (Output, error) {
	return d.vision.Call(ctx, action, params, kindPerception)
}

func (d *DesktopBackend) Act(ctx context.Context, action Action, params Params) (Output, error) {
	return d.input.Call(ctx, action, params, kindAction)
}

// capture grabs the screen into shotDir. Unless keep is set the file is
// removed once read and the returned path is empty.
func (d *DesktopBackend) capture(ctx context.Context, keep bool) ([]byte, string, error) {
	if err := os.MkdirAll(d.shotDir, 0755); err != nil {
		return nil, "", apperrors.Wrap(err, kindPerception, "screenshot directory")
	}
	path := filepath.Join(d.shotDir, fmt.Sprintf("desktop_%d.png", time.Now().UnixNano()))

	output, err := d.run(ctx, "ffmpeg", "-f", "x11grab", "-i", d.display, "-frames:v", "1", path, "-y")
	if err != nil {
		d.logger.Debug("ffmpeg capture failed, trying scrot", zap.Error(err), zap.ByteString("output", output))
		output, err = d.run(ctx, "scrot", "--overwrite", path)
		if err != nil {
			return nil, "", apperrors.New(kindPerception, "capturing desktop: %v: %s", err, strings.TrimSpace(string(output)))
		}
	}

	buf, err := os.ReadFile(path)
	if !keep {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("failed to remove screenshot", zap.String("path", path), zap.Error(rmErr))
		}
	}
	if err != nil {
		return nil, "", apperrors.Wrap(err, kindPerception, "reading screenshot")
	}
	if !keep {
		return buf, "", nil
	}
	absPath, _ := filepath.Abs(path)
	return buf, absPath, nil
}

// captureScreen keeps the file on disk only with save=true.
func (d *DesktopBackend) captureScreen(ctx context.Context, p Params) (Output, error) {
	buf, path, err := d.capture(ctx, p.Bool("save"))
	if err != nil {
		return Output{}, err
	}
	data := imageData(buf)
	if path == "" {
		return Output{Message: "Desktop screenshot captured", Data: data}, nil
	}
	data["path"] = path
	return Output{Message: "Desktop screenshot saved to " + path, Data: data}, nil
}

// screenImage uses the supplied image or takes a fresh capture.
func (d *DesktopBackend) screenImage(ctx context.Context, p Params) ([]byte, error) {
	if d.analyzer == nil {
		return nil, apperrors.New(kindPerception, "no vision analyzer configured")
	}
	img, ok, err := imageParam(p)
	if err != nil || ok {
		return img, err
	}
	img, _, err = d.capture(ctx, false)
	return img, err
}

func (d *DesktopBackend) analyzeImage(ctx context.Context, p Params) (Output, error) {
	img, err := d.screenImage(ctx, p)
	if err != nil {
		return Output{}, err
	}
	text, err := d.analyzer.Describe(ctx, img, p.StringOr("prompt", ""))
	if err != nil {
		return Output{}, apperrors.Wrap(err, kindPerception, "analyze_image")
	}
	return Output{Data: map[string]any{"analysis": text}}, nil
}

func (d *DesktopBackend) findElement(ctx context.Context, p Params) (Output, error) {
	query := p.StringOr("query", p.StringOr("label", ""))
	if query == "" {
		return Output{}, apperrors.New(apperrors.KindValidation, "query is required")
	}
	img, err := d.screenImage(ctx, p)
	if err != nil {
		return Output{}, err
	}
	elements, err := d.analyzer.FindElements(ctx, img, query)
	if err != nil {
		return Output{}, apperrors.Wrap(err, kindPerception, "find_element")
	}
	if len(elements) == 0 {
		return Output{}, apperrors.New(kindPerception, "no element matches %q", query)
	}
	return Output{Data: map[string]any{"elements": elements}}, nil
}

func (d *DesktopBackend) ocr(ctx context.Context, p Params) (Output, error) {
	img, err := d.screenImage(ctx, p)
	if err != nil {
		return Output{}, err
	}
	text, err := d.analyzer.ReadText(ctx, img)
	if err != nil {
		return Output{}, apperrors.Wrap(err, kindPerception, "ocr")
	}
	return Output{Data: map[string]any{"text": text}}, nil
}

func (d *DesktopBackend) xdotool(ctx context.Context, args ...string) error {
	output, err := d.run(ctx, "xdotool", args...)
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return apperrors.New(kindAction, "xdotool is not installed")
		}
		return apperrors.New(kindAction, "xdotool %s: %v: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

var xButtons = map[string]string{"left": "1", "middle": "2", "right": "3"}

func (d *DesktopBackend) click(ctx context.Context, p Params) (Output, error) {
	a, err := parseClick(p)
	if err != nil {
		return Output{}, err
	}
	err = d.xdotool(ctx, "mousemove", itoa(a.X), itoa(a.Y),
		"click", "--repeat", itoa(a.Clicks), xButtons[a.Button])
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Clicked %s at (%d, %d)", a.Button, a.X, a.Y)}, nil
}

func (d *DesktopBackend) typeText(ctx context.Context, p Params) (Output, error) {
	text, err := p.String("text")
	if err != nil {
		return Output{}, err
	}
	if err := d.xdotool(ctx, "type", "--delay", "50", "--", text); err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Typed %d characters", len([]rune(text)))}, nil
}

var xScrollButtons = map[string]string{"up": "4", "down": "5", "left": "6", "right": "7"}

func (d *DesktopBackend) scroll(ctx context.Context, p Params) (Output, error) {
	a, err := parseScroll(p)
	if err != nil {
		return Output{}, err
	}
	if err := d.xdotool(ctx, "click", "--repeat", itoa(a.Amount), xScrollButtons[a.Direction]); err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Scrolled %s by %d", a.Direction, a.Amount)}, nil
}

// xKeyNames maps common names to X keysyms.
var xKeyNames = map[string]string{
	"ctrl": "ctrl", "control": "ctrl", "alt": "alt", "shift": "shift",
	"cmd": "super", "win": "super", "super": "super", "meta": "super",
	"enter": "Return", "return": "Return", "esc": "Escape", "escape": "Escape",
	"tab": "Tab", "space": "space", "backspace": "BackSpace", "delete": "Delete",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"home": "Home", "end": "End", "pageup": "Prior", "pagedown": "Next",
}

func (d *DesktopBackend) hotkey(ctx context.Context, p Params) (Output, error) {
	keys, err := p.Keys("keys")
	if err != nil {
		return Output{}, err
	}
	mapped := make([]string, len(keys))
	for i, k := range keys {
		if x, ok := xKeyNames[k]; ok {
			mapped[i] = x
		} else {
			mapped[i] = k
		}
	}
	combo := strings.Join(mapped, "+")
	if err := d.xdotool(ctx, "key", combo); err != nil {
		return Output{}, err
	}
	return Output{Message: "Hotkey: " + strings.Join(keys, "+")}, nil
}

func (d *DesktopBackend) moveMouse(ctx context.Context, p Params) (Output, error) {
	x, y, err := p.Point("x", "y")
	if err != nil {
		return Output{}, err
	}
	if err := d.xdotool(ctx, "mousemove", itoa(x), itoa(y)); err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Mouse moved to (%d, %d)", x, y)}, nil
}

func (d *DesktopBackend) drag(ctx context.Context, p Params) (Output, error) {
	a, err := parseDrag(p)
	if err != nil {
		return Output{}, err
	}
	err = d.xdotool(ctx,
		"mousemove", itoa(a.X), itoa(a.Y), "mousedown", "1",
		"mousemove", itoa(a.EndX), itoa(a.EndY), "mouseup", "1")
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Dragged from (%d, %d) to (%d, %d)", a.X, a.Y, a.EndX, a.EndY)}, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
