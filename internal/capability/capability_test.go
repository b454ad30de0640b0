package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

func TestParseAction(t *testing.T) {
	for _, a := range append(append([]Action{}, VisionActions...), InputActions...) {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	_, err := ParseAction("teleport")
	require.Error(t, err)
	assert.Equal(t, "UnknownAction: teleport", err.Error())

	_, err = ParseVisionAction("click")
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)
	_, err = ParseInputAction("ocr")
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)

	c, err := ParseAction("composite")
	require.NoError(t, err)
	assert.True(t, c.IsComposite())
	assert.False(t, c.IsInput())
	assert.False(t, c.IsVision())
}

func TestParamsConversions(t *testing.T) {
	p := Params{"x": 10.0, "y": "20", "frac": 1.5, "keys": []any{"Ctrl", "C"}, "combo": "alt+ tab"}

	x, y, err := p.Point("x", "y")
	require.NoError(t, err)
	assert.Equal(t, 10, x)
	assert.Equal(t, 20, y)

	_, err = Params{"x": 1e300}.Int("x")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = Params{"x": -1e300}.Int("x")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = Params{"x": json.Number("99999999999999999999")}.Int("x")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	n, err := Params{"x": json.Number("1920")}.Int("x")
	require.NoError(t, err)
	assert.Equal(t, 1920, n)

	assert.True(t, Params{"save": true}.Bool("save"))
	assert.True(t, Params{"save": "true"}.Bool("save"))
	assert.False(t, Params{}.Bool("save"))

	_, err = p.Int("frac")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = p.Int("missing")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	n, err = p.IntOr("missing", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := p.Keys("keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctrl", "c"}, keys)

	keys, err = p.Keys("combo")
	require.NoError(t, err)
	assert.Equal(t, []string{"alt", "tab"}, keys)

	orig := []string{"Shift", "A"}
	_, err = Params{"keys": orig}.Keys("keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"Shift", "A"}, orig)

	assert.Contains(t, Describe(ActionHotkey, Params{"keys": "Ctrl+Alt+Delete"}), "keys=ctrl+alt+delete")
}

func TestTableCallRecoversAndClassifies(t *testing.T) {
	table := Table{
		ActionClick: func(ctx context.Context, p Params) (Output, error) { panic("boom") },
		ActionType:  func(ctx context.Context, p Params) (Output, error) { return Output{}, errors.New("plain") },
	}

	_, err := table.Call(context.Background(), ActionClick, nil, kindAction)
	assert.ErrorIs(t, err, apperrors.ErrAction)
	assert.Contains(t, err.Error(), "panicked")

	_, err = table.Call(context.Background(), ActionType, nil, kindAction)
	assert.Equal(t, "ActionError: plain", err.Error())

	_, err = table.Call(context.Background(), ActionDrag, nil, kindAction)
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)

	assert.Equal(t, []Action{ActionScroll, ActionHotkey, ActionMoveMouse, ActionDrag}, table.Missing(InputActions))
	assert.Error(t, checkTables("partial", Table{}, table))
}

func TestSimulatedBackend(t *testing.T) {
	ctx := context.Background()
	s := NewSimulatedBackend()

	out, err := s.Perceive(ctx, ActionCaptureScreen, nil)
	require.NoError(t, err)
	assert.Equal(t, 1920, out.Data["width"])
	assert.Equal(t, 1080, out.Data["height"])

	out, err = s.Perceive(ctx, ActionFindElement, Params{"query": "OK button"})
	require.NoError(t, err)
	elements := out.Data["elements"].([]Element)
	require.Len(t, elements, 1)
	assert.Equal(t, "OK button", elements[0].Label)
	assert.Equal(t, BBox{X: 100, Y: 200, Width: 80, Height: 30}, elements[0].BBox)

	out, err = s.Act(ctx, ActionClick, Params{"x": 5, "y": 6})
	require.NoError(t, err)
	assert.Equal(t, "Clicked left at (5, 6)", out.Message)

	out, err = s.Act(ctx, ActionType, Params{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Typed: hello", out.Message)

	_, err = s.Act(ctx, ActionClick, Params{"x": 5})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = s.Act(ctx, ActionOCR, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)

	assert.Equal(t, []Action{ActionCaptureScreen, ActionFindElement, ActionClick, ActionType, ActionClick, ActionOCR}, s.Calls())
}

func TestInputArgumentDefaults(t *testing.T) {
	c, err := parseClick(Params{"x": 1, "y": 2, "button": "RIGHT", "clicks": 0})
	require.NoError(t, err)
	assert.Equal(t, clickArgs{X: 1, Y: 2, Button: "right", Clicks: 1}, c)

	_, err = parseClick(Params{"x": 1, "y": 2, "button": "fourth"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	sc, err := parseScroll(Params{})
	require.NoError(t, err)
	assert.Equal(t, scrollArgs{Direction: "down", Amount: 3}, sc)

	_, err = parseScroll(Params{"direction": "sideways"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = parseDrag(Params{"x": 1, "y": 2, "end_x": 3})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

type recordedCommand struct {
	name string
	args []string
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []recordedCommand
	fail     map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, recordedCommand{name: name, args: args})
	if err := f.fail[name]; err != nil {
		return []byte("failed"), err
	}
	// Screen capture tools write to their last path-like argument.
	for _, a := range args {
		if strings.HasSuffix(a, ".png") {
			if err := os.WriteFile(a, testPNG(4, 3), 0644); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func testPNG(w, h int) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)))
	return buf.Bytes()
}

func newTestDesktop(t *testing.T, runner *fakeRunner, opts ...DesktopOption) *DesktopBackend {
	t.Helper()
	opts = append([]DesktopOption{WithCommandRunner(runner.run)}, opts...)
	d, err := NewDesktopBackend(":0", t.TempDir(), zap.NewNop(), opts...)
	require.NoError(t, err)
	return d
}

func TestDesktopInputCommands(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	d := newTestDesktop(t, runner)

	_, err := d.Act(ctx, ActionClick, Params{"x": 10, "y": 20, "clicks": 2})
	require.NoError(t, err)
	_, err = d.Act(ctx, ActionHotkey, Params{"keys": []any{"ctrl", "Enter"}})
	require.NoError(t, err)
	_, err = d.Act(ctx, ActionScroll, Params{"direction": "up", "amount": 2})
	require.NoError(t, err)
	_, err = d.Act(ctx, ActionDrag, Params{"x": 1, "y": 2, "end_x": 3, "end_y": 4})
	require.NoError(t, err)

	require.Len(t, runner.commands, 4)
	for _, c := range runner.commands {
		assert.Equal(t, "xdotool", c.name)
	}
	assert.Equal(t, []string{"mousemove", "10", "20", "click", "--repeat", "2", "1"}, runner.commands[0].args)
	assert.Equal(t, []string{"key", "ctrl+Return"}, runner.commands[1].args)
	assert.Equal(t, []string{"click", "--repeat", "2", "4"}, runner.commands[2].args)
	assert.Equal(t, []string{"mousemove", "1", "2", "mousedown", "1", "mousemove", "3", "4", "mouseup", "1"}, runner.commands[3].args)
}

func TestDesktopFailuresAreActionErrors(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"xdotool": errors.New("exit status 1")}}
	d := newTestDesktop(t, runner)

	_, err := d.Act(context.Background(), ActionType, Params{"text": "hi"})
	assert.ErrorIs(t, err, apperrors.ErrAction)
}

func TestDesktopCaptureFallsBackToScrot(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"ffmpeg": errors.New("no x11grab")}}
	d := newTestDesktop(t, runner)

	out, err := d.Perceive(context.Background(), ActionCaptureScreen, Params{"save": true})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Data["width"])
	assert.Equal(t, 3, out.Data["height"])
	assert.Equal(t, "png", out.Data["format"])
	path := out.Data["path"].(string)
	assert.True(t, filepath.IsAbs(path))
	assert.FileExists(t, path)

	require.Len(t, runner.commands, 2)
	assert.Equal(t, "ffmpeg", runner.commands[0].name)
	assert.Equal(t, "scrot", runner.commands[1].name)
}

func TestDesktopCaptureRemovesUnsavedScreenshots(t *testing.T) {
	model := &fakeModel{reply: "screen text"}
	d := newTestDesktop(t, &fakeRunner{}, WithAnalyzer(NewVisionAnalyzer(model, nil, zap.NewNop())))

	out, err := d.Perceive(context.Background(), ActionCaptureScreen, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Data["width"])
	assert.NotContains(t, out.Data, "path")

	_, err = d.Perceive(context.Background(), ActionOCR, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(d.shotDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDesktopWithoutAnalyzer(t *testing.T) {
	d := newTestDesktop(t, &fakeRunner{})
	_, err := d.Perceive(context.Background(), ActionOCR, nil)
	assert.ErrorIs(t, err, apperrors.ErrPerception)
}

type fakeModel struct {
	reply    string
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestVisionAnalyzerFindsElements(t *testing.T) {
	model := &fakeModel{reply: "```json\n{\"elements\":[{\"label\":\"Save\",\"bbox\":{\"x\":1,\"y\":2,\"width\":3,\"height\":4},\"confidence\":0.8}]}\n```"}
	analyzer := NewVisionAnalyzer(model, nil, zap.NewNop())
	d := newTestDesktop(t, &fakeRunner{}, WithAnalyzer(analyzer))

	img := base64.StdEncoding.EncodeToString(testPNG(2, 2))
	out, err := d.Perceive(context.Background(), ActionFindElement, Params{"query": "Save", "image_base64": "data:image/png;base64," + img})
	require.NoError(t, err)

	elements := out.Data["elements"].([]Element)
	require.Len(t, elements, 1)
	assert.Equal(t, BBox{X: 1, Y: 2, Width: 3, Height: 4}, elements[0].BBox)

	require.Len(t, model.messages, 1)
	require.Len(t, model.messages[0].Parts, 2)
	bin, ok := model.messages[0].Parts[0].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", bin.MIMEType)
}

func TestVisionAnalyzerNoMatch(t *testing.T) {
	analyzer := NewVisionAnalyzer(&fakeModel{reply: `{"elements":[]}`}, nil, zap.NewNop())
	d := newTestDesktop(t, &fakeRunner{}, WithAnalyzer(analyzer))

	_, err := d.Perceive(context.Background(), ActionFindElement, Params{"query": "Missing"})
	assert.ErrorIs(t, err, apperrors.ErrPerception)

	_, err = parseElements("not json")
	assert.Error(t, err)
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"Save"`, xpathLiteral("Save"))
	assert.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "x", '"', "")`, xpathLiteral(`it's "x"`))
}
