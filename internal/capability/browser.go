package capability

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

// BrowserBackend treats a Chrome viewport as the screen. Coordinates are CSS
// pixels of the viewport; text is read from the DOM instead of pixels.
type BrowserBackend struct {
	mu            sync.Mutex
	headless      bool
	startURL      string
	timeout       time.Duration
	analyzer      Analyzer
	logger        *zap.Logger
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	vision        Table
	input         Table
}

func NewBrowserBackend(headless bool, startURL string, timeout time.Duration, analyzer Analyzer, logger *zap.Logger) (*BrowserBackend, error) {
	b := &BrowserBackend{
		headless: headless,
		startURL: startURL,
		timeout:  timeout,
		analyzer: analyzer,
		logger:   logger.Named("browser"),
	}
	if b.timeout <= 0 {
		b.timeout = 60 * time.Second
	}
	b.vision = Table{
		ActionCaptureScreen: b.captureScreen,
		ActionAnalyzeImage:  b.analyzeImage,
		ActionFindElement:   b.findElement,
		ActionOCR:           b.ocr,
	}
	b.input = Table{
		ActionClick:     b.click,
		ActionType:      b.typeText,
		ActionScroll:    b.scroll,
		ActionHotkey:    b.hotkey,
		ActionMoveMouse: b.moveMouse,
		ActionDrag:      b.drag,
	}
	if err := checkTables(b.Name(), b.vision, b.input); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BrowserBackend) Name() string { return "browser" }

func (b *BrowserBackend) Perceive(ctx context.Context, action Action, params Params) (Output, error) {
	return b.vision.Call(ctx, action, params, kindPerception)
}

func (b *BrowserBackend) Act(ctx context.Context, action Action, params Params) (Output, error) {
	return b.input.Call(ctx, action, params, kindAction)
}

func (b *BrowserBackend) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	actions := []chromedp.Action{}
	if b.startURL != "" {
		actions = append(actions, chromedp.Navigate(b.startURL))
	}
	if err := chromedp.Run(b.browserCtx, actions...); err != nil {
		b.cleanup()
		return err
	}
	b.logger.Info("browser started", zap.Bool("headless", b.headless), zap.String("start_url", b.startURL))
	return nil
}

func (b *BrowserBackend) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

func (b *BrowserBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
	return nil
}

// runActions executes against the shared tab, bounded by the caller's
// context and the backend timeout.
func (b *BrowserBackend) runActions(ctx context.Context, fallback apperrors.Kind, actions ...chromedp.Action) error {
	if err := b.initBrowser(); err != nil {
		return apperrors.Wrap(err, fallback, "failed to initialize browser")
	}
	b.mu.Lock()
	tab := b.browserCtx
	b.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(tab, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(actionCtx, actions...); err != nil {
		return apperrors.Wrap(err, fallback, "browser action failed")
	}
	return nil
}

func (b *BrowserBackend) screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := b.runActions(ctx, kindPerception, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (b *BrowserBackend) captureScreen(ctx context.Context, p Params) (Output, error) {
	buf, err := b.screenshot(ctx)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: imageData(buf)}, nil
}

func (b *BrowserBackend) analyzeImage(ctx context.Context, p Params) (Output, error) {
	if b.analyzer == nil {
		return Output{}, apperrors.New(kindPerception, "no vision analyzer configured")
	}
	img, ok, err := imageParam(p)
	if err != nil {
		return Output{}, err
	}
	if !ok {
		if img, err = b.screenshot(ctx); err != nil {
			return Output{}, err
		}
	}
	text, err := b.analyzer.Describe(ctx, img, p.StringOr("prompt", ""))
	if err != nil {
		return Output{}, apperrors.Wrap(err, kindPerception, "analyze_image")
	}
	return Output{Data: map[string]any{"analysis": text}}, nil
}

// findElement locates by CSS selector when given, otherwise by visible text.
func (b *BrowserBackend) findElement(ctx context.Context, p Params) (Output, error) {
	selector := p.StringOr("selector", "")
	query := p.StringOr("query", p.StringOr("label", ""))

	var sel string
	opt := chromedp.ByQuery
	switch {
	case selector != "":
		sel = selector
	case query != "":
		sel = fmt.Sprintf(`//*[contains(normalize-space(text()), %s)]`, xpathLiteral(query))
		opt = chromedp.BySearch
	default:
		return Output{}, apperrors.New(apperrors.KindValidation, "selector or query is required")
	}

	var box *dom.BoxModel
	if err := b.runActions(ctx, kindPerception, chromedp.Dimensions(sel, &box, opt)); err != nil {
		return Output{}, err
	}
	if box == nil || len(box.Content) < 8 {
		return Output{}, apperrors.New(kindPerception, "no element matches %q", sel)
	}
	label := query
	if label == "" {
		label = selector
	}
	el := Element{
		Label:      label,
		BBox:       BBox{X: int(box.Content[0]), Y: int(box.Content[1]), Width: int(box.Width), Height: int(box.Height)},
		Confidence: 1,
	}
	return Output{Data: map[string]any{"elements": []Element{el}}}, nil
}

// ocr extracts the readable text of the current page.
func (b *BrowserBackend) ocr(ctx context.Context, p Params) (Output, error) {
	var html, location string
	err := b.runActions(ctx, kindPerception,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return Output{}, err
	}
	pageURL, err := url.Parse(location)
	if err != nil || location == "" {
		pageURL = &url.URL{Scheme: "about", Opaque: "blank"}
	}
	text, title := "", ""
	if article, err := readability.FromReader(strings.NewReader(html), pageURL); err == nil {
		text, title = article.TextContent, article.Title
	} else {
		text = html
	}
	text = strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(text))
	if len(text) > 50000 {
		text = text[:50000] + "\n... (truncated)"
	}
	return Output{Data: map[string]any{"text": text, "title": title, "url": location}}, nil
}

var cdpButtons = map[string]chromedp.MouseOption{
	"left":   chromedp.ButtonLeft,
	"middle": chromedp.ButtonMiddle,
	"right":  chromedp.ButtonRight,
}

func (b *BrowserBackend) click(ctx context.Context, p Params) (Output, error) {
	a, err := parseClick(p)
	if err != nil {
		return Output{}, err
	}
	err = b.runActions(ctx, kindAction,
		chromedp.MouseClickXY(float64(a.X), float64(a.Y), cdpButtons[a.Button], chromedp.ClickCount(a.Clicks)))
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Clicked %s at (%d, %d)", a.Button, a.X, a.Y)}, nil
}

func (b *BrowserBackend) typeText(ctx context.Context, p Params) (Output, error) {
	text, err := p.String("text")
	if err != nil {
		return Output{}, err
	}
	if err := b.runActions(ctx, kindAction, chromedp.KeyEvent(text)); err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Typed %d characters", len([]rune(text)))}, nil
}

func (b *BrowserBackend) scroll(ctx context.Context, p Params) (Output, error) {
	a, err := parseScroll(p)
	if err != nil {
		return Output{}, err
	}
	var dx, dy float64
	step := float64(a.Amount) * 100
	switch a.Direction {
	case "up":
		dy = -step
	case "down":
		dy = step
	case "left":
		dx = -step
	case "right":
		dx = step
	}
	err = b.runActions(ctx, kindAction, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, 0, 0).WithDeltaX(dx).WithDeltaY(dy).Do(ctx)
	}))
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Scrolled %s by %d", a.Direction, a.Amount)}, nil
}

var cdpModifiers = map[string]input.Modifier{
	"ctrl": input.ModifierCtrl, "control": input.ModifierCtrl,
	"alt": input.ModifierAlt, "shift": input.ModifierShift,
	"cmd": input.ModifierMeta, "meta": input.ModifierMeta, "super": input.ModifierMeta, "win": input.ModifierMeta,
}

var cdpKeys = map[string]string{
	"enter": kb.Enter, "return": kb.Enter, "tab": kb.Tab, "esc": kb.Escape, "escape": kb.Escape,
	"backspace": kb.Backspace, "delete": kb.Delete, "space": " ",
	"up": kb.ArrowUp, "down": kb.ArrowDown, "left": kb.ArrowLeft, "right": kb.ArrowRight,
	"home": kb.Home, "end": kb.End, "pageup": kb.PageUp, "pagedown": kb.PageDown,
}

func (b *BrowserBackend) hotkey(ctx context.Context, p Params) (Output, error) {
	keys, err := p.Keys("keys")
	if err != nil {
		return Output{}, err
	}
	var mods []input.Modifier
	var key string
	for _, k := range keys {
		if m, ok := cdpModifiers[k]; ok {
			mods = append(mods, m)
			continue
		}
		if key != "" {
			return Output{}, apperrors.New(apperrors.KindValidation, "hotkey takes one non-modifier key, got %q and %q", key, k)
		}
		if named, ok := cdpKeys[k]; ok {
			key = named
		} else {
			key = k
		}
	}
	if key == "" {
		return Output{}, apperrors.New(apperrors.KindValidation, "hotkey needs a non-modifier key")
	}
	if err := b.runActions(ctx, kindAction, chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...))); err != nil {
		return Output{}, err
	}
	return Output{Message: "Hotkey: " + strings.Join(keys, "+")}, nil
}

func (b *BrowserBackend) moveMouse(ctx context.Context, p Params) (Output, error) {
	x, y, err := p.Point("x", "y")
	if err != nil {
		return Output{}, err
	}
	if err := b.runActions(ctx, kindAction, chromedp.MouseEvent(input.MouseMoved, float64(x), float64(y))); err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Mouse moved to (%d, %d)", x, y)}, nil
}

func (b *BrowserBackend) drag(ctx context.Context, p Params) (Output, error) {
	a, err := parseDrag(p)
	if err != nil {
		return Output{}, err
	}
	err = b.runActions(ctx, kindAction,
		chromedp.MouseEvent(input.MouseMoved, float64(a.X), float64(a.Y)),
		chromedp.MouseEvent(input.MousePressed, float64(a.X), float64(a.Y), chromedp.ButtonLeft, chromedp.ClickCount(1)),
		chromedp.MouseEvent(input.MouseMoved, float64(a.EndX), float64(a.EndY), chromedp.ButtonLeft),
		chromedp.MouseEvent(input.MouseReleased, float64(a.EndX), float64(a.EndY), chromedp.ButtonLeft, chromedp.ClickCount(1)),
	)
	if err != nil {
		return Output{}, err
	}
	return Output{Message: fmt.Sprintf("Dragged from (%d, %d) to (%d, %d)", a.X, a.Y, a.EndX, a.EndY)}, nil
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	return `concat("` + strings.Join(parts, `", '"', "`) + `")`
}
