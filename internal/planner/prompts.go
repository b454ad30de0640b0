package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/capability"
)

const defaultPlannerPrompt = `You are the planner of a desktop assistant. Turn the user's command into an
ordered list of steps and submit it with the propose_plan tool. Steps run strictly in order, one at a
time, so later steps may rely on the effects of earlier ones. Use only the actions listed below.
Coordinates are screen pixels. If the user is only chatting and nothing has to happen on screen,
answer in plain text instead of calling the tool.`

// PromptManager assembles the planner system prompt from markdown files.
// planner.md leads, then identity, capabilities and user notes, then any
// other .md file in name order.
type PromptManager struct {
	Directory string
	logger    *zap.Logger
}

func NewPromptManager(dir string, logger *zap.Logger) *PromptManager {
	return &PromptManager{Directory: dir, logger: logger}
}

var promptOrder = map[string]int{
	"planner.md":      1,
	"identity.md":     2,
	"capabilities.md": 3,
	"user.md":         4,
}

// SystemPrompt returns the assembled prompt followed by the action
// vocabulary. A missing directory yields the built-in prompt.
func (pm *PromptManager) SystemPrompt() (string, error) {
	base, err := pm.readDirectory()
	if err != nil {
		return "", err
	}
	if base == "" {
		base = defaultPlannerPrompt
	}
	return base + "\n\n## Available actions\n" + actionCatalog(), nil
}

func (pm *PromptManager) readDirectory() (string, error) {
	if pm == nil || pm.Directory == "" {
		return "", nil
	}
	entries, err := os.ReadDir(pm.Directory)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		oi, okI := promptOrder[entries[i].Name()]
		oj, okJ := promptOrder[entries[j].Name()]
		switch {
		case okI && okJ:
			return oi < oj
		case okI:
			return true
		case okJ:
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if pm.logger != nil {
				pm.logger.Warn("failed to read prompt file", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

var actionHelp = map[capability.Action]string{
	capability.ActionCaptureScreen: "take a screenshot. Optional: save (true keeps the file and reports its path).",
	capability.ActionAnalyzeImage:  "describe the screen. Optional: prompt.",
	capability.ActionFindElement:   "locate a UI element. Required: query (visible text or description). Browser only: selector.",
	capability.ActionOCR:           "read the text on screen. No parameters.",
	capability.ActionClick:         "click. Required: x, y. Optional: button (left|middle|right), clicks.",
	capability.ActionType:          "type text at the focus. Required: text.",
	capability.ActionScroll:        "scroll. Optional: direction (up|down|left|right, default down), amount (default 3).",
	capability.ActionHotkey:        `press a key combination. Required: keys, e.g. ["ctrl","c"].`,
	capability.ActionMoveMouse:     "move the pointer. Required: x, y.",
	capability.ActionDrag:          "drag with the left button. Required: x, y, end_x, end_y.",
	capability.ActionComposite:     "run several of the above as one step. Required: steps, a list of {action, parameters}.",
}

func actionCatalog() string {
	var b strings.Builder
	all := append(append(append([]capability.Action{}, capability.VisionActions...), capability.InputActions...), capability.ActionComposite)
	for _, a := range all {
		fmt.Fprintf(&b, "- %s: %s\n", a, actionHelp[a])
	}
	return b.String()
}
