package planner

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/rahul/jarvis/internal/capability"
	apperrors "github.com/rahul/jarvis/internal/errors"
)

// RulePlanner plans short imperative commands without a model, e.g.
// "take a screenshot and click at (100,200)". Each clause becomes one step.
type RulePlanner struct{}

func NewRulePlanner() *RulePlanner { return &RulePlanner{} }

type rule struct {
	pattern *regexp.Regexp
	build   func(m []string) Step
}

const point = `\(?\s*(-?\d+)\s*,\s*(-?\d+)\s*\)?`

var rules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)^(?:take|grab|capture)\s+(?:a\s+|the\s+)?(?:screenshot|screen(?:\s*shot)?|capture)$|^screenshot$|^capture(?:\s+the)?\s+screen$`),
		build: func(m []string) Step {
			return Step{Action: capability.ActionCaptureScreen, Description: "Capture the current screen"}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(?:describe|analy[sz]e)\s+(?:the\s+)?screen(?:shot)?$`),
		build: func(m []string) Step {
			return Step{Action: capability.ActionAnalyzeImage, Description: "Describe the screen"}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(?:read|ocr)(?:\s+the)?(?:\s+(?:screen|text|text on (?:the\s+)?screen))?$`),
		build: func(m []string) Step {
			return Step{Action: capability.ActionOCR, Description: "Read the text on screen"}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(?:find|locate|look for)\s+(?:the\s+)?(.+)$`),
		build: func(m []string) Step {
			q := unquote(m[1])
			return Step{
				Action:      capability.ActionFindElement,
				Parameters:  capability.Params{"query": q},
				Description: "Find " + q,
			}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(double|right|middle)?[\s-]*click(?:\s+at)?\s+` + point + `$`),
		build: func(m []string) Step {
			params := capability.Params{"x": atoi(m[2]), "y": atoi(m[3])}
			switch strings.ToLower(m[1]) {
			case "double":
				params["clicks"] = 2
			case "right", "middle":
				params["button"] = strings.ToLower(m[1])
			}
			return Step{Action: capability.ActionClick, Parameters: params, Description: "Click at (" + m[2] + ", " + m[3] + ")"}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(?:type|write|enter)\s+(.+)$`),
		build: func(m []string) Step {
			text := unquote(m[1])
			return Step{Action: capability.ActionType, Parameters: capability.Params{"text": text}, Description: "Type " + strconv.Quote(text)}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^scroll(?:\s+(up|down|left|right))?(?:\s+(?:by\s+)?(\d+))?$`),
		build: func(m []string) Step {
			params := capability.Params{}
			if m[1] != "" {
				params["direction"] = strings.ToLower(m[1])
			}
			if m[2] != "" {
				params["amount"] = atoi(m[2])
			}
			return Step{Action: capability.ActionScroll, Parameters: params, Description: "Scroll " + strings.TrimSpace(m[1]+" "+m[2])}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^(?:press|hit|hotkey)\s+(.+)$`),
		build: func(m []string) Step {
			combo := strings.Join(strings.Fields(strings.ReplaceAll(unquote(m[1]), " + ", "+")), "+")
			return Step{Action: capability.ActionHotkey, Parameters: capability.Params{"keys": combo}, Description: "Press " + combo}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^move(?:\s+the)?(?:\s+mouse)?(?:\s+to)?\s+` + point + `$`),
		build: func(m []string) Step {
			return Step{
				Action:      capability.ActionMoveMouse,
				Parameters:  capability.Params{"x": atoi(m[1]), "y": atoi(m[2])},
				Description: "Move the mouse to (" + m[1] + ", " + m[2] + ")",
			}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^drag(?:\s+from)?\s+` + point + `\s+to\s+` + point + `$`),
		build: func(m []string) Step {
			return Step{
				Action:      capability.ActionDrag,
				Parameters:  capability.Params{"x": atoi(m[1]), "y": atoi(m[2]), "end_x": atoi(m[3]), "end_y": atoi(m[4])},
				Description: "Drag from (" + m[1] + ", " + m[2] + ") to (" + m[3] + ", " + m[4] + ")",
			}
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)^submit\s+(.+)$`),
		build: func(m []string) Step {
			text := unquote(m[1])
			return Composite(0, "Type "+strconv.Quote(text)+" and press enter",
				Step{Action: capability.ActionType, Parameters: capability.Params{"text": text}},
				Step{Action: capability.ActionHotkey, Parameters: capability.Params{"keys": "enter"}},
			)
		},
	},
}

func (r *RulePlanner) Generate(ctx context.Context, goal string, pctx Context) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Ensure(err, apperrors.KindPlanning)
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, apperrors.New(apperrors.KindPlanning, "goal is empty")
	}

	plan := &Plan{Reasoning: "Plan generated for: " + goal}
	for _, clause := range splitClauses(goal) {
		step, ok := matchClause(clause)
		if !ok {
			return nil, apperrors.New(apperrors.KindPlanning, "cannot plan %q", clause)
		}
		step.ID = len(plan.Steps) + 1
		plan.Steps = append(plan.Steps, step)
	}
	if len(plan.Steps) == 0 {
		return nil, apperrors.New(apperrors.KindPlanning, "no actionable clause in %q", goal)
	}
	return plan, nil
}

func matchClause(clause string) (Step, bool) {
	for _, r := range rules {
		if m := r.pattern.FindStringSubmatch(clause); m != nil {
			for i := range m {
				m[i] = strings.TrimSpace(m[i])
			}
			return r.build(m), true
		}
	}
	return Step{}, false
}

var separators = []string{", and then ", ", then ", ", and ", " and then ", " then ", " and ", ", ", "; "}

// splitClauses splits on conjunctions and punctuation outside quotes.
func splitClauses(goal string) []string {
	var clauses []string
	var quote rune
	start := 0
	for i := 0; i < len(goal); {
		c := rune(goal[i])
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '"' || c == '\'' && (i == 0 || goal[i-1] == ' ') {
			quote = c
			i++
			continue
		}
		if c == '(' {
			if j := strings.IndexByte(goal[i:], ')'); j > 0 {
				i += j + 1
				continue
			}
		}
		matched := false
		for _, sep := range separators {
			if len(goal)-i >= len(sep) && strings.EqualFold(goal[i:i+len(sep)], sep) {
				clauses = appendClause(clauses, goal[start:i])
				i += len(sep)
				start = i
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return appendClause(clauses, goal[start:])
}

func appendClause(clauses []string, s string) []string {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ".!"))
	if s == "" {
		return clauses
	}
	return append(clauses, s)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
