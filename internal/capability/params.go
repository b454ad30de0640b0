package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

// Params is the opaque argument map of a step or request. Values arrive from
// JSON, so numbers are usually float64.
type Params map[string]any

// Int reads a required integer.
func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, apperrors.New(apperrors.KindValidation, "%s is required", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, apperrors.New(apperrors.KindValidation, "%s: %v", key, err)
	}
	return n, nil
}

// IntOr reads an optional integer.
func (p Params) IntOr(key string, def int) (int, error) {
	if v, ok := p[key]; !ok || v == nil {
		return def, nil
	}
	return p.Int(key)
}

// String reads a required non-empty string.
func (p Params) String(key string) (string, error) {
	s := p.StringOr(key, "")
	if s == "" {
		return "", apperrors.New(apperrors.KindValidation, "%s is required", key)
	}
	return s, nil
}

func (p Params) StringOr(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Bool reads an optional flag given as a bool or "true"/"false".
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

// Point reads the x/y pair named by the two keys.
func (p Params) Point(xKey, yKey string) (int, int, error) {
	x, err := p.Int(xKey)
	if err != nil {
		return 0, 0, err
	}
	y, err := p.Int(yKey)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// Keys reads a key combination given either as a list ["ctrl","c"] or as
// a "ctrl+c" string.
func (p Params) Keys(key string) ([]string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, apperrors.New(apperrors.KindValidation, "%s is required", key)
	}
	var keys []string
	switch t := raw.(type) {
	case string:
		keys = strings.Split(t, "+")
	case []string:
		keys = append([]string(nil), t...)
	case []any:
		for _, k := range t {
			keys = append(keys, fmt.Sprint(k))
		}
	default:
		return nil, apperrors.New(apperrors.KindValidation, "%s must be a list or a '+' joined string", key)
	}
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, strings.ToLower(k))
		}
	}
	if len(out) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "%s is empty", key)
	}
	return out, nil
}

// Describe renders the call for policy matching: the JSON parameters and,
// for hotkeys, the normalized combo.
func Describe(action Action, p Params) string {
	raw, _ := json.Marshal(p)
	s := string(raw)
	if action == ActionHotkey {
		if keys, err := p.Keys("keys"); err == nil {
			s += " keys=" + strings.Join(keys, "+")
		}
	}
	return s
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int64ToInt(t)
	case int32:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected an integer, got %v", t)
		}
		// int spans [MinInt, -MinInt); both bounds are exact as float64.
		if t < float64(math.MinInt) || t >= -float64(math.MinInt) {
			return 0, fmt.Errorf("integer out of range: %v", t)
		}
		return int(t), nil
	case float32:
		return toInt(float64(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, err
		}
		return int64ToInt(n)
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func int64ToInt(n int64) (int, error) {
	if n < math.MinInt || n > math.MaxInt {
		return 0, fmt.Errorf("integer out of range: %d", n)
	}
	return int(n), nil
}
