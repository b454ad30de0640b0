package governance

import (
	"context"
	"testing"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	// Test Allow (Default)
	res1, err := engine.Evaluate(ctx, Request{Action: "click", Arguments: `{"x":1,"y":2}`})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res1.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res1.Effect)
	}

	// Test Deny by action
	engine.DenyAction("drag")
	res2, err := engine.Evaluate(ctx, Request{Action: "drag"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res2.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res2.Effect)
	}
}

func TestNewPolicyEngine_DeniesArguments(t *testing.T) {
	engine, err := NewPolicyEngine(nil, []string{`(?i)ctrl\+alt\+(delete|del)`})
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}

	res, err := engine.Evaluate(context.Background(), Request{
		Action:    "hotkey",
		Arguments: `{"keys":"CTRL+ALT+DELETE"}`,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s (%s)", res.Effect, res.Reason)
	}

	if _, err := NewPolicyEngine(nil, []string{"("}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}
