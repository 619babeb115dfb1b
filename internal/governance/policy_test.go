package governance

import (
	"context"
	"testing"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	// Test Allow (Default)
	res1, err := engine.Evaluate(ctx, Request{Action: "Back"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res1.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res1.Effect)
	}

	// Test Deny
	engine.DenyAction("Search_Google")
	res2, err := engine.Evaluate(ctx, Request{Action: "Search_Google"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res2.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res2.Effect)
	}
}

func TestDefaultPolicyEngine_DenyApp(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	engine.DenyApp("Banking")
	ctx := context.Background()

	res, _ := engine.Evaluate(ctx, Request{
		Action:    "Open_App",
		Arguments: `{"name":"Open_App","arguments":{"app_name":"banking"}}`,
	})
	if res.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny for banking, got %s", res.Effect)
	}

	res, _ = engine.Evaluate(ctx, Request{
		Action:    "Open_App",
		Arguments: `{"name":"Open_App","arguments":{"app_name":"Settings"}}`,
	})
	if res.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow for settings, got %s", res.Effect)
	}
	engine.DenyApp("AT&T")
	for _, args := range []string{
		`{"name":"Open_App","arguments":{"app_name":"AT\u0026T"}}`,
		`{"name":"Open_App","arguments":{"app_name":"at&t"}}`,
	} {
		res, _ = engine.Evaluate(ctx, Request{Action: "Open_App", Arguments: args})
		if res.Effect != EffectDeny {
			t.Errorf("Expected EffectDeny for %s, got %s", args, res.Effect)
		}
	}

	res, _ = engine.Evaluate(ctx, Request{
		Action:    "Open_App",
		Arguments: `{"name":"Open_App","arguments":{"app_name":"My Banking Helper"}}`,
	})
	if res.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow for a different app, got %s", res.Effect)
	}
}

func TestDefaultPolicyEngine_DenyArguments(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	if err := engine.DenyArguments(`(?i)password`); err != nil {
		t.Fatal(err)
	}
	if err := engine.DenyArguments(`([`); err == nil {
		t.Error("Expected invalid pattern to fail")
	}

	res, _ := engine.Evaluate(context.Background(), Request{
		Action:    "Input_Text",
		Arguments: `{"name":"Input_Text","arguments":{"index":"1","text":"my Password"}}`,
	})
	if res.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res.Effect)
	}

	if err := engine.DenyArguments(`<script>`); err != nil {
		t.Fatal(err)
	}
	res, _ = engine.Evaluate(context.Background(), Request{
		Action:    "Input_Text",
		Arguments: `{"name":"Input_Text","arguments":{"index":"1","text":"\u003cscript\u003e"}}`,
	})
	if res.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny for escaped text, got %s", res.Effect)
	}
}
