package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes one device action about to be executed.
type Request struct {
	Action    string
	Arguments string // action JSON
	TaskID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates device actions against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies by action name, by app and by argument pattern.
type DefaultPolicyEngine struct {
	DeniedActions map[string]bool
	DeniedApps    map[string]bool
	DeniedRegex   []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedActions: make(map[string]bool),
		DeniedApps:    make(map[string]bool),
		DeniedRegex:   make([]*regexp.Regexp, 0),
	}
}

func (e *DefaultPolicyEngine) DenyAction(name string) {
	e.DeniedActions[name] = true
}

// DenyApp blocks Open_App for the named app, case-insensitively.
func (e *DefaultPolicyEngine) DenyApp(name string) {
	e.DeniedApps[strings.ToLower(name)] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedActions[req.Action] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Action '%s' is restricted by system policy", req.Action),
		}, nil
	}

	args := decodeArguments(req.Arguments)
	if req.Action == "Open_App" {
		if name, _ := args["app_name"].(string); name != "" {
			if app := strings.ToLower(strings.TrimSpace(name)); e.DeniedApps[app] {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("App '%s' is restricted by system policy", app),
				}, nil
			}
		}
	}

	texts := append([]string{req.Arguments}, stringValues(args)...)
	for _, re := range e.DeniedRegex {
		for _, text := range texts {
			if re.MatchString(text) {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
				}, nil
			}
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

// decodeArguments returns the "arguments" object of an action JSON, or nil
// when there is none.
func decodeArguments(raw string) map[string]any {
	var wire struct {
		Arguments map[string]any `json:"arguments"`
	}
	if json.Unmarshal([]byte(raw), &wire) != nil {
		return nil
	}
	return wire.Arguments
}

// stringValues lists the unescaped string arguments in key order.
func stringValues(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		if v, ok := args[k].(string); ok {
			out = append(out, v)
		}
	}
	return out
}
