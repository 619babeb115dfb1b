package agent

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Outcome labels a completed action.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft_failure"
	OutcomeHardFailure Outcome = "hard_failure"
)

// Failed reports whether o counts toward the consecutive-failure limit.
func (o Outcome) Failed() bool { return o != OutcomeSuccess }

// Reflector judgement tokens.
const (
	judgementSuccess   = "A" // result meets the expectation
	judgementWrongPage = "B" // landed on a wrong page
	judgementNoChange  = "C" // the action produced no change
)

// ClassifyJudgement maps a reflector judgement to an Outcome. Anything it
// cannot recognise is a hard failure.
func ClassifyJudgement(judgement string) Outcome {
	tokens := strings.FieldsFunc(judgement, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	switch {
	case seen[judgementSuccess]:
		return OutcomeSuccess
	case seen[judgementWrongPage]:
		return OutcomeHardFailure
	case seen[judgementNoChange]:
		return OutcomeSoftFailure
	default:
		return OutcomeHardFailure
	}
}

// ActionKey is the repetition key of a typed action: its name followed by
// its arguments in sorted key order.
func ActionKey(a Action) string {
	return repetitionKey(a.Name(), a.Args())
}

// RepetitionKey computes the repetition key of a serialized action. Input
// that is not action JSON is its own key.
func RepetitionKey(raw string) string {
	var w wireAction
	if err := json.Unmarshal([]byte(stripFences(raw)), &w); err != nil || w.Name == "" {
		return raw
	}
	args := make(map[string]string, len(w.Arguments))
	for k, v := range w.Arguments {
		args[k] = formatArg(v)
	}
	return repetitionKey(w.Name, args)
}

func repetitionKey(name string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(args[k])
	}
	return b.String()
}

func formatArg(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// RepetitionExempt reports whether a repetition key belongs to a scroll or
// back action; repeating those is normal exploration.
func RepetitionExempt(key string) bool {
	name, _, _ := strings.Cut(key, "|")
	return name == NameBack || strings.HasPrefix(name, "Scroll")
}
