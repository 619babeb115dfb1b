package agent

import (
	"fmt"
	"strings"
)

// Section headers the model is asked to emit.
const (
	sectionThought     = "Thought"
	sectionPlan        = "Plan"
	sectionSubgoal     = "Current Subgoal"
	sectionAction      = "Action"
	sectionDescription = "Description"
	sectionOutcome     = "Outcome"
	sectionError       = "Error Description"
	sectionProgress    = "Progress Status"
)

// PlanTurn is the planner's answer for one iteration.
type PlanTurn struct {
	Thought string
	Plan    string
	Subgoal string
}

// Finished reports whether the planner declared the task complete.
func (p PlanTurn) Finished() bool {
	return strings.Contains(strings.ToLower(p.Subgoal), "finished")
}

// OperatorTurn is the operator's chosen action.
type OperatorTurn struct {
	Thought     string
	Description string
	Raw         string
	Action      Action
}

// Reflection is the reflector's judgement of the previous action.
type Reflection struct {
	Judgement        string
	Outcome          Outcome
	ErrorDescription string
	Progress         string
}

// ParsePlan reads a planner response.
func ParsePlan(text string) PlanTurn {
	return PlanTurn{
		Thought: extractSection(text, sectionThought),
		Plan:    extractSection(text, sectionPlan),
		Subgoal: extractSection(text, sectionSubgoal),
	}
}

// ParseOperator reads an operator response and converts its action into
// exactly one typed Action.
func ParseOperator(text string) (OperatorTurn, error) {
	turn := OperatorTurn{
		Thought:     extractSection(text, sectionThought),
		Description: extractSection(text, sectionDescription),
		Raw:         extractSection(text, sectionAction),
	}
	if turn.Raw == "" {
		turn.Raw = firstJSONObject(text)
	}
	if turn.Raw == "" {
		return turn, fmt.Errorf("operator response has no action")
	}
	a, err := ParseAction(turn.Raw)
	if err != nil {
		return turn, err
	}
	turn.Action = a
	if turn.Description == "" {
		turn.Description = a.Name()
	}
	return turn, nil
}

// ParseReflection reads a reflector response.
func ParseReflection(text string) Reflection {
	judgement := extractSection(text, sectionOutcome)
	return Reflection{
		Judgement:        judgement,
		Outcome:          ClassifyJudgement(judgement),
		ErrorDescription: extractSection(text, sectionError),
		Progress:         extractSection(text, sectionProgress),
	}
}

// extractSection returns the text following "### name ###" up to the next
// "###" header.
func extractSection(text, name string) string {
	header := "### " + name + " ###"
	i := strings.Index(text, header)
	if i < 0 {
		return ""
	}
	rest := text[i+len(header):]
	if j := strings.Index(rest, "###"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func firstJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
