package agent

import (
	"fmt"
	"strings"
)

// historyWindow bounds how many past actions each prompt repeats.
const historyWindow = 10

func (l *ControlLoop) plannerPrompt(st *RunState, scene *Scene) (Prompt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "### User Instruction ###\n%s\n\n", st.Instruction)
	if st.Plan != "" {
		fmt.Fprintf(&b, "### Previous Plan ###\n%s\n\n", st.Plan)
	}
	if st.PrevSubgoal != "" {
		fmt.Fprintf(&b, "### Previous Subgoal ###\n%s\n\n", st.PrevSubgoal)
	}
	if p := st.lastProgress(); p != "" {
		fmt.Fprintf(&b, "### Progress Status ###\n%s\n\n", p)
	}
	if st.ErrorFlag {
		b.WriteString("### Potentially Stuck! ###\nThe recent actions did not produce the expected result. ")
		b.WriteString("Reconsider the plan before continuing.\n\n")
		writeRecentErrors(&b, st)
	}
	writeHistory(&b, st)
	fmt.Fprintf(&b, "### Screen ###\n%s", scene.Render())
	return l.prompt(RolePlanner, b.String(), scene, nil, st)
}

func (l *ControlLoop) operatorPrompt(st *RunState, scene *Scene) (Prompt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "### User Instruction ###\n%s\n\n", st.Instruction)
	fmt.Fprintf(&b, "### Overall Plan ###\n%s\n\n", st.Plan)
	fmt.Fprintf(&b, "### Current Subgoal ###\n%s\n\n", st.Subgoal)
	if p := st.lastProgress(); p != "" {
		fmt.Fprintf(&b, "### Progress Status ###\n%s\n\n", p)
	}
	writeHistory(&b, st)
	fmt.Fprintf(&b, "### Screen ###\n%s", scene.Render())
	if scene != nil && scene.KeyboardOpen {
		b.WriteString("\nThe keyboard is open; Input_Text is available.\n")
	}
	return l.prompt(RoleOperator, b.String(), scene, nil, st)
}

func (l *ControlLoop) reflectorPrompt(st *RunState, rec ActionRecord, before, after *Scene) (Prompt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "### User Instruction ###\n%s\n\n", st.Instruction)
	fmt.Fprintf(&b, "### Current Subgoal ###\n%s\n\n", st.Subgoal)
	fmt.Fprintf(&b, "### Latest Action ###\n%s\n%s\n\n", rec.Action, rec.Summary)
	fmt.Fprintf(&b, "### Screen Before ###\n%s\n", before.Render())
	fmt.Fprintf(&b, "### Screen After ###\n%s", after.Render())
	return l.prompt(RoleReflector, b.String(), after, before, st)
}

func (l *ControlLoop) prompt(role PromptRole, text string, scene, before *Scene, st *RunState) (Prompt, error) {
	system, err := l.Prompts.System(role)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		Role:    role,
		System:  system,
		Text:    text,
		Scene:   scene,
		Before:  before,
		History: recentActions(st),
	}, nil
}

func recentActions(st *RunState) []ActionRecord {
	if len(st.Actions) <= historyWindow {
		return append([]ActionRecord(nil), st.Actions...)
	}
	return append([]ActionRecord(nil), st.Actions[len(st.Actions)-historyWindow:]...)
}

func writeHistory(b *strings.Builder, st *RunState) {
	if len(st.Actions) == 0 {
		return
	}
	b.WriteString("### Latest Actions ###\n")
	start := len(st.Actions) - historyWindow
	if start < 0 {
		start = 0
	}
	for i := start; i < len(st.Actions); i++ {
		out := st.Outcomes[i]
		fmt.Fprintf(b, "%d. %s | %s | %s", i+1, st.Actions[i].Action, st.Actions[i].Summary, out.Outcome)
		if out.Error != "" {
			fmt.Fprintf(b, " (%s)", out.Error)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeRecentErrors(b *strings.Builder, st *RunState) {
	for i := len(st.Outcomes) - st.ConsecutiveFailures; i < len(st.Outcomes); i++ {
		if i < 0 {
			continue
		}
		fmt.Fprintf(b, "- %s: %s\n", st.Actions[i].Action, st.Outcomes[i].Error)
	}
	b.WriteString("\n")
}
