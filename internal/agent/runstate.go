package agent

import "time"

// Task is one user request handed to the loop.
type Task struct {
	ID                     string
	Instruction            string
	Priority               int
	MaxIterations          int
	MaxConsecutiveFailures int
	MaxRepetitiveActions   int
	CreatedAt              time.Time
}

// ActionRecord is one executed action as the history shows it.
type ActionRecord struct {
	Action  string `json:"action"`
	Key     string `json:"key"`
	Summary string `json:"summary"`
	Thought string `json:"thought"`
}

// OutcomeRecord pairs 1:1 with an ActionRecord.
type OutcomeRecord struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// RunState is the working memory of one loop run. Only the ControlLoop
// running it may touch it.
type RunState struct {
	Instruction         string
	Iteration           int
	ConsecutiveFailures int
	Actions             []ActionRecord
	Outcomes            []OutcomeRecord
	Progress            []string
	Plan                string
	Subgoal             string
	PrevSubgoal         string
	ErrorFlag           bool
}

func newRunState(instruction string) *RunState {
	return &RunState{Instruction: instruction}
}

func (s *RunState) record(rec ActionRecord, out OutcomeRecord, progress string) {
	s.Actions = append(s.Actions, rec)
	s.Outcomes = append(s.Outcomes, out)
	s.Progress = append(s.Progress, progress)
	if out.Outcome.Failed() {
		s.ConsecutiveFailures++
	} else {
		s.ConsecutiveFailures = 0
	}
}

// lastFailed reports whether the last n outcomes all failed.
func (s *RunState) lastFailed(n int) bool {
	return n > 0 && s.ConsecutiveFailures >= n
}

// repeatedKey returns the key shared by the last n actions, if any.
func (s *RunState) repeatedKey(n int) (string, bool) {
	if n <= 0 || len(s.Actions) < n {
		return "", false
	}
	last := s.Actions[len(s.Actions)-n:]
	key := last[0].Key
	for _, rec := range last[1:] {
		if rec.Key != key {
			return "", false
		}
	}
	return key, true
}

func (s *RunState) lastProgress() string {
	if len(s.Progress) == 0 {
		return ""
	}
	return s.Progress[len(s.Progress)-1]
}
