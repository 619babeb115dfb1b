package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyJudgement(t *testing.T) {
	tests := map[string]Outcome{
		"A":                             OutcomeSuccess,
		"A: the result meets the goal":  OutcomeSuccess,
		"B: wrong page":                 OutcomeHardFailure,
		"C":                             OutcomeSoftFailure,
		"":                              OutcomeHardFailure,
		"Absolutely fine":               OutcomeHardFailure,
		"unclear, maybe it worked?":     OutcomeHardFailure,
		"Outcome (C) no visible change": OutcomeSoftFailure,
	}
	for in, want := range tests {
		assert.Equal(t, want, ClassifyJudgement(in), in)
	}
}

func TestRepetitionKey_ArgumentOrder(t *testing.T) {
	a := RepetitionKey(`{"name":"Input_Text","arguments":{"index":1,"text":"hi"}}`)
	b := RepetitionKey(`{"arguments":{"text":"hi","index":1},"name":"Input_Text"}`)
	assert.Equal(t, a, b)
	assert.Equal(t, "Input_Text|index=1|text=hi", a)

	assert.Equal(t, ActionKey(InputText{Index: 1, Text: "hi"}), a)
	assert.NotEqual(t, a, RepetitionKey(`{"name":"Input_Text","arguments":{"index":1,"text":"Hi"}}`))
}

func TestRepetitionKey_NotJSON(t *testing.T) {
	assert.Equal(t, "tap somewhere", RepetitionKey("tap somewhere"))
}

func TestRepetitionExempt(t *testing.T) {
	assert.True(t, RepetitionExempt(ActionKey(Back{})))
	assert.True(t, RepetitionExempt(ActionKey(ScrollDown{Amount: 3})))
	assert.True(t, RepetitionExempt(ActionKey(ScrollUp{Amount: 3})))
	assert.True(t, RepetitionExempt(ActionKey(ScrollToText{Text: "x"})))
	assert.False(t, RepetitionExempt(ActionKey(TapElement{ElementID: 1})))
	assert.False(t, RepetitionExempt(ActionKey(Home{})))
}
