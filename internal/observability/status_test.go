package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Transitions(t *testing.T) {
	state, task, _ := GetStatus()
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, task)

	BeginTask("b", "Food Delivery")
	BeginTask("a", "Travel Booking")
	state, task, _ = GetStatus()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "Travel Booking (+1)", task)

	SetRecovering(true)
	state, _, _ = GetStatus()
	assert.Equal(t, StateRecovering, state)
	SetRecovering(false)
	SetRecovering(false)

	EndTask("a")
	state, task, _ = GetStatus()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "Food Delivery", task)

	EndTask("b")
	state, _, _ = GetStatus()
	assert.Equal(t, StateIdle, state)
}
