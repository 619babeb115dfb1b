package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusLine(t *testing.T) {
	line := statusLine(StateRunning, "Food Delivery", 5*time.Second, 90*time.Minute+400*time.Millisecond)
	assert.Contains(t, line, "HEALTHY")
	assert.Contains(t, line, "📱 RUNNING")
	assert.Contains(t, line, "Food Delivery")
	assert.Contains(t, line, "up 1h30m0s")

	assert.Contains(t, statusLine(StateIdle, "", time.Minute, 0), "LAGGING")
	assert.Contains(t, statusLine(StateIdle, "", time.Minute, 0), "Waiting...")
	assert.Contains(t, statusLine(StateRecovering, "x", 2*time.Minute, 0), "OFFLINE")
	assert.Contains(t, statusLine(StateRecovering, "x", 0, 0), "🩹 RECOVER")

	long := statusLine(StateRunning, "Research and Report for the quarterly review", 0, 0)
	assert.Contains(t, long, "Research and Report for t...")
}
