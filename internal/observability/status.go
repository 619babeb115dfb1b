package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateRunning    State = "RUNNING"
	StateRecovering State = "RECOVER"
)

type SystemStatus struct {
	mu            sync.RWMutex
	tasks         map[string]string
	recovering    int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	tasks:         make(map[string]string),
	LastHeartbeat: time.Now(),
}

// BeginTask marks a workflow as running under a short label.
func BeginTask(id, label string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.tasks[id] = label
}

// EndTask clears a workflow registered with BeginTask.
func EndTask(id string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	delete(globalStatus.tasks, id)
}

// SetRecovering counts recovery attempts in progress.
func SetRecovering(on bool) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if on {
		globalStatus.recovering++
	} else if globalStatus.recovering > 0 {
		globalStatus.recovering--
	}
}

// GetStatus retrieves the current state, a label for the running work and
// the last heartbeat.
func GetStatus() (State, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()

	state := StateIdle
	switch {
	case globalStatus.recovering > 0:
		state = StateRecovering
	case len(globalStatus.tasks) > 0:
		state = StateRunning
	}

	ids := make([]string, 0, len(globalStatus.tasks))
	for id := range globalStatus.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	task := ""
	if len(ids) > 0 {
		task = globalStatus.tasks[ids[0]]
		if len(ids) > 1 {
			task = fmt.Sprintf("%s (+%d)", task, len(ids)-1)
		}
	}
	return state, task, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
