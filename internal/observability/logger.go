package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Operation names the phase a StepRecord belongs to.
type Operation string

const (
	OpInit          Operation = "init"
	OpPerception    Operation = "perception"
	OpPlanning      Operation = "planning"
	OpAction        Operation = "action"
	OpReflection    Operation = "reflection"
	OpFinish        Operation = "finish"
	OpWorkflowStart Operation = "workflow_start"
	OpWorkflowStep  Operation = "workflow_step"
	OpCheckpoint    Operation = "checkpoint"
	OpRecovery      Operation = "recovery"
	OpWorkflowEnd   Operation = "workflow_end"
)

// StepRecord is one line of the run log.
type StepRecord struct {
	RunID      string         `json:"run_id"`
	Step       int            `json:"step"`
	Operation  Operation      `json:"operation"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// RunLog appends StepRecords as JSON lines. Write failures are reported on
// the standard logger and never reach the caller. A nil *RunLog discards.
type RunLog struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	echo    bool
}

// NewRunLog logs to path, rotating to path+".old" past maxSize bytes. With
// echo set every record is also printed to stdout.
func NewRunLog(path string, maxSize int64, echo bool) *RunLog {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}
	return &RunLog{path: path, maxSize: maxSize, echo: echo}
}

// LogStep appends one record.
func (l *RunLog) LogStep(rec StepRecord) {
	if l == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[RunLog] failed to marshal record: %v", err)
		return
	}
	if l.echo {
		fmt.Println(string(data))
	}
	if l.path == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeToFile(data)
}

func (l *RunLog) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		log.Printf("[RunLog] failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.path)
	if err == nil && info.Size() > l.maxSize {
		l.rotate()
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[RunLog] failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("[RunLog] failed to write log file: %v", err)
	}
}

func (l *RunLog) rotate() {
	// Simple rotation: keep one .old file
	oldPath := l.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.path, oldPath)
}

// Since returns the milliseconds elapsed from start, for DurationMS.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
