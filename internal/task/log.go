package task

import (
	"time"
)

// LogKind classifies entries in the per-task log stream.
type LogKind string

const (
	LogPropertyUpdate LogKind = "property_update"
	LogError          LogKind = "error"
	LogWarning        LogKind = "warning"
)

// LogEntry is one line in a task's append-only log stream. Details is a
// bounded free-form payload whose shape depends on Kind.
type LogEntry struct {
	TaskID    string         `json:"task_id"`
	Kind      LogKind        `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Clone returns a copy with its own Details map.
func (e *LogEntry) Clone() *LogEntry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
