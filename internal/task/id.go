package task

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a fresh task id.
func NewID() string { return prefixed("task") }

// NewScheduleID returns a fresh schedule id.
func NewScheduleID() string { return prefixed("sched") }

// NewHistoryID returns a fresh schedule-history id.
func NewHistoryID() string { return prefixed("hist") }

func prefixed(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
