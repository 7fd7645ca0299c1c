// Package progress implements the per-pair progress aggregation: the
// merge rules applied under the task row lock, and the stats sampler
// that flushes adapter counters while a pair is running.
package progress

import (
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Apply merges a patch into an existing record (nil when the pair has no
// record yet) and returns the merged record. applied is false when the
// patch was dropped by the finalisation barrier; in that case the
// existing record is returned unchanged and nothing must be written.
//
// The rules, in order:
//  1. a final record absorbs every patch;
//  2. a completed/failed record keeps its status and completed_at against
//     a patch that carries no status or tries to set running, but still
//     accepts the patch's other fields;
//  3. a patch without a status never clears an existing one;
//  4. a fresh record created by a status-less patch starts as running;
//  5. everything else is a shallow merge, patch fields over existing.
func Apply(existing *task.ProgressRecord, patch task.ProgressPatch) (merged *task.ProgressRecord, applied bool) {
	if existing != nil && existing.IsFinal {
		return existing, false
	}

	if existing == nil {
		merged = &task.ProgressRecord{Status: task.StatusRunning}
	} else {
		merged = existing.Clone()
	}

	keepStatus := false
	if existing != nil && (existing.Status == task.StatusCompleted || existing.Status == task.StatusFailed) {
		if patch.Status == nil || *patch.Status == task.StatusRunning {
			keepStatus = true
		}
	}

	if patch.Status != nil && !keepStatus {
		merged.Status = *patch.Status
	}
	if patch.IsFinal != nil {
		merged.IsFinal = *patch.IsFinal
	}
	if patch.AreaName != nil {
		merged.AreaName = *patch.AreaName
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		merged.StartedAt = &t
	}
	if patch.CompletedAt != nil && !keepStatus {
		t := *patch.CompletedAt
		merged.CompletedAt = &t
	}
	if patch.Counters != nil {
		merged.Counters = *patch.Counters
	}
	if patch.ErrorsList != nil {
		merged.ErrorsList = append([]string(nil), patch.ErrorsList...)
	}

	return merged, true
}
