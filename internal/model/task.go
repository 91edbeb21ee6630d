package model

import (
	"time"
)

// TaskStatus represents the lifecycle status of a scheduled task
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// ScheduleKind governs how a task's next occurrence is computed
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// Valid reports whether the kind is one of the three supported values.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
		return true
	}
	return false
}

// RunStatus represents the outcome of one task execution attempt
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusTimeout RunStatus = "timeout"
)

// ScheduledTask is a persisted unit of recurring or one-shot agent work.
// Tasks are created by a management interface and mutated only by the
// scheduler after each execution attempt; they are never physically deleted.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatJID       string       `json:"chat_jid"`
	Prompt        string       `json:"prompt"`
	ScheduleKind  ScheduleKind `json:"schedule_kind"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   string       `json:"context_mode"`

	// NextRun is nil when the task is due immediately.
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastResult *string    `json:"last_result,omitempty"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TaskRunLog is an immutable record of one execution attempt.
type TaskRunLog struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	RunAt    time.Time     `json:"run_at"`
	Duration time.Duration `json:"duration"`
	Status   RunStatus     `json:"status"`
	Result   *string       `json:"result,omitempty"`
	Error    *string       `json:"error,omitempty"`
}
