package store

import "errors"

var (
	// ErrTaskNotFound is returned when an update targets a missing task
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidScheduleKind is returned when a task carries an unknown schedule kind
	ErrInvalidScheduleKind = errors.New("invalid schedule kind")
)
