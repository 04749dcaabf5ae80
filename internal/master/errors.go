package master

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task id is submitted twice
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidTransition is returned when a task status change is not legal
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrWorkerNotFound is returned when a worker is not found
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerDead is returned when an operation targets a dead worker
	ErrWorkerDead = errors.New("worker is dead")

	// ErrWorkerNotIdle is returned when a task is handed to a worker that
	// already holds one
	ErrWorkerNotIdle = errors.New("worker is not idle")

	// ErrInvalidRing is returned when a ring name is not assignable
	ErrInvalidRing = errors.New("invalid ring")

	// ErrScheduleNotFound is returned when a schedule is not found
	ErrScheduleNotFound = errors.New("schedule not found")
)
