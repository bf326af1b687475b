package store

import "errors"

// Typed errors returned by the Repository. Handlers translate these into wire
// error codes.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrBoardNotFound   = errors.New("board not found")
	ErrTagNotFound     = errors.New("tag not found")
	ErrSubtaskNotFound = errors.New("subtask not found")

	// ErrDependencyCycle is returned by AddDependency when the new edge would
	// close a cycle in the depends-on digraph.
	ErrDependencyCycle = errors.New("dependency would create a cycle")
	// ErrSelfDependency is returned when a task is asked to depend on itself.
	ErrSelfDependency = errors.New("task cannot depend on itself")
	// ErrDependencyNotFound is returned by RemoveDependency when the edge does
	// not exist.
	ErrDependencyNotFound = errors.New("dependency not found")
)
