package store

import "context"

// Repository is the persistence collaborator consumed by the gateway's
// command handlers. All operations return results or a typed error from this
// package.
type Repository interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error)
	UpdateTask(ctx context.Context, taskID string, updates TaskUpdates) (*Task, error)
	DeleteTask(ctx context.Context, taskID string) (*Task, error)

	GetBoard(ctx context.Context, boardID string) (*Board, error)
	UpdateBoard(ctx context.Context, boardID string, updates BoardUpdates) (*Board, error)

	CreateNote(ctx context.Context, params CreateNoteParams) (*Note, error)
	AssignTag(ctx context.Context, taskID, tagID string) error

	// AddDependency records that taskID depends on dependsOnID. It returns
	// ErrSelfDependency or ErrDependencyCycle when the edge is not admissible.
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	RemoveDependency(ctx context.Context, taskID, dependsOnID string) error

	GetSubtask(ctx context.Context, subtaskID string) (*Subtask, error)
	GetSubtasks(ctx context.Context, parentTaskID string) ([]Subtask, error)
	CreateSubtask(ctx context.Context, params CreateSubtaskParams) (*Subtask, error)
	UpdateSubtask(ctx context.Context, subtaskID string, updates SubtaskUpdates) (*Subtask, error)
	DeleteSubtask(ctx context.Context, subtaskID string) (*Subtask, error)
}
