// Package store defines the Repository collaborator for boards, tasks, notes,
// tags, dependencies, and subtasks, plus its PostgreSQL implementation. The
// gateway depends only on the Repository interface; everything else in this
// package is wiring.
package store

import "time"

// Task is a card on a board.
type Task struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority,omitempty"`
	AssigneeID  *string   `json:"assigneeId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StatusDone is the task/subtask status counted as completed when computing
// parent progress.
const StatusDone = "done"

// Board groups tasks into columns.
type Board struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Note is a comment attached to a task.
type Note struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subtask is a checklist item under a parent task.
type Subtask struct {
	ID           string    `json:"id"`
	ParentTaskID string    `json:"parentTaskId"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateTaskParams are the fields accepted when creating a task.
type CreateTaskParams struct {
	BoardID     string
	Title       string
	Description string
	Status      string
	Priority    string
	AssigneeID  *string
}

// TaskUpdates is a partial update; nil fields are left unchanged.
type TaskUpdates struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	AssigneeID  *string
	BoardID     *string
}

// BoardUpdates is a partial update; nil fields are left unchanged.
type BoardUpdates struct {
	Name        *string
	Description *string
}

// CreateNoteParams are the fields accepted when creating a note.
type CreateNoteParams struct {
	TaskID   string
	AuthorID string
	Content  string
}

// CreateSubtaskParams are the fields accepted when creating a subtask.
type CreateSubtaskParams struct {
	ParentTaskID string
	Title        string
	Status       string
}

// SubtaskUpdates is a partial update; nil fields are left unchanged.
type SubtaskUpdates struct {
	Title  *string
	Status *string
}
