package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const taskColumns = "id, board_id, title, description, status, priority, assignee_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "store").Logger()}
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.BoardID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.AssigneeID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask returns a single task by id.
func (r *PGRepository) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", taskColumns), taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("query task by id: %w", err)
	}
	return t, nil
}

// CreateTask inserts a new task. The board must exist.
func (r *PGRepository) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	status := params.Status
	if status == "" {
		status = "todo"
	}

	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO tasks (board_id, title, description, status, priority, assignee_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING %s`, taskColumns),
		params.BoardID, params.Title, params.Description, status, params.Priority, params.AssigneeID,
	)
	t, err := scanTask(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a partial update and returns the updated task.
func (r *PGRepository) UpdateTask(ctx context.Context, taskID string, updates TaskUpdates) (*Task, error) {
	set := []string{"updated_at = now()"}
	args := []any{taskID}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if updates.Title != nil {
		add("title", *updates.Title)
	}
	if updates.Description != nil {
		add("description", *updates.Description)
	}
	if updates.Status != nil {
		add("status", *updates.Status)
	}
	if updates.Priority != nil {
		add("priority", *updates.Priority)
	}
	if updates.AssigneeID != nil {
		add("assignee_id", *updates.AssigneeID)
	}
	if updates.BoardID != nil {
		add("board_id", *updates.BoardID)
	}

	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE tasks SET %s WHERE id = $1 RETURNING %s", strings.Join(set, ", "), taskColumns),
		args...,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task and returns its final state. Dependent rows
// (notes, subtasks, dependencies, tag assignments) are removed by cascade.
func (r *PGRepository) DeleteTask(ctx context.Context, taskID string) (*Task, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("DELETE FROM tasks WHERE id = $1 RETURNING %s", taskColumns), taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("delete task: %w", err)
	}
	return t, nil
}

// GetBoard returns a single board by id.
func (r *PGRepository) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	var b Board
	err := r.db.QueryRow(ctx,
		"SELECT id, name, description, owner_id, created_at, updated_at FROM boards WHERE id = $1",
		boardID,
	).Scan(&b.ID, &b.Name, &b.Description, &b.OwnerID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("query board by id: %w", err)
	}
	return &b, nil
}

// UpdateBoard applies a partial update and returns the updated board.
func (r *PGRepository) UpdateBoard(ctx context.Context, boardID string, updates BoardUpdates) (*Board, error) {
	set := []string{"updated_at = now()"}
	args := []any{boardID}

	if updates.Name != nil {
		args = append(args, *updates.Name)
		set = append(set, fmt.Sprintf("name = $%d", len(args)))
	}
	if updates.Description != nil {
		args = append(args, *updates.Description)
		set = append(set, fmt.Sprintf("description = $%d", len(args)))
	}

	var b Board
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE boards SET %s WHERE id = $1
		 RETURNING id, name, description, owner_id, created_at, updated_at`, strings.Join(set, ", ")),
		args...,
	).Scan(&b.ID, &b.Name, &b.Description, &b.OwnerID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("update board: %w", err)
	}
	return &b, nil
}

// CreateNote inserts a note under a task.
func (r *PGRepository) CreateNote(ctx context.Context, params CreateNoteParams) (*Note, error) {
	var n Note
	n.TaskID = params.TaskID
	n.AuthorID = params.AuthorID
	n.Content = params.Content
	err := r.db.QueryRow(ctx,
		`INSERT INTO notes (task_id, author_id, content) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		params.TaskID, params.AuthorID, params.Content,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &n, nil
}

// AssignTag attaches a tag to a task. Assigning an already-assigned tag is a
// no-op.
func (r *PGRepository) AssignTag(ctx context.Context, taskID, tagID string) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO task_tags (task_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		taskID, tagID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrTagNotFound
		}
		return fmt.Errorf("assign tag: %w", err)
	}
	return nil
}

// AddDependency records a depends-on edge after verifying it does not close a
// cycle. The reachability check and the insert run in one transaction so a
// concurrent insert cannot slip a cycle in between.
func (r *PGRepository) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return ErrSelfDependency
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add dependency tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("tx rollback failed")
		}
	}()

	// The new edge taskID -> dependsOnID closes a cycle iff taskID is already
	// reachable from dependsOnID.
	var cycle bool
	err = tx.QueryRow(ctx,
		`WITH RECURSIVE reach AS (
			SELECT depends_on_id FROM task_dependencies WHERE task_id = $2
			UNION
			SELECT td.depends_on_id FROM task_dependencies td JOIN reach r ON td.task_id = r.depends_on_id
		)
		SELECT EXISTS(SELECT 1 FROM reach WHERE depends_on_id = $1)`,
		taskID, dependsOnID,
	).Scan(&cycle)
	if err != nil {
		return fmt.Errorf("check dependency cycle: %w", err)
	}
	if cycle {
		return ErrDependencyCycle
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES ($1, $2)",
		taskID, dependsOnID,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			// Re-adding an existing edge is idempotent.
			return nil
		case isForeignKeyViolation(err):
			return ErrTaskNotFound
		}
		return fmt.Errorf("insert dependency: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add dependency tx: %w", err)
	}
	return nil
}

// RemoveDependency deletes a depends-on edge.
func (r *PGRepository) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on_id = $2",
		taskID, dependsOnID,
	)
	if err != nil {
		return fmt.Errorf("delete dependency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDependencyNotFound
	}
	return nil
}

// GetSubtask fetches a single subtask by id.
func (r *PGRepository) GetSubtask(ctx context.Context, subtaskID string) (*Subtask, error) {
	var s Subtask
	err := r.db.QueryRow(ctx,
		`SELECT id, parent_task_id, title, status, created_at, updated_at
		 FROM subtasks WHERE id = $1`,
		subtaskID,
	).Scan(&s.ID, &s.ParentTaskID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("query subtask: %w", err)
	}
	return &s, nil
}

// GetSubtasks lists a task's subtasks in creation order.
func (r *PGRepository) GetSubtasks(ctx context.Context, parentTaskID string) ([]Subtask, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, parent_task_id, title, status, created_at, updated_at
		 FROM subtasks WHERE parent_task_id = $1 ORDER BY created_at`,
		parentTaskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()

	var result []Subtask
	for rows.Next() {
		var s Subtask
		if err := rows.Scan(&s.ID, &s.ParentTaskID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return result, nil
}

// CreateSubtask inserts a subtask under a parent task.
func (r *PGRepository) CreateSubtask(ctx context.Context, params CreateSubtaskParams) (*Subtask, error) {
	status := params.Status
	if status == "" {
		status = "todo"
	}

	var s Subtask
	s.ParentTaskID = params.ParentTaskID
	s.Title = params.Title
	s.Status = status
	err := r.db.QueryRow(ctx,
		`INSERT INTO subtasks (parent_task_id, title, status) VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		params.ParentTaskID, params.Title, status,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("insert subtask: %w", err)
	}
	return &s, nil
}

// UpdateSubtask applies a partial update and returns the updated subtask.
func (r *PGRepository) UpdateSubtask(ctx context.Context, subtaskID string, updates SubtaskUpdates) (*Subtask, error) {
	set := []string{"updated_at = now()"}
	args := []any{subtaskID}

	if updates.Title != nil {
		args = append(args, *updates.Title)
		set = append(set, fmt.Sprintf("title = $%d", len(args)))
	}
	if updates.Status != nil {
		args = append(args, *updates.Status)
		set = append(set, fmt.Sprintf("status = $%d", len(args)))
	}

	var s Subtask
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE subtasks SET %s WHERE id = $1
		 RETURNING id, parent_task_id, title, status, created_at, updated_at`, strings.Join(set, ", ")),
		args...,
	).Scan(&s.ID, &s.ParentTaskID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("update subtask: %w", err)
	}
	return &s, nil
}

// DeleteSubtask removes a subtask and returns its final state.
func (r *PGRepository) DeleteSubtask(ctx context.Context, subtaskID string) (*Subtask, error) {
	var s Subtask
	err := r.db.QueryRow(ctx,
		`DELETE FROM subtasks WHERE id = $1
		 RETURNING id, parent_task_id, title, status, created_at, updated_at`,
		subtaskID,
	).Scan(&s.ID, &s.ParentTaskID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("delete subtask: %w", err)
	}
	return &s, nil
}
