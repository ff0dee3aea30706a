package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// allowedTransitions encodes the forward-only task lifecycle:
// pending -> in_progress -> {completed, failed}. Startup crash recovery
// requeues in_progress tasks through a dedicated path, not this map.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type TaskType string

const (
	// TaskTypeGoal is a unit of work expanded from a project goal.
	TaskTypeGoal TaskType = "goal"
	// TaskTypeTraining is a retraining task synthesized by the scanner.
	TaskTypeTraining TaskType = "training"
)

// GoalMetadata carries the fields a goal task needs.
type GoalMetadata struct {
	GoalID      string `json:"goal_id"`
	GoalTitle   string `json:"goal_title"`
	FeatureID   string `json:"feature_id,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
}

// TrainingMetadata carries the fields a retraining task needs.
type TrainingMetadata struct {
	AgentID         string  `json:"agent_id"`
	SkillTag        string  `json:"skill_tag"`
	TargetAccuracy  float64 `json:"target_accuracy"`
	CurrentAccuracy float64 `json:"current_accuracy"`
	Description     string  `json:"description,omitempty"`
}

// TaskMetadata is a tagged union keyed by the task's Type: exactly the
// variant matching the type is set, all others are nil.
type TaskMetadata struct {
	Goal     *GoalMetadata     `json:"goal,omitempty"`
	Training *TrainingMetadata `json:"training,omitempty"`
}

type Task struct {
	ID        string       `json:"id"`
	Type      TaskType     `json:"type"`
	ProjectID string       `json:"project_id"`
	Status    TaskStatus   `json:"status"`
	Priority  int          `json:"priority"`
	Metadata  TaskMetadata `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GoalID returns the goal identity for goal tasks, empty otherwise.
func (t *Task) GoalID() string {
	if t.Metadata.Goal != nil {
		return t.Metadata.Goal.GoalID
	}
	return ""
}

// GoalTitle returns the goal title for goal tasks, empty otherwise.
func (t *Task) GoalTitle() string {
	if t.Metadata.Goal != nil {
		return t.Metadata.Goal.GoalTitle
	}
	return ""
}

// TaskSpec describes a task to enqueue. Priority defaults to 0; higher
// values are claimed first.
type TaskSpec struct {
	Type      TaskType
	ProjectID string
	Priority  int
	Metadata  TaskMetadata
}

func (spec TaskSpec) validate() error {
	if spec.ProjectID == "" {
		return fmt.Errorf("task spec: project id required")
	}
	switch spec.Type {
	case TaskTypeGoal:
		if spec.Metadata.Goal == nil || spec.Metadata.Goal.GoalID == "" {
			return fmt.Errorf("task spec: goal metadata with goal id required")
		}
	case TaskTypeTraining:
		if spec.Metadata.Training == nil || spec.Metadata.Training.SkillTag == "" {
			return fmt.Errorf("task spec: training metadata with skill tag required")
		}
	default:
		return fmt.Errorf("task spec: unknown type %q", spec.Type)
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, projectID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, project_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, projectID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

const taskColumns = `id, type, project_id, status, priority, payload, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var payload string
	var createdNano, updatedNano int64
	if err := scanFn(
		&task.ID,
		&task.Type,
		&task.ProjectID,
		&task.Status,
		&task.Priority,
		&payload,
		&createdNano,
		&updatedNano,
	); err != nil {
		return err
	}
	task.CreatedAt = time.Unix(0, createdNano).UTC()
	task.UpdatedAt = time.Unix(0, updatedNano).UTC()
	if err := json.Unmarshal([]byte(payload), &task.Metadata); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}
	return nil
}

// EnqueueTask creates a pending task with a strictly increasing creation
// timestamp and appends a task.enqueued audit event in the same transaction.
func (s *Store) EnqueueTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(spec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}

	task := &Task{
		ID:        uuid.NewString(),
		Type:      spec.Type,
		ProjectID: spec.ProjectID,
		Status:    TaskStatusPending,
		Priority:  spec.Priority,
		Metadata:  spec.Metadata,
	}
	goalID := task.GoalID()

	err = retryOnBusy(ctx, 5, func() error {
		createdAt := s.nextTimestamp()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, type, project_id, goal_id, status, priority, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Type, task.ProjectID, goalID, TaskStatusPending, task.Priority,
			string(payload), createdAt.UnixNano(), createdAt.UnixNano()); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, task.ProjectID, "", TaskStatusPending, "task.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		task.CreatedAt = createdAt
		task.UpdatedAt = createdAt
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// NextReady claims the next pending task: highest priority first, FIFO by
// creation timestamp within a priority band. The select-and-transition is
// one transaction, so no two callers can receive the same task. Returns
// (nil, nil) when no task is pending.
func (s *Store) NextReady(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, TaskStatusInProgress, time.Now().UTC().UnixNano(), task.ID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, task.ProjectID, TaskStatusPending, TaskStatusInProgress, "task.claimed", `{"reason":"next_ready"}`); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusInProgress
		result = &task
		return nil
	})
	return result, err
}

// SetTaskStatus transitions a task. Setting the current status again is a
// no-op; backward or skipping transitions return ErrInvalidTransition;
// unknown ids return ErrTaskNotFound.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		var projectID string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, project_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &projectID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if current == status {
			return tx.Commit() // idempotent
		}
		if !canTransition(current, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, status, time.Now().UTC().UnixNano(), taskID, current); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, projectID, current, status, "task."+string(status), "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RemoveTask deletes a task regardless of status, used after terminal
// states are externally archived.
func (s *Store) RemoveTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin remove tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove rows affected: %w", err)
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		return tx.Commit()
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// HasTaskForGoal reports whether a task already exists for the goal in a
// queued, running, or completed state. Failed goal tasks do not count, so
// a re-expansion can queue the goal again.
func (s *Store) HasTaskForGoal(ctx context.Context, goalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM tasks
		WHERE goal_id = ? AND status IN (?, ?, ?)
		LIMIT 1;
	`, goalID, TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check goal task: %w", err)
	}
	return true, nil
}

// ListTasksByProject returns all tasks for a project in creation order.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id = ?
		ORDER BY created_at ASC, id ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by project: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan project task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project task rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of pending and in-progress tasks.
func (s *Store) TaskCounts(ctx context.Context) (pending, inProgress int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status=?;`, TaskStatusPending).Scan(&pending); err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status=?;`, TaskStatusInProgress).Scan(&inProgress); err != nil {
		return 0, 0, fmt.Errorf("count in progress: %w", err)
	}
	return pending, inProgress, nil
}

// RecoverInFlightTasks requeues tasks left in_progress by a crash back to
// pending. This is the only path that moves a task backward and runs once
// at startup, before the loop begins claiming.
func (s *Store) RecoverInFlightTasks(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, project_id FROM tasks WHERE status = ?;
	`, TaskStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("query in-flight tasks: %w", err)
	}
	defer rows.Close()

	type inflight struct{ id, projectID string }
	var tasks []inflight
	for rows.Next() {
		var t inflight
		if err := rows.Scan(&t.id, &t.projectID); err != nil {
			return 0, fmt.Errorf("scan in-flight task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate in-flight tasks: %w", err)
	}

	var recovered int64
	for _, t := range tasks {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, TaskStatusPending, time.Now().UTC().UnixNano(), t.id, TaskStatusInProgress)
		if err != nil {
			return 0, fmt.Errorf("recover task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("recover rows affected: %w", err)
		}
		if affected != 1 {
			continue
		}
		if err := s.appendTaskEventTx(ctx, tx, t.id, t.projectID, TaskStatusInProgress, TaskStatusPending, "task.recovered", `{"reason":"startup_recovery"}`); err != nil {
			return 0, err
		}
		recovered++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// TaskAuditEvent is one row of the append-only task transition log.
type TaskAuditEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	ProjectID string     `json:"project_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskAuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, project_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskAuditEvent
	for rows.Next() {
		var ev TaskAuditEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.ProjectID, &ev.EventType, &from, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(from)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
