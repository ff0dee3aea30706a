package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MiahMontgomery/titan-sub000/internal/bus"
)

// Checkpoint is an immutable record of one generated artifact. Rollbacks
// never rewrite history: a revert appends a fresh checkpoint whose
// RollbackOf points at the restored one.
type Checkpoint struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	GoalID          string    `json:"goal_id"`
	Summary         string    `json:"summary"`
	ArtifactContent string    `json:"artifact_content"`
	RollbackOf      string    `json:"rollback_of,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CheckpointSpec describes a checkpoint to record.
type CheckpointSpec struct {
	ProjectID       string
	GoalID          string
	Summary         string
	ArtifactContent string
	RollbackOf      string
}

// CreateCheckpoint records a checkpoint and evicts the oldest entries
// beyond the per-project cap, insert and eviction in one transaction. A
// checkpoint.created event is published best effort after commit.
func (s *Store) CreateCheckpoint(ctx context.Context, spec CheckpointSpec) (*Checkpoint, error) {
	if spec.ProjectID == "" {
		return nil, fmt.Errorf("checkpoint: project id required")
	}
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		ProjectID:       spec.ProjectID,
		GoalID:          spec.GoalID,
		Summary:         spec.Summary,
		ArtifactContent: spec.ArtifactContent,
		RollbackOf:      spec.RollbackOf,
	}

	var evicted int64
	err := retryOnBusy(ctx, 5, func() error {
		createdAt := s.nextTimestamp()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, project_id, goal_id, summary, artifact_content, rollback_of, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, cp.ID, cp.ProjectID, cp.GoalID, cp.Summary, cp.ArtifactContent, cp.RollbackOf, createdAt.UnixNano()); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE project_id = ? AND id NOT IN (
				SELECT id FROM checkpoints
				WHERE project_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			);
		`, cp.ProjectID, cp.ProjectID, s.caps.CheckpointsPerProject)
		if err != nil {
			return fmt.Errorf("evict checkpoints: %w", err)
		}
		evicted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("eviction rows affected: %w", err)
		}

		cp.CreatedAt = createdAt
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		if evicted > 0 {
			s.bus.Publish(bus.TopicRetentionEvicted, bus.RetentionEvictedEvent{
				Kind:    "checkpoint",
				OwnerID: cp.ProjectID,
				Count:   evicted,
			})
		}
		topic := bus.TopicCheckpointCreated
		if cp.RollbackOf != "" {
			topic = bus.TopicCheckpointReverted
		}
		s.bus.Publish(topic, bus.CheckpointEvent{
			ProjectID:    cp.ProjectID,
			CheckpointID: cp.ID,
			GoalID:       cp.GoalID,
			RollbackOf:   cp.RollbackOf,
		})
	}
	return cp, nil
}

// GetCheckpoint returns a checkpoint by id, ErrCheckpointNotFound when it
// does not exist or was evicted.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, goal_id, summary, artifact_content, rollback_of, created_at
		FROM checkpoints
		WHERE id = ?;
	`, checkpointID)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpointsByProject returns a project's retained checkpoints,
// newest first.
func (s *Store) ListCheckpointsByProject(ctx context.Context, projectID string) ([]Checkpoint, error) {
	return s.listCheckpoints(ctx, `project_id`, projectID)
}

// ListCheckpointsByGoal returns the checkpoints recorded for one goal,
// newest first.
func (s *Store) ListCheckpointsByGoal(ctx context.Context, goalID string) ([]Checkpoint, error) {
	return s.listCheckpoints(ctx, `goal_id`, goalID)
}

func (s *Store) listCheckpoints(ctx context.Context, column, value string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, goal_id, summary, artifact_content, rollback_of, created_at
		FROM checkpoints
		WHERE `+column+` = ?
		ORDER BY created_at DESC, id DESC;
	`, value)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

func scanCheckpoint(scanFn func(dest ...any) error) (*Checkpoint, error) {
	var cp Checkpoint
	var createdNano int64
	if err := scanFn(
		&cp.ID,
		&cp.ProjectID,
		&cp.GoalID,
		&cp.Summary,
		&cp.ArtifactContent,
		&cp.RollbackOf,
		&createdNano,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(0, createdNano).UTC()
	return &cp, nil
}
