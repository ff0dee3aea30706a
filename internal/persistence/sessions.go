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

// Mode is the operating posture a session snapshot records.
type Mode string

const (
	ModeBuild    Mode = "build"
	ModeDebug    Mode = "debug"
	ModeOptimize Mode = "optimize"
)

func validMode(m Mode) bool {
	switch m {
	case ModeBuild, ModeDebug, ModeOptimize:
		return true
	}
	return false
}

// SessionSnapshot captures where an agent stood before it started a task,
// so a restart can announce what it resumes from.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	ProjectID   string    `json:"project_id"`
	GoalID      string    `json:"goal_id"`
	FeatureID   string    `json:"feature_id"`
	MilestoneID string    `json:"milestone_id"`
	TaskSummary string    `json:"task_summary"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
}

// SaveSession records a snapshot and evicts the oldest snapshots beyond
// the per-agent cap, insert and eviction in one transaction.
func (s *Store) SaveSession(ctx context.Context, snap SessionSnapshot) (*SessionSnapshot, error) {
	if snap.AgentID == "" {
		return nil, fmt.Errorf("session snapshot: agent id required")
	}
	if !validMode(snap.Mode) {
		return nil, fmt.Errorf("session snapshot: invalid mode %q", snap.Mode)
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}

	var evicted int64
	err := retryOnBusy(ctx, 5, func() error {
		createdAt := s.nextTimestamp()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_snapshots (id, agent_id, project_id, goal_id, feature_id, milestone_id, task_summary, mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, snap.ID, snap.AgentID, snap.ProjectID, snap.GoalID, snap.FeatureID, snap.MilestoneID,
			snap.TaskSummary, snap.Mode, createdAt.UnixNano()); err != nil {
			return fmt.Errorf("insert session snapshot: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM session_snapshots
			WHERE agent_id = ? AND id NOT IN (
				SELECT id FROM session_snapshots
				WHERE agent_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			);
		`, snap.AgentID, snap.AgentID, s.caps.SessionsPerAgent)
		if err != nil {
			return fmt.Errorf("evict session snapshots: %w", err)
		}
		evicted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("eviction rows affected: %w", err)
		}

		snap.CreatedAt = createdAt
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if evicted > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicRetentionEvicted, bus.RetentionEvictedEvent{
			Kind:    "session",
			OwnerID: snap.AgentID,
			Count:   evicted,
		})
	}
	return &snap, nil
}

// LastSession returns the most recent snapshot for an agent, or (nil, nil)
// when the agent has no history.
func (s *Store) LastSession(ctx context.Context, agentID string) (*SessionSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, project_id, goal_id, feature_id, milestone_id, task_summary, mode, created_at
		FROM session_snapshots
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, agentID)
	snap, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SessionHistory returns an agent's retained snapshots, newest first.
func (s *Store) SessionHistory(ctx context.Context, agentID string) ([]SessionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, project_id, goal_id, feature_id, milestone_id, task_summary, mode, created_at
		FROM session_snapshots
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list session snapshots: %w", err)
	}
	defer rows.Close()

	var out []SessionSnapshot
	for rows.Next() {
		snap, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session snapshot rows: %w", err)
	}
	return out, nil
}

func scanSession(scanFn func(dest ...any) error) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	var createdNano int64
	if err := scanFn(
		&snap.ID,
		&snap.AgentID,
		&snap.ProjectID,
		&snap.GoalID,
		&snap.FeatureID,
		&snap.MilestoneID,
		&snap.TaskSummary,
		&snap.Mode,
		&createdNano,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session snapshot: %w", err)
	}
	snap.CreatedAt = time.Unix(0, createdNano).UTC()
	return &snap, nil
}
