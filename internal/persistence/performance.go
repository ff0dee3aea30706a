package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attempt is one append-only performance record. Attempts are never
// updated or deleted; all statistics are derived by folding over them.
type Attempt struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	SkillTag   string    `json:"skill_tag"`
	TaskType   string    `json:"task_type"`
	Success    bool      `json:"success"`
	FailReason string    `json:"fail_reason,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordAttempt appends one attempt row.
func (s *Store) RecordAttempt(ctx context.Context, att Attempt) (*Attempt, error) {
	if att.AgentID == "" {
		return nil, fmt.Errorf("attempt: agent id required")
	}
	if att.SkillTag == "" {
		return nil, fmt.Errorf("attempt: skill tag required")
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	success := 0
	if att.Success {
		success = 1
	}

	err := retryOnBusy(ctx, 5, func() error {
		createdAt := s.nextTimestamp()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO performance_attempts (id, agent_id, skill_tag, task_type, success, fail_reason, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, att.ID, att.AgentID, att.SkillTag, att.TaskType, success, att.FailReason, att.Notes, createdAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		att.CreatedAt = createdAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// ListAttempts returns an agent's attempts for one skill, newest first.
func (s *Store) ListAttempts(ctx context.Context, agentID, skillTag string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, skill_tag, task_type, success, fail_reason, notes, created_at
		FROM performance_attempts
		WHERE agent_id = ? AND skill_tag = ?
		ORDER BY created_at DESC, id DESC;
	`, agentID, skillTag)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var att Attempt
		var success int
		var createdNano int64
		if err := rows.Scan(&att.ID, &att.AgentID, &att.SkillTag, &att.TaskType, &success, &att.FailReason, &att.Notes, &createdNano); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		att.Success = success == 1
		att.CreatedAt = time.Unix(0, createdNano).UTC()
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attempt rows: %w", err)
	}
	return out, nil
}

// ListSkillTags returns the distinct skills an agent has attempts for,
// ordered by attempt count descending so the most exercised skill comes
// first.
func (s *Store) ListSkillTags(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_tag
		FROM performance_attempts
		WHERE agent_id = ?
		GROUP BY skill_tag
		ORDER BY COUNT(1) DESC, skill_tag ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list skill tags: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan skill tag: %w", err)
		}
		out = append(out, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("skill tag rows: %w", err)
	}
	return out, nil
}
