// Package performance derives agent skill statistics from the append-only
// attempt log and turns them into prompt guidance: a compact digest of
// recent performance and per-goal instructions whose tone follows the
// agent's track record.
package performance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MiahMontgomery/titan-sub000/internal/persistence"
)

const (
	// maxRecentFails bounds the failure reasons retained per skill fold.
	maxRecentFails = 5
	// maxDigestLen bounds the digest injected into system prompts.
	maxDigestLen = 1000
	// digestSkillCount is how many skills the digest covers.
	digestSkillCount = 3

	// LowAccuracyThreshold marks a skill as needing caution or retraining.
	LowAccuracyThreshold = 70.0
	// HighAccuracyThreshold marks a skill as trusted.
	HighAccuracyThreshold = 90.0
)

// SkillStats is the derived view of one agent skill. It is computed by
// folding over the attempt log, never stored.
type SkillStats struct {
	SkillTag       string    `json:"skill_tag"`
	Total          int       `json:"total"`
	Successes      int       `json:"successes"`
	Accuracy       float64   `json:"accuracy"`
	RecentFails    []string  `json:"recent_fails,omitempty"`
	LastFailReason string    `json:"last_fail_reason,omitempty"`
	LastFailAt     time.Time `json:"last_fail_at,omitzero"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

// Tracker reads the attempt log and derives statistics and guidance.
type Tracker struct {
	store *persistence.Store
}

func NewTracker(store *persistence.Store) *Tracker {
	return &Tracker{store: store}
}

// Record appends one attempt to the log.
func (t *Tracker) Record(ctx context.Context, att persistence.Attempt) error {
	_, err := t.store.RecordAttempt(ctx, att)
	return err
}

// StatsFor folds the attempt log into statistics for one skill. A skill
// with no attempts reports zero accuracy and zero totals.
func (t *Tracker) StatsFor(ctx context.Context, agentID, skillTag string) (SkillStats, error) {
	attempts, err := t.store.ListAttempts(ctx, agentID, skillTag)
	if err != nil {
		return SkillStats{}, fmt.Errorf("load attempts for %s/%s: %w", agentID, skillTag, err)
	}
	return foldAttempts(skillTag, attempts), nil
}

// foldAttempts expects attempts newest first, as the store returns them.
func foldAttempts(skillTag string, attempts []persistence.Attempt) SkillStats {
	stats := SkillStats{SkillTag: skillTag}
	for _, att := range attempts {
		stats.Total++
		if att.Success {
			stats.Successes++
			continue
		}
		if stats.LastFailAt.IsZero() {
			stats.LastFailReason = att.FailReason
			stats.LastFailAt = att.CreatedAt
		}
		if len(stats.RecentFails) < maxRecentFails {
			stats.RecentFails = append(stats.RecentFails, att.FailReason)
		}
	}
	if stats.Total > 0 {
		stats.Accuracy = float64(stats.Successes) / float64(stats.Total) * 100
		stats.LastAttemptAt = attempts[0].CreatedAt
	}
	return stats
}

// Summarize derives statistics for every skill the agent has attempted,
// weakest accuracy first.
func (t *Tracker) Summarize(ctx context.Context, agentID string) ([]SkillStats, error) {
	tags, err := t.store.ListSkillTags(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list skills for %s: %w", agentID, err)
	}
	out := make([]SkillStats, 0, len(tags))
	for _, tag := range tags {
		stats, err := t.StatsFor(ctx, agentID, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Accuracy < out[j].Accuracy
	})
	return out, nil
}

// Underperforming returns the skills below the accuracy threshold.
func (t *Tracker) Underperforming(ctx context.Context, agentID string, threshold float64) ([]SkillStats, error) {
	all, err := t.Summarize(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var out []SkillStats
	for _, stats := range all {
		if stats.Total > 0 && stats.Accuracy < threshold {
			out = append(out, stats)
		}
	}
	return out, nil
}

// Digest renders a compact performance summary for prompt injection,
// covering the most recently exercised skills and capped at 1000 chars.
func (t *Tracker) Digest(ctx context.Context, agentID string) (string, error) {
	all, err := t.Summarize(ctx, agentID)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No performance history yet. Proceed carefully and verify each step.", nil
	}

	recent := make([]SkillStats, len(all))
	copy(recent, all)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].LastAttemptAt.After(recent[j].LastAttemptAt)
	})
	if len(recent) > digestSkillCount {
		recent = recent[:digestSkillCount]
	}

	var b strings.Builder
	b.WriteString("Recent performance:\n")
	for _, stats := range recent {
		fmt.Fprintf(&b, "- %s: %.1f%% over %d attempts", stats.SkillTag, stats.Accuracy, stats.Total)
		if stats.Accuracy < LowAccuracyThreshold {
			b.WriteString(" (retraining recommended)")
		}
		if stats.LastFailReason != "" {
			fmt.Fprintf(&b, "; last failure: %s", stats.LastFailReason)
		}
		b.WriteString("\n")
	}

	// The newest failure across every skill, even one outside the
	// recency window above.
	var lastFail string
	var lastFailAt time.Time
	for _, stats := range all {
		if !stats.LastFailAt.IsZero() && stats.LastFailAt.After(lastFailAt) {
			lastFailAt = stats.LastFailAt
			lastFail = stats.LastFailReason
		}
	}
	if lastFail != "" {
		fmt.Fprintf(&b, "Most recent failure: %s\n", lastFail)
	}

	digest := strings.TrimRight(b.String(), "\n")
	if len(digest) > maxDigestLen {
		digest = digest[:maxDigestLen]
	}
	return digest, nil
}
