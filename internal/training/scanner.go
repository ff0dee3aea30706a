// Package training runs the weekly retraining scan: it folds each
// agent's performance log, finds skills below the accuracy threshold,
// and queues priority retraining tasks so weak skills get exercised
// before more project goals pile onto them.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/MiahMontgomery/titan-sub000/internal/bus"
	"github.com/MiahMontgomery/titan-sub000/internal/generation"
	"github.com/MiahMontgomery/titan-sub000/internal/performance"
	"github.com/MiahMontgomery/titan-sub000/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and tuning for the scanner.
type Config struct {
	Store     *persistence.Store
	Tracker   *performance.Tracker
	Generator generation.Generator // optional, used to word retraining briefs
	Bus       *bus.Bus
	Logger    *slog.Logger

	ProjectID         string
	Agents            []string
	Schedule          string  // 5-field cron expression
	AccuracyThreshold float64 // skills below this get retraining tasks
	TargetAccuracy    float64 // accuracy the retraining aims for
	Priority          int     // queue priority for retraining tasks
	Interval          time.Duration
}

// Scanner schedules and runs retraining scans.
type Scanner struct {
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextRun time.Time
}

// NewScanner validates the schedule and builds a Scanner.
func NewScanner(cfg Config) (*Scanner, error) {
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse training schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.AccuracyThreshold <= 0 {
		cfg.AccuracyThreshold = performance.LowAccuracyThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger.With("component", "training"),
	}, nil
}

// Start begins the scan loop in a background goroutine.
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	next, _ := NextRunTime(s.cfg.Schedule, time.Now())
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("training scanner started",
		"schedule", s.cfg.Schedule,
		"next_run_at", next,
		"agents", s.cfg.Agents)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("training scanner stopped")
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scanner) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !s.nextRun.IsZero() && !now.Before(s.nextRun)
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error("training scan failed", "error", err)
	}

	next, err := NextRunTime(s.cfg.Schedule, now)
	if err != nil {
		s.logger.Error("computing next scan time failed", "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

// Scan walks every configured agent and enqueues one retraining task per
// underperforming skill. Returns the number of tasks enqueued.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	var enqueued int
	for _, agentID := range s.cfg.Agents {
		weak, err := s.cfg.Tracker.Underperforming(ctx, agentID, s.cfg.AccuracyThreshold)
		if err != nil {
			return enqueued, fmt.Errorf("scan agent %s: %w", agentID, err)
		}
		for _, stats := range weak {
			if err := s.scheduleRetraining(ctx, agentID, stats); err != nil {
				return enqueued, err
			}
			enqueued++
		}
	}
	s.logger.Info("training scan finished", "tasks_enqueued", enqueued)
	return enqueued, nil
}

func (s *Scanner) scheduleRetraining(ctx context.Context, agentID string, stats performance.SkillStats) error {
	description := s.describeRetraining(ctx, agentID, stats)

	task, err := s.cfg.Store.EnqueueTask(ctx, persistence.TaskSpec{
		Type:      persistence.TaskTypeTraining,
		ProjectID: s.cfg.ProjectID,
		Priority:  s.cfg.Priority,
		Metadata: persistence.TaskMetadata{
			Training: &persistence.TrainingMetadata{
				AgentID:         agentID,
				SkillTag:        stats.SkillTag,
				TargetAccuracy:  s.cfg.TargetAccuracy,
				CurrentAccuracy: stats.Accuracy,
				Description:     description,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue retraining for %s/%s: %w", agentID, stats.SkillTag, err)
	}

	s.cfg.Bus.Publish(bus.TopicTrainingScheduled, bus.TrainingScheduledEvent{
		ProjectID:       s.cfg.ProjectID,
		TaskID:          task.ID,
		AgentID:         agentID,
		SkillTag:        stats.SkillTag,
		CurrentAccuracy: stats.Accuracy,
		TargetAccuracy:  s.cfg.TargetAccuracy,
	})
	s.logger.Info("retraining scheduled",
		"agent_id", agentID,
		"skill_tag", stats.SkillTag,
		"accuracy", stats.Accuracy,
		"task_id", task.ID)
	return nil
}

// describeRetraining words the retraining brief with the generator when
// one is available, falling back to a template on any error.
func (s *Scanner) describeRetraining(ctx context.Context, agentID string, stats performance.SkillStats) string {
	fallback := fmt.Sprintf(
		"Retrain the %s skill. Current accuracy is %.1f%% over %d attempts; the target is %.0f%%. Recent failures: %s.",
		stats.SkillTag, stats.Accuracy, stats.Total, s.cfg.TargetAccuracy, failSummary(stats))
	if s.cfg.Generator == nil {
		return fallback
	}

	genCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Agent %s is at %.1f%% accuracy on the %s skill (target %.0f%%). Recent failures: %s. Write a short retraining exercise brief for this skill, two sentences at most, plain text.",
		agentID, stats.Accuracy, stats.SkillTag, s.cfg.TargetAccuracy, failSummary(stats))
	out, err := s.cfg.Generator.Generate(genCtx, "You write focused retraining exercises for software agents.", prompt, 200)
	if err != nil || out == "" {
		s.logger.Warn("retraining brief generation failed, using template",
			"skill_tag", stats.SkillTag, "error", err)
		return fallback
	}
	return out
}

func failSummary(stats performance.SkillStats) string {
	if len(stats.RecentFails) == 0 {
		return "none recorded"
	}
	out := stats.RecentFails[0]
	for _, reason := range stats.RecentFails[1:] {
		out += "; " + reason
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
