// Package runner drives the closed execution loop: expand project goals
// into queued tasks, claim them one at a time, generate an artifact for
// each, checkpoint the result, and feed the outcome back into the
// performance log that shapes the next prompt.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MiahMontgomery/titan-sub000/internal/artifact"
	"github.com/MiahMontgomery/titan-sub000/internal/bus"
	"github.com/MiahMontgomery/titan-sub000/internal/generation"
	"github.com/MiahMontgomery/titan-sub000/internal/otel"
	"github.com/MiahMontgomery/titan-sub000/internal/performance"
	"github.com/MiahMontgomery/titan-sub000/internal/persistence"
	"github.com/MiahMontgomery/titan-sub000/internal/project"
)

// ErrForbidden is returned when an operation names a resource that
// belongs to a different project.
var ErrForbidden = errors.New("resource belongs to another project")

const systemRole = "You are an autonomous software agent. Complete the assigned goal and reply with a JSON object containing \"summary\" and \"content\"."

// Budget for a single store write around a task's terminal transition.
const (
	writeRetries    = 3
	writeRetryDelay = 200 * time.Millisecond
)

// Config tunes one runner instance.
type Config struct {
	AgentID      string
	PollInterval time.Duration
	GenTimeout   time.Duration
	MaxTokens    int
}

// Runner owns the execution loop for one agent working one project.
type Runner struct {
	cfg       Config
	store     *persistence.Store
	tracker   *performance.Tracker
	tree      project.Tree
	generator generation.Generator
	validator *artifact.Validator
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New wires a Runner from its collaborators. The event bus is injected
// here and never swapped afterward.
func New(cfg Config, store *persistence.Store, tracker *performance.Tracker, tree project.Tree,
	generator generation.Generator, validator *artifact.Validator, eventBus *bus.Bus,
	logger *slog.Logger, metrics *otel.Metrics) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.GenTimeout <= 0 {
		cfg.GenTimeout = 2 * time.Minute
	}
	return &Runner{
		cfg:       cfg,
		store:     store,
		tracker:   tracker,
		tree:      tree,
		generator: generator,
		validator: validator,
		bus:       eventBus,
		logger:    logger.With("component", "runner", "agent_id", cfg.AgentID),
		metrics:   metrics,
	}
}

// ExpandGoals enqueues one goal task per incomplete goal that has no
// queued, running, or completed task yet. Safe to call repeatedly.
func (r *Runner) ExpandGoals(ctx context.Context) (int, error) {
	projectID := r.tree.Project().ID
	var enqueued int
	for _, ref := range r.tree.PendingGoals() {
		exists, err := r.store.HasTaskForGoal(ctx, ref.Goal.ID)
		if err != nil {
			return enqueued, fmt.Errorf("check goal %s: %w", ref.Goal.ID, err)
		}
		if exists {
			continue
		}
		task, err := r.store.EnqueueTask(ctx, persistence.TaskSpec{
			Type:      persistence.TaskTypeGoal,
			ProjectID: projectID,
			Priority:  0,
			Metadata: persistence.TaskMetadata{
				Goal: &persistence.GoalMetadata{
					GoalID:      ref.Goal.ID,
					GoalTitle:   ref.Goal.Title,
					FeatureID:   ref.FeatureID,
					MilestoneID: ref.MilestoneID,
				},
			},
		})
		if err != nil {
			return enqueued, fmt.Errorf("enqueue goal %s: %w", ref.Goal.ID, err)
		}
		enqueued++
		if r.metrics != nil {
			r.metrics.TasksEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "goal")))
		}
		r.bus.Publish(bus.TopicGoalEnqueued, bus.GoalEnqueuedEvent{
			ProjectID: projectID,
			TaskID:    task.ID,
			GoalID:    ref.Goal.ID,
			GoalTitle: ref.Goal.Title,
		})
		r.logger.Info("goal expanded into task", "goal_id", ref.Goal.ID, "task_id", task.ID)
	}
	return enqueued, nil
}

// Start announces what the agent resumes from, expands goals, and begins
// the claim loop. It returns once the loop goroutine is running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("runner already started")
	}

	if err := r.announceResume(ctx); err != nil {
		return err
	}
	if _, err := r.ExpandGoals(ctx); err != nil {
		return fmt.Errorf("expand goals: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx)
	return nil
}

// Stop halts claiming. The task in flight, if any, runs to its terminal
// status before the loop exits.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) announceResume(ctx context.Context) error {
	last, err := r.store.LastSession(ctx, r.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("load last session: %w", err)
	}
	if last == nil {
		r.logger.Info("no prior session, starting fresh")
		return nil
	}
	if last.ProjectID != "" && last.ProjectID != r.tree.Project().ID {
		r.logger.Info("last session belongs to another project, starting fresh",
			"snapshot_project", last.ProjectID)
		return nil
	}
	r.bus.Publish(bus.TopicAgentResumed, bus.AgentResumedEvent{
		ProjectID:   last.ProjectID,
		AgentID:     last.AgentID,
		SnapshotID:  last.ID,
		GoalID:      last.GoalID,
		TaskSummary: last.TaskSummary,
		Mode:        string(last.Mode),
	})
	r.logger.Info("resuming from last session",
		"snapshot_id", last.ID,
		"goal_id", last.GoalID,
		"mode", last.Mode,
		"task_summary", last.TaskSummary)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	projectID := r.tree.Project().ID

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := r.store.NextReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("claim failed, backing off", "error", err)
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}
		if task == nil {
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}
		if task.ProjectID != projectID {
			// Claimed a task this runner does not own. It stays
			// in_progress for its owner's recovery pass to requeue.
			r.logger.Warn("claimed task for another project, leaving it",
				"task_id", task.ID, "task_project", task.ProjectID)
			continue
		}

		// The task in flight finishes even if Stop was called.
		if err := r.processTask(context.WithoutCancel(ctx), task); err != nil {
			// A storage error aborts this attempt without a terminal
			// transition. The task stays in_progress so the startup
			// recovery pass can requeue it.
			r.logger.Error("storage error, leaving task in flight and backing off",
				"task_id", task.ID, "error", err)
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return
			}
		}
	}
}

// retryWrite runs f up to writeRetries times with a short pause between
// attempts, returning the last error once the budget is exhausted.
func (r *Runner) retryWrite(ctx context.Context, name string, f func() error) error {
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if attempt == writeRetries || !sleepCtx(ctx, writeRetryDelay) {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// processTask runs one claimed task to a terminal status. A non-nil
// return means a storage operation kept failing: no terminal transition
// was committed and the task is still in_progress.
func (r *Runner) processTask(ctx context.Context, task *persistence.Task) error {
	start := time.Now()
	logger := r.logger.With("task_id", task.ID, "task_type", string(task.Type))
	logger.Info("processing task")

	skillTag, userPrompt := r.taskWork(task)

	if err := r.retryWrite(ctx, "session snapshot", func() error {
		return r.snapshotSession(ctx, task, skillTag)
	}); err != nil {
		return err
	}

	r.bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		GoalTitle: task.GoalTitle(),
	})

	systemPrompt, err := r.buildSystemPrompt(ctx, task)
	if err != nil {
		return err
	}

	art, genErr := r.generate(ctx, systemPrompt, userPrompt)

	var finishErr error
	if genErr != nil {
		finishErr = r.finishFailed(ctx, task, skillTag, genErr, logger)
	} else {
		finishErr = r.finishCompleted(ctx, task, skillTag, art, logger)
	}
	if finishErr != nil {
		return finishErr
	}

	if r.metrics != nil {
		r.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("type", string(task.Type)),
				attribute.Bool("success", genErr == nil),
			))
	}
	return nil
}

// taskWork derives the skill tag and the user prompt for a task.
func (r *Runner) taskWork(task *persistence.Task) (string, string) {
	switch task.Type {
	case persistence.TaskTypeTraining:
		tm := task.Metadata.Training
		prompt := tm.Description
		if prompt == "" {
			prompt = fmt.Sprintf("Practice the %s skill: produce a small, correct exercise solution that demonstrates it.", tm.SkillTag)
		}
		return tm.SkillTag, prompt
	default:
		title := task.GoalTitle()
		return performance.InferSkillTag(title), "Goal: " + title
	}
}

// snapshotSession records the pre-dispatch session. Dispatch always
// starts in build mode; debug and optimize are resumed states, not
// entry states.
func (r *Runner) snapshotSession(ctx context.Context, task *persistence.Task, skillTag string) error {
	snap := persistence.SessionSnapshot{
		AgentID:     r.cfg.AgentID,
		ProjectID:   task.ProjectID,
		GoalID:      task.GoalID(),
		TaskSummary: task.GoalTitle(),
		Mode:        persistence.ModeBuild,
	}
	if goal := task.Metadata.Goal; goal != nil {
		snap.FeatureID = goal.FeatureID
		snap.MilestoneID = goal.MilestoneID
	}
	if task.Type == persistence.TaskTypeTraining {
		snap.TaskSummary = fmt.Sprintf("retraining %s", skillTag)
	}
	_, err := r.store.SaveSession(ctx, snap)
	return err
}

// buildSystemPrompt reads the performance digest and goal instructions.
// Errors here are storage reads, not generation failures.
func (r *Runner) buildSystemPrompt(ctx context.Context, task *persistence.Task) (string, error) {
	digest, err := r.tracker.Digest(ctx, r.cfg.AgentID)
	if err != nil {
		return "", fmt.Errorf("build digest: %w", err)
	}
	instructions, err := r.tracker.GoalInstructions(ctx, r.cfg.AgentID, task.GoalTitle())
	if err != nil {
		return "", fmt.Errorf("build instructions: %w", err)
	}
	return systemRole + "\n\n" + digest + "\n\n" + instructions, nil
}

func (r *Runner) generate(ctx context.Context, systemPrompt, userPrompt string) (*artifact.Artifact, error) {
	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenTimeout)
	defer cancel()

	genStart := time.Now()
	raw, err := r.generator.Generate(genCtx, systemPrompt, userPrompt, r.cfg.MaxTokens)
	if r.metrics != nil {
		r.metrics.GenerationDuration.Record(ctx, time.Since(genStart).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return r.validator.Parse(raw)
}

// finishCompleted lands the checkpoint and the success attempt before
// committing the completed status. Any write that keeps failing aborts
// the commit and bubbles up as a storage error.
func (r *Runner) finishCompleted(ctx context.Context, task *persistence.Task, skillTag string, art *artifact.Artifact, logger *slog.Logger) error {
	var wg sync.WaitGroup
	var cpErr, attErr error
	var cp *persistence.Checkpoint

	wg.Add(2)
	go func() {
		defer wg.Done()
		cpErr = r.retryWrite(ctx, "checkpoint", func() error {
			var err error
			cp, err = r.store.CreateCheckpoint(ctx, persistence.CheckpointSpec{
				ProjectID:       task.ProjectID,
				GoalID:          task.GoalID(),
				Summary:         art.Summary,
				ArtifactContent: art.Content,
			})
			return err
		})
	}()
	go func() {
		defer wg.Done()
		attErr = r.retryWrite(ctx, "record success attempt", func() error {
			return r.tracker.Record(ctx, persistence.Attempt{
				AgentID:  r.cfg.AgentID,
				SkillTag: skillTag,
				TaskType: string(task.Type),
				Success:  true,
				Notes:    art.Summary,
			})
		})
	}()
	wg.Wait()

	if cpErr != nil {
		return cpErr
	}
	if attErr != nil {
		return attErr
	}

	if err := r.retryWrite(ctx, "mark task completed", func() error {
		return r.store.SetTaskStatus(ctx, task.ID, persistence.TaskStatusCompleted)
	}); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(task.Type))))
	}
	r.bus.Publish(bus.TopicCodeGenerated, bus.CodeGeneratedEvent{
		ProjectID:    task.ProjectID,
		TaskID:       task.ID,
		GoalTitle:    task.GoalTitle(),
		CheckpointID: cp.ID,
		Summary:      art.Summary,
	})
	r.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		GoalTitle: task.GoalTitle(),
	})
	logger.Info("task completed", "checkpoint_id", cp.ID, "summary", art.Summary)
	return nil
}

// finishFailed records the failed attempt, then commits the failed
// status. The attempt row always lands before the terminal transition.
func (r *Runner) finishFailed(ctx context.Context, task *persistence.Task, skillTag string, cause error, logger *slog.Logger) error {
	failReason := fmt.Sprintf("%s: %v", generation.ClassifyError(cause), cause)

	if err := r.retryWrite(ctx, "record failed attempt", func() error {
		return r.tracker.Record(ctx, persistence.Attempt{
			AgentID:    r.cfg.AgentID,
			SkillTag:   skillTag,
			TaskType:   string(task.Type),
			Success:    false,
			FailReason: failReason,
		})
	}); err != nil {
		return err
	}

	if err := r.retryWrite(ctx, "mark task failed", func() error {
		return r.store.SetTaskStatus(ctx, task.ID, persistence.TaskStatusFailed)
	}); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(task.Type))))
	}
	r.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		GoalTitle: task.GoalTitle(),
		Error:     failReason,
	})
	logger.Warn("task failed", "reason", failReason)
	return nil
}

// Revert restores a prior checkpoint by appending a new checkpoint that
// duplicates its content. History is never rewritten.
func (r *Runner) Revert(ctx context.Context, projectID, checkpointID string) (*persistence.Checkpoint, error) {
	cp, err := r.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.ProjectID != projectID {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrForbidden, checkpointID)
	}
	restored, err := r.store.CreateCheckpoint(ctx, persistence.CheckpointSpec{
		ProjectID:       cp.ProjectID,
		GoalID:          cp.GoalID,
		Summary:         "revert: " + cp.Summary,
		ArtifactContent: cp.ArtifactContent,
		RollbackOf:      cp.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("write rollback checkpoint: %w", err)
	}
	r.logger.Info("checkpoint reverted", "checkpoint_id", cp.ID, "restored_as", restored.ID)
	return restored, nil
}
