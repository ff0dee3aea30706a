package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MiahMontgomery/titan-sub000/internal/artifact"
	"github.com/MiahMontgomery/titan-sub000/internal/bus"
	"github.com/MiahMontgomery/titan-sub000/internal/performance"
	"github.com/MiahMontgomery/titan-sub000/internal/persistence"
	"github.com/MiahMontgomery/titan-sub000/internal/project"
)

type stubGenerator struct {
	output string
	err    error
	delay  time.Duration
	calls  int
}

func (g *stubGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	g.calls++
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.delay):
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.output, nil
}

func testTree(t *testing.T, goals ...project.Goal) project.Tree {
	t.Helper()
	tree, err := project.NewTree(project.Project{
		ID:   "proj-1",
		Name: "Test Project",
		Features: []project.Feature{{
			ID: "feat-1", Title: "Feature",
			Milestones: []project.Milestone{{
				ID: "ms-1", Title: "Milestone", Goals: goals,
			}},
		}},
	})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

type fixture struct {
	runner  *Runner
	store   *persistence.Store
	tracker *performance.Tracker
	bus     *bus.Bus
}

func newFixture(t *testing.T, tree project.Tree, gen *stubGenerator) *fixture {
	t.Helper()
	eventBus := bus.New()
	dbPath := filepath.Join(t.TempDir(), "titan.db")
	store, err := persistence.Open(dbPath, eventBus, persistence.DefaultRetentionCaps)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	validator, err := artifact.NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	tracker := performance.NewTracker(store)
	r := New(Config{
		AgentID:      "jason",
		PollInterval: 10 * time.Millisecond,
		GenTimeout:   time.Second,
	}, store, tracker, tree, gen, validator, eventBus, slog.Default(), nil)
	return &fixture{runner: r, store: store, tracker: tracker, bus: eventBus}
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExpandGoalsIsIdempotent(t *testing.T) {
	tree := testTree(t,
		project.Goal{ID: "g1", Title: "Build the importer"},
		project.Goal{ID: "g2", Title: "Verify importer output"},
		project.Goal{ID: "g3", Title: "Done already", Completed: true},
	)
	f := newFixture(t, tree, &stubGenerator{})
	ctx := context.Background()

	n, err := f.runner.ExpandGoals(ctx)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if n != 2 {
		t.Fatalf("first expansion = %d tasks, want 2", n)
	}

	n, err = f.runner.ExpandGoals(ctx)
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if n != 0 {
		t.Fatalf("second expansion = %d tasks, want 0", n)
	}

	tasks, err := f.store.ListTasksByProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}
}

func TestExpandGoalsRequeuesFailedGoal(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	f := newFixture(t, tree, &stubGenerator{})
	ctx := context.Background()

	if _, err := f.runner.ExpandGoals(ctx); err != nil {
		t.Fatalf("expand: %v", err)
	}
	task, err := f.store.NextReady(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
	if err := f.store.SetTaskStatus(ctx, task.ID, persistence.TaskStatusFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}

	n, err := f.runner.ExpandGoals(ctx)
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if n != 1 {
		t.Fatalf("re-expansion = %d tasks, want 1", n)
	}
}

func TestStartAnnouncesResume(t *testing.T) {
	tree := testTree(t)
	f := newFixture(t, tree, &stubGenerator{})
	ctx := context.Background()

	if _, err := f.store.SaveSession(ctx, persistence.SessionSnapshot{
		AgentID:     "jason",
		ProjectID:   "proj-1",
		GoalID:      "g1",
		TaskSummary: "halfway through the importer",
		Mode:        persistence.ModeBuild,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	sub := f.bus.Subscribe(bus.TopicAgentResumed)
	t.Cleanup(func() { f.bus.Unsubscribe(sub) })

	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.runner.Stop)

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.AgentResumedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.TaskSummary != "halfway through the importer" {
			t.Fatalf("resume summary = %q", payload.TaskSummary)
		}
	case <-time.After(time.Second):
		t.Fatal("no agent.resumed event")
	}
}

func TestLoopCompletesGoalTask(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{output: `{"summary":"importer built","content":"package importer"}`}
	f := newFixture(t, tree, gen)
	ctx := context.Background()

	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.runner.Stop)

	waitFor(t, 3*time.Second, func() bool {
		tasks, err := f.store.ListTasksByProject(ctx, "proj-1")
		if err != nil || len(tasks) != 1 {
			return false
		}
		return tasks[0].Status == persistence.TaskStatusCompleted
	})

	cps, err := f.store.ListCheckpointsByGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Summary != "importer built" {
		t.Fatalf("checkpoints = %+v", cps)
	}

	stats, err := f.tracker.StatsFor(ctx, "jason", "code-generation")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Successes != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	history, err := f.store.SessionHistory(ctx, "jason")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].GoalID != "g1" {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Mode != persistence.ModeBuild {
		t.Fatalf("dispatch snapshot mode = %q, want %q", history[0].Mode, persistence.ModeBuild)
	}
}

func TestLoopFailsTaskOnGenerationError(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{err: errors.New("connection timed out")}
	f := newFixture(t, tree, gen)
	ctx := context.Background()

	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.runner.Stop)

	waitFor(t, 3*time.Second, func() bool {
		tasks, err := f.store.ListTasksByProject(ctx, "proj-1")
		if err != nil || len(tasks) != 1 {
			return false
		}
		return tasks[0].Status == persistence.TaskStatusFailed
	})

	stats, err := f.tracker.StatsFor(ctx, "jason", "code-generation")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Successes != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if !strings.Contains(stats.LastFailReason, "TIMEOUT") {
		t.Fatalf("fail reason = %q, want timeout class", stats.LastFailReason)
	}
}

func TestLoopRejectsInvalidModelOutput(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{output: "I have no structured answer for you."}
	f := newFixture(t, tree, gen)
	ctx := context.Background()

	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.runner.Stop)

	waitFor(t, 3*time.Second, func() bool {
		tasks, err := f.store.ListTasksByProject(ctx, "proj-1")
		if err != nil || len(tasks) != 1 {
			return false
		}
		return tasks[0].Status == persistence.TaskStatusFailed
	})

	cps, err := f.store.ListCheckpointsByProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 0 {
		t.Fatalf("invalid output must not checkpoint, got %+v", cps)
	}
}

func TestRevert(t *testing.T) {
	tree := testTree(t)
	f := newFixture(t, tree, &stubGenerator{})
	ctx := context.Background()

	cp, err := f.store.CreateCheckpoint(ctx, persistence.CheckpointSpec{
		ProjectID:       "proj-1",
		GoalID:          "g1",
		Summary:         "first cut",
		ArtifactContent: "package one",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	restored, err := f.runner.Revert(ctx, "proj-1", cp.ID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if restored.RollbackOf != cp.ID || restored.ArtifactContent != "package one" {
		t.Fatalf("restored = %+v", restored)
	}

	// Original stays readable: revert appends, never rewrites.
	if _, err := f.store.GetCheckpoint(ctx, cp.ID); err != nil {
		t.Fatalf("original gone: %v", err)
	}

	if _, err := f.runner.Revert(ctx, "other-project", cp.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-project revert err = %v, want ErrForbidden", err)
	}
	if _, err := f.runner.Revert(ctx, "proj-1", "missing"); !errors.Is(err, persistence.ErrCheckpointNotFound) {
		t.Fatalf("missing checkpoint err = %v", err)
	}
}

func TestStopLetsInFlightTaskFinish(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{
		output: `{"summary":"done","content":"package importer"}`,
		delay:  150 * time.Millisecond,
	}
	f := newFixture(t, tree, gen)
	ctx := context.Background()

	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the task is claimed, then stop mid-generation.
	waitFor(t, 3*time.Second, func() bool {
		_, inProgress, err := f.store.TaskCounts(ctx)
		return err == nil && inProgress == 1
	})
	f.runner.Stop()

	tasks, err := f.store.ListTasksByProject(ctx, "proj-1")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: %v %v", tasks, err)
	}
	if tasks[0].Status != persistence.TaskStatusCompleted {
		t.Fatalf("status after stop = %q, want completed", tasks[0].Status)
	}
}

// claimOnly expands the project's goals and claims the first ready task
// without starting the loop, so a test can drive processTask directly.
func claimOnly(t *testing.T, f *fixture) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.runner.ExpandGoals(ctx); err != nil {
		t.Fatalf("expand: %v", err)
	}
	task, err := f.store.NextReady(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	return task
}

// blockInserts installs a trigger that rejects inserts into a table
// while leaving reads intact.
func blockInserts(t *testing.T, f *fixture, table string) {
	t.Helper()
	stmt := fmt.Sprintf(
		`CREATE TRIGGER %s_block BEFORE INSERT ON %s BEGIN SELECT RAISE(ABORT, 'store unavailable'); END;`,
		table, table)
	if _, err := f.store.DB().Exec(stmt); err != nil {
		t.Fatalf("block inserts on %s: %v", table, err)
	}
}

func unblockInserts(t *testing.T, f *fixture, table string) {
	t.Helper()
	if _, err := f.store.DB().Exec(fmt.Sprintf(`DROP TRIGGER %s_block;`, table)); err != nil {
		t.Fatalf("unblock inserts on %s: %v", table, err)
	}
}

func TestProcessTaskHoldsFailureUntilAttemptRowLands(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{err: errors.New("connection timed out")}
	f := newFixture(t, tree, gen)
	ctx := context.Background()
	task := claimOnly(t, f)

	blockInserts(t, f, "performance_attempts")
	if err := f.runner.processTask(ctx, task); err == nil {
		t.Fatal("processTask with broken attempt log returned nil")
	}

	got, err := f.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %q, want in_progress until the attempt row lands", got.Status)
	}
	atts, err := f.store.ListAttempts(ctx, "jason", "code-generation")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(atts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(atts))
	}

	// Once the attempt log recovers, the same task runs to failed with
	// its attempt row in place.
	unblockInserts(t, f, "performance_attempts")
	if err := f.runner.processTask(ctx, task); err != nil {
		t.Fatalf("processTask after recovery: %v", err)
	}
	got, err = f.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("status after recovery = %q, want failed", got.Status)
	}
	stats, err := f.tracker.StatsFor(ctx, "jason", "code-generation")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || !strings.Contains(stats.LastFailReason, "TIMEOUT") {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcessTaskHoldsCompletionWhenCheckpointWriteFails(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{output: `{"summary":"importer built","content":"package importer"}`}
	f := newFixture(t, tree, gen)
	ctx := context.Background()
	task := claimOnly(t, f)

	blockInserts(t, f, "checkpoints")
	if err := f.runner.processTask(ctx, task); err == nil {
		t.Fatal("processTask with broken checkpoint store returned nil")
	}

	// A checkpoint write outage is not a task failure: the task stays
	// in flight and no terminal status is committed.
	got, err := f.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}

	unblockInserts(t, f, "checkpoints")
	if err := f.runner.processTask(ctx, task); err != nil {
		t.Fatalf("processTask after recovery: %v", err)
	}
	got, err = f.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status after recovery = %q, want completed", got.Status)
	}
	cps, err := f.store.ListCheckpointsByGoal(ctx, "g1")
	if err != nil || len(cps) != 1 {
		t.Fatalf("checkpoints = %v err = %v", cps, err)
	}
}

func TestProcessTaskStopsBeforeGenerationWhenSnapshotFails(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{output: `{"summary":"done","content":"x"}`}
	f := newFixture(t, tree, gen)
	ctx := context.Background()
	task := claimOnly(t, f)

	blockInserts(t, f, "session_snapshots")
	if err := f.runner.processTask(ctx, task); err == nil {
		t.Fatal("processTask without a session snapshot returned nil")
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times before the snapshot landed", gen.calls)
	}
	got, err := f.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}
}

func TestDispatchSnapshotAlwaysBuildMode(t *testing.T) {
	tree := testTree(t, project.Goal{ID: "g1", Title: "Build the importer"})
	gen := &stubGenerator{output: `{"summary":"importer built","content":"package importer"}`}
	f := newFixture(t, tree, gen)
	ctx := context.Background()

	// A weak track record must not change the entry mode.
	for i := 0; i < 3; i++ {
		if err := f.tracker.Record(ctx, persistence.Attempt{
			AgentID: "jason", SkillTag: "code-generation",
			TaskType: "goal", Success: false, FailReason: "UNKNOWN: bad output",
		}); err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
	}

	task := claimOnly(t, f)
	if err := f.runner.processTask(ctx, task); err != nil {
		t.Fatalf("processTask: %v", err)
	}
	history, err := f.store.SessionHistory(ctx, "jason")
	if err != nil || len(history) == 0 {
		t.Fatalf("history = %v err = %v", history, err)
	}
	if history[0].Mode != persistence.ModeBuild {
		t.Fatalf("dispatch mode = %q, want %q", history[0].Mode, persistence.ModeBuild)
	}
}
