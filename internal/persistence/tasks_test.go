package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func goalSpec(projectID, goalID, title string, priority int) TaskSpec {
	return TaskSpec{
		Type:      TaskTypeGoal,
		ProjectID: projectID,
		Priority:  priority,
		Metadata: TaskMetadata{
			Goal: &GoalMetadata{GoalID: goalID, GoalTitle: title},
		},
	}
}

func TestEnqueueAndGetTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, goalSpec("proj-1", "goal-1", "Build the login page", 0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != TaskStatusPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GoalTitle() != "Build the login page" {
		t.Fatalf("goal title = %q", got.GoalTitle())
	}
	if got.Metadata.Training != nil {
		t.Fatal("goal task must not carry training metadata")
	}
}

func TestEnqueueRejectsInvalidSpecs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cases := []TaskSpec{
		{Type: TaskTypeGoal, ProjectID: "", Metadata: TaskMetadata{Goal: &GoalMetadata{GoalID: "g"}}},
		{Type: TaskTypeGoal, ProjectID: "p"},
		{Type: TaskTypeTraining, ProjectID: "p"},
		{Type: "mystery", ProjectID: "p"},
	}
	for _, spec := range cases {
		if _, err := store.EnqueueTask(ctx, spec); err == nil {
			t.Fatalf("expected validation error for %+v", spec)
		}
	}
}

func TestNextReadyOrdersByPriorityThenFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	low1, _ := store.EnqueueTask(ctx, goalSpec("p", "g1", "first low", 0))
	high, _ := store.EnqueueTask(ctx, goalSpec("p", "g2", "high", 2))
	low2, _ := store.EnqueueTask(ctx, goalSpec("p", "g3", "second low", 0))

	wantOrder := []string{high.ID, low1.ID, low2.ID}
	for i, want := range wantOrder {
		got, err := store.NextReady(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("claim %d = %+v, want id %s", i, got, want)
		}
		if got.Status != TaskStatusInProgress {
			t.Fatalf("claimed task status = %q", got.Status)
		}
	}

	empty, err := store.NextReady(ctx)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue, got %+v", empty)
	}
}

func TestNextReadyClaimsEachTaskOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := store.EnqueueTask(ctx, goalSpec("p", "goal", "work", 0)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.NextReady(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), n)
	}
	for id, count := range claimed {
		if count != 1 {
			t.Fatalf("task %s claimed %d times", id, count)
		}
	}
}

func TestSetTaskStatusLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, goalSpec("p", "g", "work", 0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Skipping pending -> completed is not allowed.
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed err = %v, want ErrInvalidTransition", err)
	}

	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusInProgress); err != nil {
		t.Fatalf("pending->in_progress: %v", err)
	}
	// Same-status transition is idempotent.
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusInProgress); err != nil {
		t.Fatalf("idempotent transition: %v", err)
	}
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusCompleted); err != nil {
		t.Fatalf("in_progress->completed: %v", err)
	}
	// Terminal states are final.
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed->failed err = %v, want ErrInvalidTransition", err)
	}

	if err := store.SetTaskStatus(ctx, "no-such-task", TaskStatusInProgress); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("unknown task err = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskEventsRecordTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, goalSpec("p", "g", "work", 0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.NextReady(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantTypes := []string{"task.enqueued", "task.claimed", "task.failed"}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d type = %q, want %q", i, events[i].EventType, want)
		}
	}
}

func TestHasTaskForGoal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ok, err := store.HasTaskForGoal(ctx, "goal-x")
	if err != nil {
		t.Fatalf("check empty: %v", err)
	}
	if ok {
		t.Fatal("goal without tasks reported as present")
	}

	task, err := store.EnqueueTask(ctx, goalSpec("p", "goal-x", "work", 0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ok, err = store.HasTaskForGoal(ctx, "goal-x")
	if err != nil || !ok {
		t.Fatalf("pending goal task = (%v, %v), want (true, nil)", ok, err)
	}

	// A failed goal task no longer blocks re-expansion.
	if _, err := store.NextReady(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetTaskStatus(ctx, task.ID, TaskStatusFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	ok, err = store.HasTaskForGoal(ctx, "goal-x")
	if err != nil {
		t.Fatalf("check failed goal: %v", err)
	}
	if ok {
		t.Fatal("failed goal task should not count as present")
	}
}

func TestRecoverInFlightTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.EnqueueTask(ctx, goalSpec("p", "g1", "one", 0))
	b, _ := store.EnqueueTask(ctx, goalSpec("p", "g2", "two", 0))
	if _, err := store.NextReady(ctx); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := store.NextReady(ctx); err != nil {
		t.Fatalf("claim b: %v", err)
	}

	recovered, err := store.RecoverInFlightTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("recovered = %d, want 2", recovered)
	}
	for _, id := range []string{a.ID, b.ID} {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != TaskStatusPending {
			t.Fatalf("task %s status = %q, want pending", id, task.Status)
		}
	}
}

func TestRemoveTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, goalSpec("p", "g", "work", 0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.RemoveTask(ctx, task.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("get after remove err = %v, want ErrTaskNotFound", err)
	}
	if err := store.RemoveTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("double remove err = %v, want ErrTaskNotFound", err)
	}
}
