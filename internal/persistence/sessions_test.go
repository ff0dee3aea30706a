package persistence

import (
	"context"
	"fmt"
	"testing"
)

func TestSaveSessionAndLastSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	last, err := store.LastSession(ctx, "jason")
	if err != nil {
		t.Fatalf("last on empty: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no history, got %+v", last)
	}

	saved, err := store.SaveSession(ctx, SessionSnapshot{
		AgentID:     "jason",
		ProjectID:   "proj-1",
		GoalID:      "goal-1",
		TaskSummary: "wiring the payment webhook",
		Mode:        ModeBuild,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	last, err = store.LastSession(ctx, "jason")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last == nil || last.ID != saved.ID {
		t.Fatalf("last = %+v, want id %s", last, saved.ID)
	}
	if last.TaskSummary != "wiring the payment webhook" {
		t.Fatalf("task summary = %q", last.TaskSummary)
	}
}

func TestSaveSessionRejectsInvalidMode(t *testing.T) {
	store := openTestStore(t)

	_, err := store.SaveSession(context.Background(), SessionSnapshot{
		AgentID: "jason",
		Mode:    "panic",
	})
	if err == nil {
		t.Fatal("expected invalid mode error")
	}
}

func TestSessionRetentionCapPerAgent(t *testing.T) {
	store := openTestStoreWithCaps(t, RetentionCaps{SessionsPerAgent: 5, CheckpointsPerProject: 20})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := store.SaveSession(ctx, SessionSnapshot{
			AgentID:     "jason",
			ProjectID:   "p",
			TaskSummary: fmt.Sprintf("task %d", i),
			Mode:        ModeBuild,
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	// A second agent's history is untouched by the first agent's cap.
	if _, err := store.SaveSession(ctx, SessionSnapshot{AgentID: "other", Mode: ModeDebug}); err != nil {
		t.Fatalf("save other agent: %v", err)
	}

	history, err := store.SessionHistory(ctx, "jason")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("retained %d snapshots, want 5", len(history))
	}
	// Newest first, and the oldest three were evicted.
	wantSummaries := []string{"task 7", "task 6", "task 5", "task 4", "task 3"}
	for i, want := range wantSummaries {
		if history[i].TaskSummary != want {
			t.Fatalf("history[%d] = %q, want %q", i, history[i].TaskSummary, want)
		}
	}

	otherHistory, err := store.SessionHistory(ctx, "other")
	if err != nil {
		t.Fatalf("other history: %v", err)
	}
	if len(otherHistory) != 1 {
		t.Fatalf("other agent retained %d snapshots, want 1", len(otherHistory))
	}
}
