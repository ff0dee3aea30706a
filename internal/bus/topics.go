package bus

// Execution loop lifecycle topics. Every payload carries the project id;
// task-scoped events also carry the task id and goal title.
const (
	TopicGoalEnqueued  = "goal.enqueued"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicCodeGenerated = "code.generated"
	TopicAgentResumed  = "agent.resumed"
)

// Training scanner topics.
const (
	TopicTrainingScheduled = "training.scheduled"
)

// Checkpoint topics.
const (
	TopicCheckpointCreated  = "checkpoint.created"
	TopicCheckpointReverted = "checkpoint.reverted"
)

// Retention topics.
const (
	TopicRetentionEvicted = "retention.evicted"
)

// GoalEnqueuedEvent is published when goal expansion queues a new task.
type GoalEnqueuedEvent struct {
	ProjectID string // Project the goal belongs to
	TaskID    string // Newly enqueued task
	GoalID    string // Goal identity used for idempotent expansion
	GoalTitle string // Human-readable goal title
}

// TaskEvent is published on task start, completion, and failure.
type TaskEvent struct {
	ProjectID string // Project the task belongs to
	TaskID    string // Task being processed
	GoalTitle string // Goal title, empty for non-goal tasks
	Error     string // Failure reason, set on task.failed only
}

// CodeGeneratedEvent is published when a generation produced a valid artifact.
type CodeGeneratedEvent struct {
	ProjectID    string // Project the artifact belongs to
	TaskID       string // Task that produced the artifact
	GoalTitle    string // Goal the artifact was generated for
	CheckpointID string // Checkpoint recording the artifact
	Summary      string // Artifact summary line
}

// AgentResumedEvent is published at loop start when the agent's last session
// snapshot matches the project being driven. It carries the prior snapshot so
// subscribers can show "picking up where it left off".
type AgentResumedEvent struct {
	ProjectID   string // Project being resumed
	AgentID     string // Agent resuming work
	SnapshotID  string // Prior session snapshot id
	GoalID      string // Goal the agent was last working on
	TaskSummary string // What the agent was last doing
	Mode        string // build, debug, or optimize
}

// TrainingScheduledEvent is published when the scanner enqueues a
// retraining task for an underperforming skill.
type TrainingScheduledEvent struct {
	ProjectID       string  // Project the retraining task is queued under
	TaskID          string  // Enqueued retraining task
	AgentID         string  // Agent being retrained
	SkillTag        string  // Skill below the accuracy threshold
	CurrentAccuracy float64 // Accuracy at scan time
	TargetAccuracy  float64 // Accuracy the retraining aims for
}

// RetentionEvictedEvent is published when a retention cap removed old
// rows. Kind is "session" or "checkpoint"; OwnerID is the agent or
// project whose history was trimmed.
type RetentionEvictedEvent struct {
	Kind    string // session or checkpoint
	OwnerID string // Agent id for sessions, project id for checkpoints
	Count   int64  // Rows evicted by this write
}

// CheckpointEvent is published on checkpoint creation and revert.
type CheckpointEvent struct {
	ProjectID    string // Project the checkpoint belongs to
	CheckpointID string // Checkpoint created or written by the revert
	GoalID       string // Goal the checkpoint snapshots
	RollbackOf   string // Source checkpoint id, set on revert only
}
