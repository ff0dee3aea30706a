package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the Titan core metric instruments.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	GenerationDuration metric.Float64Histogram
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksEnqueued      metric.Int64Counter
	RetentionEvictions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("titan.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("titan.generation.duration",
		metric.WithDescription("Generation call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("titan.task.completed",
		metric.WithDescription("Tasks that reached completed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("titan.task.failed",
		metric.WithDescription("Tasks that reached failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("titan.task.enqueued",
		metric.WithDescription("Tasks enqueued by expansion and the scanner"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionEvictions, err = meter.Int64Counter("titan.retention.evictions",
		metric.WithDescription("Session and checkpoint rows evicted by retention caps"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
