package queue

import (
	"context"

	"dexflow/internal/models"
)

// Stats mirrors the lifecycle counters exposed for observability.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Processor owns the order state machine. Process is retried by the queue on
// error up to the attempt budget; Exhausted fires exactly once, after the
// final attempt, so terminal failure handling stays deterministic.
type Processor interface {
	Process(ctx context.Context, job *Job) error
	Exhausted(ctx context.Context, job *Job, cause error)
}

// Queue accepts full order snapshots and drives them through the registered
// processor. The interface hides the queue technology: the in-process Pool
// below satisfies it, and so could a broker-backed implementation.
type Queue interface {
	Enqueue(ctx context.Context, order models.Order) error
	RegisterProcessor(p Processor)
	Stats() Stats
	Shutdown(ctx context.Context) error
}
