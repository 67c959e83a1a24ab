package imagerelay

import (
	"context"
	"encoding/json"
	"fmt"
)

type Publisher struct {
	queue JobQueue
}

func NewPublisher(queue JobQueue) *Publisher {
	return &Publisher{queue: queue}
}

// Publish serializes job onto the queue. It fails with ErrQueueUnavailable
// when no queue is attached.
func (p *Publisher) Publish(ctx context.Context, job Job) error {
	if p == nil || p.queue == nil {
		return ErrQueueUnavailable
	}
	if err := job.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ExternalID, err)
	}
	return p.queue.Publish(ctx, payload)
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}
	if err := job.validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
