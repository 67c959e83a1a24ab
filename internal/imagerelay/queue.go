package imagerelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const defaultQueueCapacity = 1024

// Delivery is one received message. Attempt counts deliveries of the same
// message, starting at 1; backends that cannot redeliver always report 1.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int
}

// JobQueue is a durable work queue. Receive blocks until a message is
// available or ctx is done. A received message stays owned by the receiver
// until Ack; backends that support it redeliver unacknowledged messages.
type JobQueue interface {
	Publish(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, delivery Delivery) error
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryJobQueue struct {
	ch        chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryJobQueue returns a process-local queue. Messages are lost on
// restart and are never redelivered.
func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryJobQueue{
		ch:   make(chan Delivery, capacity),
		done: make(chan struct{}),
	}
}

func (q *inMemoryJobQueue) Publish(ctx context.Context, payload []byte) error {
	if q == nil {
		return ErrQueueUnavailable
	}
	if len(payload) == 0 {
		return ErrInvalidInput
	}
	select {
	case <-q.done:
		return fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	default:
	}
	delivery := Delivery{
		ID:      uuid.NewString(),
		Payload: append([]byte(nil), payload...),
		Attempt: 1,
	}
	select {
	case q.ch <- delivery:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, ctx.Err())
	}
}

func (q *inMemoryJobQueue) Receive(ctx context.Context) (Delivery, error) {
	if q == nil {
		return Delivery{}, ErrQueueUnavailable
	}
	select {
	case delivery := <-q.ch:
		return delivery, nil
	case <-q.done:
		return Delivery{}, fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *inMemoryJobQueue) Ack(context.Context, Delivery) error {
	return nil
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	if q == nil {
		return nil
	}
	q.closeOnce.Do(func() {
		close(q.done)
	})
	return nil
}
