package imagerelay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestInMemoryJobQueuePublishReceive(t *testing.T) {
	queue := NewInMemoryJobQueue(2)
	defer queue.Close()
	ctx := context.Background()

	if err := queue.Publish(ctx, []byte(`{"google_drive_id":"f1","name":"a.jpg"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if queue.Depth() != 1 || queue.Capacity() != 2 {
		t.Fatalf("unexpected depth/capacity %d/%d", queue.Depth(), queue.Capacity())
	}
	delivery, err := queue.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(delivery.Payload) != `{"google_drive_id":"f1","name":"a.jpg"}` || delivery.Attempt != 1 || delivery.ID == "" {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
	if err := queue.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestInMemoryJobQueuePublishBlocksWhenFull(t *testing.T) {
	queue := NewInMemoryJobQueue(1)
	defer queue.Close()
	if err := queue.Publish(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := queue.Publish(ctx, []byte(`{}`))
	if !errors.Is(err, ErrQueueUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected queue unavailable on full queue, got %v", err)
	}
}

func TestInMemoryJobQueueRejectsEmptyPayload(t *testing.T) {
	queue := NewInMemoryJobQueue(1)
	if err := queue.Publish(context.Background(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInMemoryJobQueueReceiveHonoursContext(t *testing.T) {
	queue := NewInMemoryJobQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := queue.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInMemoryJobQueueClose(t *testing.T) {
	queue := NewInMemoryJobQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := queue.Publish(context.Background(), []byte(`{}`)); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
	if _, err := queue.Receive(context.Background()); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected receive after close to fail, got %v", err)
	}
}

func TestFileJobQueueRedeliversUnackedAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	ctx := context.Background()

	queue, err := NewFileJobQueue(path, 4)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := queue.Publish(ctx, []byte(`{"google_drive_id":"f1","name":"a.jpg"}`)); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := queue.Publish(ctx, []byte(`{"google_drive_id":"f2","name":"b.jpg"}`)); err != nil {
		t.Fatalf("publish second: %v", err)
	}
	first, err := queue.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if first.Attempt != 1 {
		t.Fatalf("expected first attempt, got %d", first.Attempt)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected one pending item, got %d", queue.Depth())
	}
	_ = queue.Close()

	reopened, err := NewFileJobQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 2 {
		t.Fatalf("expected unacked item back in the queue, got depth %d", reopened.Depth())
	}
	redelivered, err := reopened.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after reopen: %v", err)
	}
	if redelivered.ID != first.ID || redelivered.Attempt != 2 {
		t.Fatalf("expected redelivery of %s with attempt 2, got %+v", first.ID, redelivered)
	}
	if err := reopened.Ack(ctx, redelivered); err != nil {
		t.Fatalf("ack: %v", err)
	}
	second, err := reopened.Receive(ctx)
	if err != nil {
		t.Fatalf("receive second: %v", err)
	}
	if string(second.Payload) != `{"google_drive_id":"f2","name":"b.jpg"}` {
		t.Fatalf("unexpected payload %s", second.Payload)
	}
	if err := reopened.Ack(ctx, second); err != nil {
		t.Fatalf("ack second: %v", err)
	}
	if reopened.Depth() != 0 {
		t.Fatalf("expected empty queue, got %d", reopened.Depth())
	}
}

func TestFileJobQueueRejectsInvalidJSON(t *testing.T) {
	queue, err := NewFileJobQueue(filepath.Join(t.TempDir(), "jobs.json"), 1)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := queue.Publish(context.Background(), []byte("not json")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFileJobQueueCapacityCountsInFlight(t *testing.T) {
	queue, err := NewFileJobQueue(filepath.Join(t.TempDir(), "jobs.json"), 1)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	ctx := context.Background()
	if err := queue.Publish(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	delivery, err := queue.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	full, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := queue.Publish(full, []byte(`{}`)); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected full queue to reject publish, got %v", err)
	}

	if err := queue.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := queue.Publish(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("publish after ack: %v", err)
	}
}

func TestFileJobQueueReceiveTimesOutWhenEmpty(t *testing.T) {
	queue, err := NewFileJobQueue(filepath.Join(t.TempDir(), "jobs.json"), 1)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := queue.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
