package imagerelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelayer struct {
	mu    sync.Mutex
	calls []string
	err   error
	block bool
}

func (f *fakeRelayer) Relay(ctx context.Context, externalID, name string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, externalID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.example.com/ASSIGNMENT_TASK/" + name, nil
}

func (f *fakeRelayer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingURLSetter struct{}

func (failingURLSetter) SetStorageURL(context.Context, string, string) error {
	return ErrPersistenceUnavailable
}

// ackRecorder wraps a queue and records acknowledged delivery ids.
type ackRecorder struct {
	JobQueue
	mu    sync.Mutex
	acked []string
}

func (q *ackRecorder) Ack(ctx context.Context, delivery Delivery) error {
	q.mu.Lock()
	q.acked = append(q.acked, delivery.ID)
	q.mu.Unlock()
	return q.JobQueue.Ack(ctx, delivery)
}

func (q *ackRecorder) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func seededStore(t *testing.T, ids ...string) *InMemoryAssetStore {
	t.Helper()
	store := NewInMemoryAssetStore()
	for _, id := range ids {
		_, err := store.TryInsert(context.Background(), Asset{ExternalID: id, Name: id + ".jpg"})
		require.NoError(t, err)
	}
	return store
}

func TestConsumerHandleCompletesJob(t *testing.T) {
	store := seededStore(t, "f1")
	queue := &ackRecorder{JobQueue: NewInMemoryJobQueue(4)}
	metrics := NewMetrics(prometheus.NewRegistry())
	consumer, err := NewConsumer(ConsumerOptions{Queue: queue, Relay: &fakeRelayer{}, Store: store, Metrics: metrics})
	require.NoError(t, err)

	outcome := consumer.Handle(context.Background(), Delivery{ID: "d1", Payload: []byte(`{"google_drive_id":"f1","name":"f1.jpg"}`), Attempt: 1})
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, []string{"d1"}, queue.acked)

	assets, err := store.ListAssets(context.Background())
	require.NoError(t, err)
	require.NotNil(t, assets[0].StoragePath)
	assert.Equal(t, "https://cdn.example.com/ASSIGNMENT_TASK/f1.jpg", *assets[0].StoragePath)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.JobsInFlight))
	assert.Equal(t, 0, consumer.InFlight())
}

func TestConsumerAcksMalformedJobs(t *testing.T) {
	queue := &ackRecorder{JobQueue: NewInMemoryJobQueue(4)}
	relay := &fakeRelayer{}
	consumer, err := NewConsumer(ConsumerOptions{Queue: queue, Relay: relay, Store: NewInMemoryAssetStore()})
	require.NoError(t, err)

	for i, payload := range []string{`garbage`, `{"name":"x.jpg"}`} {
		outcome := consumer.Handle(context.Background(), Delivery{ID: string(rune('a' + i)), Payload: []byte(payload)})
		assert.Equal(t, OutcomeMalformed, outcome)
	}
	assert.Equal(t, 2, queue.ackCount())
	assert.Equal(t, 0, relay.callCount())
}

func TestConsumerAcksAndDeadLettersFailedRelays(t *testing.T) {
	queue := &ackRecorder{JobQueue: NewInMemoryJobQueue(4)}
	deadLetter := NewInMemoryJobQueue(4)
	consumer, err := NewConsumer(ConsumerOptions{
		Queue:      queue,
		Relay:      &fakeRelayer{err: &StatusError{StatusCode: 404}},
		Store:      seededStore(t, "f1"),
		DeadLetter: deadLetter,
	})
	require.NoError(t, err)

	payload := []byte(`{"google_drive_id":"f1","name":"f1.jpg"}`)
	outcome := consumer.Handle(context.Background(), Delivery{ID: "d1", Payload: payload})
	assert.Equal(t, OutcomeRelayFailed, outcome)
	assert.Equal(t, 1, queue.ackCount())

	dead, err := deadLetter.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(dead.Payload))
}

func TestConsumerAcksWhenStorageURLUpdateFails(t *testing.T) {
	queue := &ackRecorder{JobQueue: NewInMemoryJobQueue(4)}
	consumer, err := NewConsumer(ConsumerOptions{Queue: queue, Relay: &fakeRelayer{}, Store: failingURLSetter{}})
	require.NoError(t, err)

	outcome := consumer.Handle(context.Background(), Delivery{ID: "d1", Payload: []byte(`{"google_drive_id":"f1","name":"f1.jpg"}`)})
	assert.Equal(t, OutcomeUpdateFailed, outcome)
	assert.Equal(t, 1, queue.ackCount())
}

func TestConsumerLeavesInterruptedJobsUnacked(t *testing.T) {
	queue := &ackRecorder{JobQueue: NewInMemoryJobQueue(4)}
	consumer, err := NewConsumer(ConsumerOptions{Queue: queue, Relay: &fakeRelayer{block: true}, Store: seededStore(t, "f1")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	outcome := consumer.Handle(ctx, Delivery{ID: "d1", Payload: []byte(`{"google_drive_id":"f1","name":"f1.jpg"}`)})
	assert.Equal(t, OutcomeInterrupted, outcome)
	assert.Equal(t, 0, queue.ackCount())
}

func TestConsumerRunProcessesQueueUntilCanceled(t *testing.T) {
	store := seededStore(t, "f1", "f2", "f3")
	inner := NewInMemoryJobQueue(8)
	queue := &ackRecorder{JobQueue: inner}
	publisher := NewPublisher(queue)
	for _, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, publisher.Publish(context.Background(), Job{ExternalID: id, Name: id + ".jpg"}))
	}
	relay := &fakeRelayer{}
	consumer, err := NewConsumer(ConsumerOptions{Queue: queue, Relay: relay, Store: store, Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return queue.ackCount() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	assets, err := store.ListAssets(context.Background())
	require.NoError(t, err)
	for _, asset := range assets {
		require.NotNil(t, asset.StoragePath, "asset %s not relayed", asset.ExternalID)
	}
	assert.Equal(t, 3, relay.callCount())
}

func TestConsumerRunWithoutQueue(t *testing.T) {
	consumer, err := NewConsumer(ConsumerOptions{Relay: &fakeRelayer{}, Store: NewInMemoryAssetStore()})
	require.NoError(t, err)
	require.ErrorIs(t, consumer.Run(context.Background()), ErrQueueUnavailable)

	_, err = NewConsumer(ConsumerOptions{Store: NewInMemoryAssetStore()})
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMetricsRecordersAreNilSafe(t *testing.T) {
	var metrics *Metrics
	metrics.importFinished("google-drive", "ok")
	metrics.importItem("inserted")
	metrics.relayAttempt("success")
	metrics.relayObserved(1)
	metrics.jobFinished(OutcomeCompleted)
	metrics.jobsInFlight(1)
}

func TestRelayMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	sleeper := &sleepRecorder{}
	relay, err := NewRelay(RelayOptions{
		Source:      &scriptedSource{body: "x", errs: []error{&StatusError{StatusCode: 500}}},
		Destination: newRecordingDestination(),
		Retry:       RetryPolicy{Sleep: sleeper.sleep},
		Metrics:     metrics,
	})
	require.NoError(t, err)
	_, err = relay.Relay(context.Background(), "f1", "a.jpg")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RelayAttemptsTotal.WithLabelValues("retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RelayAttemptsTotal.WithLabelValues("success")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.RelayDuration))
}
