package imagerelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type JobOutcome string

const (
	OutcomeCompleted    JobOutcome = "completed"
	OutcomeMalformed    JobOutcome = "malformed"
	OutcomeRelayFailed  JobOutcome = "relay_failed"
	OutcomeUpdateFailed JobOutcome = "update_failed"
	// OutcomeInterrupted leaves the delivery unacknowledged for the queue
	// to redeliver after shutdown.
	OutcomeInterrupted JobOutcome = "interrupted"
)

const (
	defaultConsumerWorkers = 4
	defaultReceiveBackoff  = time.Second
	ackTimeout             = 5 * time.Second
)

type Relayer interface {
	Relay(ctx context.Context, externalID, name string) (string, error)
}

type StorageURLSetter interface {
	SetStorageURL(ctx context.Context, externalID, url string) error
}

type ConsumerOptions struct {
	Queue JobQueue
	Relay Relayer
	Store StorageURLSetter
	// DeadLetter receives the payload of jobs whose relay failed. When nil,
	// failed jobs are acknowledged and dropped.
	DeadLetter     JobQueue
	Workers        int
	ReceiveBackoff time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Consumer runs a fixed pool of workers, each handling one delivery at a
// time, so at most Workers relays are in flight. Every handled delivery is
// acknowledged whatever its outcome, except when shutdown interrupts it.
type Consumer struct {
	queue          JobQueue
	relay          Relayer
	store          StorageURLSetter
	deadLetter     JobQueue
	workers        int
	receiveBackoff time.Duration
	logger         *zap.Logger
	metrics        *Metrics
	inFlight       atomic.Int64
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Relay == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultConsumerWorkers
	}
	backoff := opts.ReceiveBackoff
	if backoff <= 0 {
		backoff = defaultReceiveBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:          opts.Queue,
		relay:          opts.Relay,
		store:          opts.Store,
		deadLetter:     opts.DeadLetter,
		workers:        workers,
		receiveBackoff: backoff,
		logger:         logger,
		metrics:        opts.Metrics,
	}, nil
}

func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// Run blocks until ctx is done. It returns ErrQueueUnavailable without
// starting any worker when no queue is attached.
func (c *Consumer) Run(ctx context.Context) error {
	if c.queue == nil {
		return ErrQueueUnavailable
	}
	c.logger.Info("consumer started", zap.Int("workers", c.workers))
	var wg sync.WaitGroup
	for worker := 0; worker < c.workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, c.logger.With(zap.Int("worker", worker)))
		}(worker)
	}
	wg.Wait()
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) work(ctx context.Context, logger *zap.Logger) {
	for {
		delivery, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("receive failed", zap.Error(err))
			if sleepContext(ctx, c.receiveBackoff) != nil {
				return
			}
			continue
		}
		c.Handle(ctx, delivery)
	}
}

// Handle processes one delivery: decode, relay, record the storage URL,
// acknowledge.
func (c *Consumer) Handle(ctx context.Context, delivery Delivery) JobOutcome {
	c.inFlight.Add(1)
	c.metrics.jobsInFlight(1)
	defer func() {
		c.inFlight.Add(-1)
		c.metrics.jobsInFlight(-1)
	}()

	outcome := c.process(ctx, delivery)
	c.metrics.jobFinished(outcome)
	if outcome != OutcomeInterrupted {
		c.ack(ctx, delivery)
	}
	return outcome
}

func (c *Consumer) process(ctx context.Context, delivery Delivery) JobOutcome {
	logger := c.logger.With(zap.String("delivery_id", delivery.ID), zap.Int("attempt", delivery.Attempt))
	job, err := decodeJob(delivery.Payload)
	if err != nil {
		logger.Warn("dropping malformed job", zap.Error(err))
		return OutcomeMalformed
	}
	logger = logger.With(zap.String("external_id", job.ExternalID), zap.String("name", job.Name))

	url, err := c.relay.Relay(ctx, job.ExternalID, job.Name)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("relay interrupted by shutdown", zap.Error(err))
			return OutcomeInterrupted
		}
		logger.Error("relay failed, job dropped", zap.Error(err))
		c.deadLetterJob(ctx, logger, delivery)
		return OutcomeRelayFailed
	}
	// The object is already uploaded; finish recording it even during shutdown.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.store.SetStorageURL(updateCtx, job.ExternalID, url); err != nil {
		logger.Error("storage url not recorded", zap.String("url", url), zap.Error(err))
		return OutcomeUpdateFailed
	}
	logger.Info("job completed", zap.String("url", url))
	return OutcomeCompleted
}

func (c *Consumer) deadLetterJob(ctx context.Context, logger *zap.Logger, delivery Delivery) {
	if c.deadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.deadLetter.Publish(ctx, delivery.Payload); err != nil {
		logger.Error("dead letter publish failed", zap.Error(err))
	}
}

func (c *Consumer) ack(ctx context.Context, delivery Delivery) {
	if c.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.queue.Ack(ctx, delivery); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("ack failed", zap.String("delivery_id", delivery.ID), zap.Error(err))
	}
}
