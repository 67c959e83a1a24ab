package imagerelay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisStream       = "image_jobs"
	defaultRedisGroup        = "imagerelay-workers"
	defaultRedisBlockTimeout = 2 * time.Second
	defaultRedisClaimMinIdle = 5 * time.Minute
	redisPayloadField        = "payload"
	maxPendingCheck          = 10
	redisOperationTimeout    = 5 * time.Second
)

// RedisJobQueue is a Redis Streams queue with one consumer group. Entries
// stay pending until acknowledged; pending entries idle for longer than
// the claim threshold are reclaimed by the next receiver.
type RedisJobQueue struct {
	client       *redis.Client
	ownsClient   bool
	stream       string
	group        string
	consumerID   string
	capacity     int
	blockTimeout time.Duration
	claimMinIdle time.Duration
	pollInterval time.Duration

	groupMu    sync.Mutex
	groupReady bool
}

func NewRedisJobQueue(client *redis.Client, opts QueueOptions) (*RedisJobQueue, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	stream := strings.TrimSpace(opts.Name)
	if stream == "" {
		stream = defaultRedisStream
	}
	group := strings.TrimSpace(opts.Group)
	if group == "" {
		group = defaultRedisGroup
	}
	consumerID := strings.TrimSpace(opts.ConsumerID)
	if consumerID == "" {
		consumerID = "imagerelay-" + uuid.NewString()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	claimMinIdle := opts.VisibilityTimeout
	if claimMinIdle <= 0 {
		claimMinIdle = defaultRedisClaimMinIdle
	}
	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerID:   consumerID,
		capacity:     capacity,
		blockTimeout: defaultRedisBlockTimeout,
		claimMinIdle: claimMinIdle,
		pollInterval: 50 * time.Millisecond,
	}, nil
}

// NewRedisJobQueueFromDSN accepts redis://[user:pass@]host:port/db with
// optional stream, group and consumer query parameters.
func NewRedisJobQueueFromDSN(dsn string, opts QueueOptions) (*RedisJobQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	if value := query.Get("stream"); value != "" && opts.Name == "" {
		opts.Name = value
	}
	if value := query.Get("group"); value != "" && opts.Group == "" {
		opts.Group = value
	}
	if value := query.Get("consumer"); value != "" && opts.ConsumerID == "" {
		opts.ConsumerID = value
	}
	query.Del("stream")
	query.Del("group")
	query.Del("consumer")
	parsed.RawQuery = query.Encode()

	redisOpts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	q, err := NewRedisJobQueue(redis.NewClient(redisOpts), opts)
	if err != nil {
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create consumer group: %w", ErrQueueUnavailable, err)
	}
	q.groupReady = true
	return nil
}

func (q *RedisJobQueue) Publish(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidInput
	}
	for {
		depth, err := q.client.XLen(ctx, q.stream).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		if depth < int64(q.capacity) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrQueueUnavailable, ctx.Err())
		case <-time.After(q.pollInterval):
		}
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{redisPayloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisJobQueue) Receive(ctx context.Context) (Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return Delivery{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if delivery, ok, err := q.reclaimPending(ctx); err != nil {
			return Delivery{}, err
		} else if ok {
			return delivery, nil
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumerID,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Delivery{}, ctxErr
			}
			return Delivery{}, fmt.Errorf("%w: read stream %s: %w", ErrQueueUnavailable, q.stream, err)
		}
		for _, stream := range streams {
			if len(stream.Messages) > 0 {
				return redisDelivery(stream.Messages[0], 1), nil
			}
		}
	}
}

// reclaimPending claims one entry left pending by a consumer that stopped
// before acknowledging it.
func (q *RedisJobQueue) reclaimPending(ctx context.Context) (Delivery, bool, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, fmt.Errorf("%w: pending %s: %w", ErrQueueUnavailable, q.stream, err)
	}
	for _, entry := range pending {
		if entry.Idle < q.claimMinIdle {
			continue
		}
		messages, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumerID,
			MinIdle:  q.claimMinIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Delivery{}, false, fmt.Errorf("%w: claim %s: %w", ErrQueueUnavailable, entry.ID, err)
		}
		if len(messages) > 0 {
			return redisDelivery(messages[0], int(entry.RetryCount)+1), true, nil
		}
	}
	return Delivery{}, false, nil
}

func redisDelivery(message redis.XMessage, attempt int) Delivery {
	var payload []byte
	switch value := message.Values[redisPayloadField].(type) {
	case string:
		payload = []byte(value)
	case []byte:
		payload = value
	}
	return Delivery{ID: message.ID, Payload: payload, Attempt: attempt}
}

// Ack acknowledges the entry and deletes it so XLEN tracks outstanding work.
func (q *RedisJobQueue) Ack(ctx context.Context, delivery Delivery) error {
	if strings.TrimSpace(delivery.ID) == "" {
		return ErrInvalidInput
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, delivery.ID)
		pipe.XDel(ctx, q.stream, delivery.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ack %s: %w", ErrQueueUnavailable, delivery.ID, err)
	}
	return nil
}

func (q *RedisJobQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisJobQueue) Capacity() int {
	return q.capacity
}

func (q *RedisJobQueue) ConsumerID() string {
	return q.consumerID
}

func (q *RedisJobQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}
