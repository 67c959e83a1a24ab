// Package amqpqueue carries image jobs over a RabbitMQ queue shared with
// other producers and consumers of image_jobs.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

const (
	DefaultQueueName    = "image_jobs"
	defaultPrefetch     = 4
	defaultPollInterval = 50 * time.Millisecond
	operationTimeout    = 5 * time.Second
)

// session is the subset of *amqp.Channel the queue uses.
type session interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type dialFunc func(dsn string) (session, io.Closer, error)

func dial(dsn string) (session, io.Closer, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return channel, conn, nil
}

// Register makes BuildJobQueueFromDSN resolve amqp:// and amqps:// DSNs to
// this package.
func Register() {
	factory := func(dsn string, opts imagerelay.QueueOptions) (imagerelay.JobQueue, error) {
		return New(dsn, opts)
	}
	imagerelay.RegisterJobQueueFactory("amqp", factory)
	imagerelay.RegisterJobQueueFactory("amqps", factory)
}

// Queue declares a durable, non-auto-deleted queue, publishes persistent
// messages and consumes with manual acknowledgement. The broker connection
// is opened on first use and reopened after any channel failure; deliveries
// left unacknowledged on a dropped channel are redelivered by the broker.
type Queue struct {
	dsn          string
	name         string
	capacity     int
	prefetch     int
	pollInterval time.Duration
	dial         dialFunc

	mu         sync.Mutex
	session    session
	conn       io.Closer
	generation int
	deliveries <-chan amqp.Delivery
	pending    map[string]amqp.Delivery
	closed     bool
}

func New(dsn string, opts imagerelay.QueueOptions) (*Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, imagerelay.ErrInvalidInput
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultQueueName
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &Queue{
		dsn:          dsn,
		name:         name,
		capacity:     opts.Capacity,
		prefetch:     prefetch,
		pollInterval: defaultPollInterval,
		dial:         dial,
		pending:      map[string]amqp.Delivery{},
	}, nil
}

func (q *Queue) Name() string {
	return q.name
}

// ensureSessionLocked dials and declares the queue. The declaration matches
// an amqplib assertQueue with default options.
func (q *Queue) ensureSessionLocked() (session, int, error) {
	if q.closed {
		return nil, 0, fmt.Errorf("%w: queue closed", imagerelay.ErrQueueUnavailable)
	}
	if q.session != nil {
		return q.session, q.generation, nil
	}
	ch, conn, err := q.dial(q.dsn)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: dial broker: %w", imagerelay.ErrQueueUnavailable, err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, 0, fmt.Errorf("%w: declare %s: %w", imagerelay.ErrQueueUnavailable, q.name, err)
	}
	q.session = ch
	q.conn = conn
	q.generation++
	return ch, q.generation, nil
}

// resetLocked drops a failed session. Its pending deliveries can no longer
// be acknowledged and will come back from the broker.
func (q *Queue) resetLocked() {
	if q.session != nil {
		_ = q.session.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
	q.session = nil
	q.conn = nil
	q.deliveries = nil
	q.pending = map[string]amqp.Delivery{}
}

// fail resets the session of the given generation unless another caller
// already replaced it.
func (q *Queue) fail(generation int, err error) error {
	q.mu.Lock()
	if q.generation == generation {
		q.resetLocked()
	}
	q.mu.Unlock()
	if errors.Is(err, imagerelay.ErrQueueUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", imagerelay.ErrQueueUnavailable, err)
}

// Publish waits while the queue holds Capacity or more ready messages. A
// zero Capacity leaves limits to the broker.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return imagerelay.ErrInvalidInput
	}
	for {
		q.mu.Lock()
		ch, generation, err := q.ensureSessionLocked()
		q.mu.Unlock()
		if err != nil {
			return err
		}
		if q.capacity > 0 {
			state, err := ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
			if err != nil {
				return q.fail(generation, err)
			}
			if state.Messages >= q.capacity {
				select {
				case <-ctx.Done():
					return fmt.Errorf("%w: %w", imagerelay.ErrQueueUnavailable, ctx.Err())
				case <-time.After(q.pollInterval):
				}
				continue
			}
		}
		publishCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		err = ch.PublishWithContext(publishCtx, "", q.name, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		})
		cancel()
		if err != nil {
			return q.fail(generation, err)
		}
		return nil
	}
}

func (q *Queue) Receive(ctx context.Context) (imagerelay.Delivery, error) {
	q.mu.Lock()
	deliveries, generation, err := q.consumeLocked()
	q.mu.Unlock()
	if err != nil {
		return imagerelay.Delivery{}, err
	}
	select {
	case <-ctx.Done():
		return imagerelay.Delivery{}, ctx.Err()
	case message, ok := <-deliveries:
		if !ok {
			return imagerelay.Delivery{}, q.fail(generation, errors.New("delivery channel closed"))
		}
		id := strconv.Itoa(generation) + "-" + strconv.FormatUint(message.DeliveryTag, 10)
		q.mu.Lock()
		if q.generation == generation {
			q.pending[id] = message
		}
		q.mu.Unlock()
		attempt := 1
		if message.Redelivered {
			attempt = 2
		}
		return imagerelay.Delivery{ID: id, Payload: message.Body, Attempt: attempt}, nil
	}
}

// consumeLocked starts the consumer once per session, after limiting
// unacknowledged deliveries to the prefetch count.
func (q *Queue) consumeLocked() (<-chan amqp.Delivery, int, error) {
	ch, generation, err := q.ensureSessionLocked()
	if err != nil {
		return nil, 0, err
	}
	if q.deliveries != nil {
		return q.deliveries, generation, nil
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		q.resetLocked()
		return nil, 0, fmt.Errorf("%w: qos: %w", imagerelay.ErrQueueUnavailable, err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		q.resetLocked()
		return nil, 0, fmt.Errorf("%w: consume %s: %w", imagerelay.ErrQueueUnavailable, q.name, err)
	}
	q.deliveries = deliveries
	return deliveries, generation, nil
}

func (q *Queue) Ack(_ context.Context, delivery imagerelay.Delivery) error {
	q.mu.Lock()
	message, ok := q.pending[delivery.ID]
	delete(q.pending, delivery.ID)
	q.mu.Unlock()
	if !ok {
		return imagerelay.ErrInvalidInput
	}
	if err := message.Ack(false); err != nil {
		generation, _, _ := strings.Cut(delivery.ID, "-")
		value, _ := strconv.Atoi(generation)
		return q.fail(value, err)
	}
	return nil
}

// Depth reports ready messages; deliveries held by consumers are not
// counted.
func (q *Queue) Depth() int {
	q.mu.Lock()
	ch, generation, err := q.ensureSessionLocked()
	q.mu.Unlock()
	if err != nil {
		return 0
	}
	state, err := ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		_ = q.fail(generation, err)
		return 0
	}
	return state.Messages
}

func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var err error
	if q.session != nil {
		err = q.session.Close()
	}
	if q.conn != nil {
		if closeErr := q.conn.Close(); err == nil {
			err = closeErr
		}
	}
	q.session = nil
	q.conn = nil
	q.deliveries = nil
	q.pending = map[string]amqp.Delivery{}
	return err
}
