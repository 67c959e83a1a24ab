package imagerelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	postgresJobQueueTableName = "imagerelay_job_queue"
	postgresQueueKey          = "image_jobs"
	postgresQueuePollInterval = 10 * time.Millisecond
	defaultVisibilityTimeout  = 5 * time.Minute
)

// PostgresJobQueue leases rows with FOR UPDATE SKIP LOCKED. A received row
// stays invisible until its lease expires; Ack deletes it.
type PostgresJobQueue struct {
	dsn               string
	tableName         string
	queueKey          string
	capacity          int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	openDB            sqlOpenFunc

	initMu sync.Mutex
	db     *sqlx.DB
	closed bool
}

func NewPostgresJobQueue(dsn string, opts QueueOptions) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	queueKey := strings.TrimSpace(opts.Name)
	if queueKey == "" {
		queueKey = postgresQueueKey
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &PostgresJobQueue{
		dsn:               dsn,
		tableName:         postgresJobQueueTableName,
		queueKey:          queueKey,
		capacity:          capacity,
		pollInterval:      postgresQueuePollInterval,
		visibilityTimeout: visibility,
		openDB:            sqlx.Open,
	}, nil
}

func (q *PostgresJobQueue) ensureReady() (*sqlx.DB, error) {
	if q == nil {
		return nil, ErrQueueUnavailable
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	}
	if q.db != nil {
		return q.db, nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			leased_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	indexName := q.tableName + "_queue_key_id_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	q.db = db
	return db, nil
}

func (q *PostgresJobQueue) tryPublish(ctx context.Context, payload string) (bool, error) {
	db, err := q.ensureReady()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.GetContext(ctx, &depth, countQuery, q.queueKey); err != nil {
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if depth >= q.capacity {
		return false, nil
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, payload); err != nil {
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	committed = true
	return true, nil
}

func (q *PostgresJobQueue) Publish(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidInput
	}
	for {
		ok, err := q.tryPublish(ctx, string(payload))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrQueueUnavailable, ctx.Err())
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		delivery, ok, err := q.tryReceive(ctx)
		if err != nil && ctx.Err() == nil {
			return Delivery{}, err
		}
		if ok {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) tryReceive(ctx context.Context) (Delivery, bool, error) {
	db, err := q.ensureReady()
	if err != nil {
		return Delivery{}, false, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Delivery{}, false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload, deliveries
		FROM %s
		WHERE queue_key = $1 AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var row struct {
		ID         int64  `db:"id"`
		Payload    string `db:"payload"`
		Deliveries int    `db:"deliveries"`
	}
	err = tx.GetContext(ctx, &row, query, q.queueKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	leaseQuery := fmt.Sprintf(
		"UPDATE %s SET deliveries = deliveries + 1, leased_until = NOW() + make_interval(secs => $1) WHERE id = $2",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := tx.ExecContext(ctx, leaseQuery, q.visibilityTimeout.Seconds(), row.ID); err != nil {
		return Delivery{}, false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return Delivery{}, false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	committed = true
	return Delivery{
		ID:      strconv.FormatInt(row.ID, 10),
		Payload: []byte(row.Payload),
		Attempt: row.Deliveries + 1,
	}, true, nil
}

func (q *PostgresJobQueue) Ack(ctx context.Context, delivery Delivery) error {
	id, err := strconv.ParseInt(delivery.ID, 10, 64)
	if err != nil {
		return ErrInvalidInput
	}
	db, err := q.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *PostgresJobQueue) Depth() int {
	db, err := q.ensureReady()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := db.GetContext(ctx, &depth, query, q.queueKey); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	q.initMu.Lock()
	defer q.initMu.Unlock()
	q.closed = true
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}
