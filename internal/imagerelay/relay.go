package imagerelay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultStoragePrefix   = "ASSIGNMENT_TASK"
	defaultTransferTimeout = 60 * time.Second
)

// Source opens the byte stream of one remote asset. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, externalID string) (body io.ReadCloser, size int64, err error)
}

// Destination stores a stream under objectPath and knows the public URL it
// will be served from.
type Destination interface {
	Put(ctx context.Context, objectPath string, body io.Reader, size int64) error
	PublicURL(objectPath string) string
}

type RelayOptions struct {
	Source          Source
	Destination     Destination
	Prefix          string
	TransferTimeout time.Duration
	Retry           RetryPolicy
	Logger          *zap.Logger
	Metrics         *Metrics
}

// Relay copies assets from a Source to a Destination. The download is piped
// directly into the upload; nothing is buffered in full.
type Relay struct {
	source          Source
	destination     Destination
	prefix          string
	transferTimeout time.Duration
	retry           RetryPolicy
	logger          *zap.Logger
	metrics         *Metrics
}

func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Source == nil || opts.Destination == nil {
		return nil, fmt.Errorf("%w: relay needs a source and a destination", ErrInvalidInput)
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = defaultStoragePrefix
	}
	timeout := opts.TransferTimeout
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:          opts.Source,
		destination:     opts.Destination,
		prefix:          prefix,
		transferTimeout: timeout,
		retry:           opts.Retry.withDefaults(),
		logger:          logger,
		metrics:         opts.Metrics,
	}, nil
}

func (r *Relay) ObjectPath(name string) string {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if r.prefix == "" {
		return name
	}
	return r.prefix + "/" + name
}

// Relay transfers one asset and returns its public URL. Transient failures
// are retried per the relay's RetryPolicy; anything else fails immediately.
func (r *Relay) Relay(ctx context.Context, externalID, name string) (string, error) {
	if strings.TrimSpace(externalID) == "" || strings.TrimSpace(name) == "" {
		return "", ErrInvalidInput
	}
	objectPath := r.ObjectPath(name)
	logger := r.logger.With(zap.String("external_id", externalID), zap.String("object_path", objectPath))
	started := time.Now()
	defer func() {
		r.metrics.relayObserved(time.Since(started).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		err := r.transfer(ctx, externalID, objectPath)
		if err == nil {
			r.metrics.relayAttempt("success")
			return r.destination.PublicURL(objectPath), nil
		}
		if ctx.Err() != nil {
			r.metrics.relayAttempt("canceled")
			return "", fmt.Errorf("relay %s: %w", externalID, ctx.Err())
		}
		if attempt >= r.retry.MaxAttempts || !IsRetryable(err) {
			r.metrics.relayAttempt("failed")
			return "", fmt.Errorf("relay %s after %d attempt(s): %w", externalID, attempt, err)
		}
		r.metrics.relayAttempt("retry")
		delay := r.retry.retryDelay(attempt)
		logger.Warn("transient relay failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if waitErr := r.retry.Sleep(ctx, delay); waitErr != nil {
			return "", fmt.Errorf("relay %s: %w", externalID, waitErr)
		}
	}
}

func (r *Relay) transfer(ctx context.Context, externalID, objectPath string) error {
	ctx, cancel := context.WithTimeout(ctx, r.transferTimeout)
	defer cancel()

	body, size, err := r.source.Open(ctx, externalID)
	if err != nil {
		return err
	}
	defer body.Close()
	return r.destination.Put(ctx, objectPath, body, size)
}
