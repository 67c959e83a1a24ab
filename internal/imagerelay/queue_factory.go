package imagerelay

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type QueueOptions struct {
	// Name is the stream or queue key; defaults to image_jobs.
	Name              string
	Group             string
	ConsumerID        string
	Capacity          int
	VisibilityTimeout time.Duration
	// Prefetch bounds unacknowledged deliveries on brokers that push
	// messages; set it to the consumer's worker count.
	Prefetch int
}

func BuildJobQueueFromDSN(dsn string, opts QueueOptions) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, opts.Capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(opts.Capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, opts)
	case "redis", "rediss":
		return NewRedisJobQueueFromDSN(dsn, opts)
	case "amqp", "amqps", "nats", "sqs", "kafka":
		// amqp reaches this case only when amqpqueue.Register was not called.
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

func BuildAssetStoreFromDSN(dsn string) (AssetStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupAssetStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileAssetStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryAssetStore(), nil
	case "postgres", "postgresql":
		return NewPostgresAssetStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: asset store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported asset store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// file://relative/dir/x.json parses "relative" as the host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
