package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/imagerelay/internal/amqpqueue"
	"github.com/agentworkforce/imagerelay/internal/cdn"
	"github.com/agentworkforce/imagerelay/internal/gdrive"
	"github.com/agentworkforce/imagerelay/internal/imagerelay"
	"github.com/agentworkforce/imagerelay/internal/logging"
)

type workerConfig struct {
	queueDSN          string
	storeDSN          string
	deadLetterDSN     string
	metricsAddr       string
	workers           int
	queueCapacity     int
	visibilityTimeout time.Duration
	transferTimeout   time.Duration
	retryBaseDelay    time.Duration
	retryAttempts     int
	prefix            string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	amqpqueue.Register()
	cfg := workerConfig{}
	flag.StringVar(&cfg.queueDSN, "queue", strings.TrimSpace(os.Getenv("IMAGERELAY_QUEUE_DSN")), "job queue DSN")
	flag.StringVar(&cfg.storeDSN, "store", strings.TrimSpace(os.Getenv("IMAGERELAY_STORE_DSN")), "asset store DSN")
	flag.StringVar(&cfg.deadLetterDSN, "dead-letter", strings.TrimSpace(os.Getenv("IMAGERELAY_DEAD_LETTER_DSN")), "dead letter queue DSN")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", strings.TrimSpace(os.Getenv("IMAGERELAY_METRICS_ADDR")), "metrics listen address")
	flag.IntVar(&cfg.workers, "workers", intEnv("IMAGERELAY_WORKERS", 4), "concurrent relays")
	flag.IntVar(&cfg.queueCapacity, "queue-capacity", intEnv("IMAGERELAY_QUEUE_CAPACITY", 0), "dead letter queue capacity")
	flag.DurationVar(&cfg.visibilityTimeout, "visibility-timeout", durationEnv("IMAGERELAY_VISIBILITY_TIMEOUT", 0), "redelivery delay for unacknowledged jobs")
	flag.DurationVar(&cfg.transferTimeout, "transfer-timeout", durationEnv("IMAGERELAY_TRANSFER_TIMEOUT", 60*time.Second), "per-attempt transfer timeout")
	flag.DurationVar(&cfg.retryBaseDelay, "retry-base-delay", durationEnv("IMAGERELAY_RETRY_BASE_DELAY", time.Second), "delay before the first retry")
	flag.IntVar(&cfg.retryAttempts, "retry-attempts", intEnv("IMAGERELAY_RETRY_ATTEMPTS", 3), "transfer attempts per job")
	flag.StringVar(&cfg.prefix, "prefix", envOrDefault("IMAGERELAY_STORAGE_PREFIX", "ASSIGNMENT_TASK"), "object path prefix")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Level:  os.Getenv("IMAGERELAY_LOG_LEVEL"),
		Format: os.Getenv("IMAGERELAY_LOG_FORMAT"),
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid worker configuration", zap.Error(err))
	}
	if err := run(logger, cfg); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func validateConfig(cfg workerConfig) error {
	if cfg.queueDSN == "" {
		return errors.New("queue DSN is required (--queue or IMAGERELAY_QUEUE_DSN)")
	}
	if cfg.storeDSN == "" {
		return errors.New("store DSN is required (--store or IMAGERELAY_STORE_DSN)")
	}
	if cfg.workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.workers)
	}
	if processLocalQueue(cfg.queueDSN) {
		return errors.New("memory and file queues are not shared between processes; use postgres or redis, or run the import server with IMAGERELAY_EMBEDDED_WORKER")
	}
	return nil
}

func processLocalQueue(dsn string) bool {
	scheme, _, found := strings.Cut(strings.TrimSpace(dsn), "://")
	if !found {
		return true
	}
	switch strings.ToLower(scheme) {
	case "memory", "mem", "inmem", "file":
		return true
	default:
		return false
	}
}

func run(logger *zap.Logger, cfg workerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := imagerelay.BuildJobQueueFromDSN(cfg.queueDSN, imagerelay.QueueOptions{
		VisibilityTimeout: cfg.visibilityTimeout,
		Prefetch:          cfg.workers,
	})
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	defer queue.Close()

	store, err := imagerelay.BuildAssetStoreFromDSN(cfg.storeDSN)
	if err != nil {
		return fmt.Errorf("asset store: %w", err)
	}
	defer store.Close()

	var deadLetter imagerelay.JobQueue
	if cfg.deadLetterDSN != "" {
		deadLetter, err = imagerelay.BuildJobQueueFromDSN(cfg.deadLetterDSN, imagerelay.QueueOptions{
			Name:     "image_jobs_dead",
			Capacity: cfg.queueCapacity,
		})
		if err != nil {
			return fmt.Errorf("dead letter queue: %w", err)
		}
		defer deadLetter.Close()
	}

	destination, err := cdn.NewDestination(ctx, destinationConfigFromEnv())
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := imagerelay.NewMetrics(registry)

	drive := gdrive.NewClient(gdrive.Options{
		APIKey: os.Getenv("GOOGLE_DRIVE_API_KEY"),
		Logger: logger.Named("gdrive"),
	})
	relay, err := imagerelay.NewRelay(imagerelay.RelayOptions{
		Source:          drive,
		Destination:     destination,
		Prefix:          cfg.prefix,
		TransferTimeout: cfg.transferTimeout,
		Retry: imagerelay.RetryPolicy{
			MaxAttempts: cfg.retryAttempts,
			BaseDelay:   cfg.retryBaseDelay,
		},
		Logger:  logger.Named("relay"),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	consumer, err := imagerelay.NewConsumer(imagerelay.ConsumerOptions{
		Queue:      queue,
		Relay:      relay,
		Store:      store,
		DeadLetter: deadLetter,
		Workers:    cfg.workers,
		Logger:     logger.Named("consumer"),
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	if cfg.metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker starting",
		zap.Int("workers", cfg.workers),
		zap.String("destination", envOrDefault("IMAGERELAY_DESTINATION", cdn.KindBunny)),
		zap.Bool("dead_letter", deadLetter != nil),
	)
	return consumer.Run(ctx)
}

func destinationConfigFromEnv() cdn.Config {
	return cdn.Config{
		Kind: envOrDefault("IMAGERELAY_DESTINATION", cdn.KindBunny),
		Bunny: cdn.BunnyOptions{
			StorageZone: os.Getenv("BUNNY_STORAGE_ZONE"),
			AccessKey:   os.Getenv("BUNNY_ACCESS_KEY"),
			CDNHostname: os.Getenv("BUNNY_CDN_HOSTNAME"),
		},
		S3: cdn.S3Options{
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			Bucket:        os.Getenv("S3_BUCKET"),
			Region:        os.Getenv("S3_REGION"),
			UseSSL:        boolEnv("S3_USE_SSL", true),
			PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		},
		CreateBucket: boolEnv("S3_CREATE_BUCKET", false),
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
