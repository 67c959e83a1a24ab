package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
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
	"github.com/agentworkforce/imagerelay/internal/httpapi"
	"github.com/agentworkforce/imagerelay/internal/imagerelay"
	"github.com/agentworkforce/imagerelay/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	amqpqueue.Register()
	logger, err := logging.New(logging.Config{
		Level:  os.Getenv("IMAGERELAY_LOG_LEVEL"),
		Format: os.Getenv("IMAGERELAY_LOG_FORMAT"),
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("imagerelay stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	addr := envOrDefault("IMAGERELAY_ADDR", ":3000")
	store, queue, err := buildBackendsFromEnv()
	if err != nil {
		return fmt.Errorf("initialize backends: %w", err)
	}
	defer store.Close()
	defer queue.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := imagerelay.NewMetrics(registry)

	drive := gdrive.NewClient(gdrive.Options{
		APIKey:      os.Getenv("GOOGLE_DRIVE_API_KEY"),
		ListTimeout: durationEnv("IMAGERELAY_LIST_TIMEOUT", 30*time.Second),
		PageDelay:   durationEnv("IMAGERELAY_PAGE_DELAY", 0),
		Logger:      logger.Named("gdrive"),
	})
	importer := imagerelay.NewImporter(imagerelay.ImporterOptions{
		Store:     store,
		Publisher: imagerelay.NewPublisher(queue),
		Sources:   []imagerelay.Lister{drive},
		Logger:    logger.Named("importer"),
		Metrics:   metrics,
	})
	server := httpapi.NewServerWithConfig(importer, store, httpapi.ServerConfig{
		RateLimitMax:    intEnv("IMAGERELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("IMAGERELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("IMAGERELAY_MAX_BODY_BYTES", 0),
		ImportTimeout:   durationEnv("IMAGERELAY_IMPORT_TIMEOUT", 10*time.Minute),
		Metrics:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Queue:           queue,
		StaticDir:       strings.TrimSpace(os.Getenv("IMAGERELAY_STATIC_DIR")),
		Logger:          logger.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)
	if boolEnv("IMAGERELAY_EMBEDDED_WORKER", false) {
		consumer, err := buildEmbeddedConsumer(ctx, logger, drive, queue, store, metrics)
		if err != nil {
			return fmt.Errorf("initialize embedded worker: %w", err)
		}
		go func() { workerDone <- consumer.Run(ctx) }()
	} else {
		workerDone <- nil
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("imagerelay listening", zap.String("addr", addr), zap.Strings("sources", importer.Sources()))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	stop()
	return <-workerDone
}

// buildEmbeddedConsumer relays jobs inside the import process, which is the
// only way the memory and durable-local queues reach a consumer.
func buildEmbeddedConsumer(ctx context.Context, logger *zap.Logger, drive *gdrive.Client, queue imagerelay.JobQueue, store imagerelay.AssetStore, metrics *imagerelay.Metrics) (*imagerelay.Consumer, error) {
	destination, err := cdn.NewDestination(ctx, destinationConfigFromEnv())
	if err != nil {
		return nil, err
	}
	relay, err := imagerelay.NewRelay(imagerelay.RelayOptions{
		Source:          drive,
		Destination:     destination,
		Prefix:          envOrDefault("IMAGERELAY_STORAGE_PREFIX", "ASSIGNMENT_TASK"),
		TransferTimeout: durationEnv("IMAGERELAY_TRANSFER_TIMEOUT", 60*time.Second),
		Retry: imagerelay.RetryPolicy{
			MaxAttempts: intEnv("IMAGERELAY_RETRY_ATTEMPTS", 3),
			BaseDelay:   durationEnv("IMAGERELAY_RETRY_BASE_DELAY", time.Second),
		},
		Logger:  logger.Named("relay"),
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	return imagerelay.NewConsumer(imagerelay.ConsumerOptions{
		Queue:   queue,
		Relay:   relay,
		Store:   store,
		Workers: intEnv("IMAGERELAY_WORKERS", 4),
		Logger:  logger.Named("consumer"),
		Metrics: metrics,
	})
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

func buildBackendsFromEnv() (imagerelay.AssetStore, imagerelay.JobQueue, error) {
	profileStoreDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	storeDSN := envOrDefault("IMAGERELAY_STORE_DSN", profileStoreDSN)
	queueDSN := envOrDefault("IMAGERELAY_QUEUE_DSN", profileQueueDSN)
	if storeDSN == "" {
		storeDSN = "memory://"
	}
	if queueDSN == "" {
		queueDSN = "memory://"
	}

	store, err := imagerelay.BuildAssetStoreFromDSN(storeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("asset store: %w", err)
	}
	queue, err := imagerelay.BuildJobQueueFromDSN(queueDSN, imagerelay.QueueOptions{
		Capacity:          intEnv("IMAGERELAY_QUEUE_CAPACITY", 0),
		VisibilityTimeout: durationEnv("IMAGERELAY_VISIBILITY_TIMEOUT", 0),
		Prefetch:          intEnv("IMAGERELAY_WORKERS", 4),
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("job queue: %w", err)
	}
	return store, queue, nil
}

func storageProfileDefaultsFromEnv() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("IMAGERELAY_BACKEND_PROFILE")))
	dataDir := envOrDefault("IMAGERELAY_DATA_DIR", ".imagerelay")
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("IMAGERELAY_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("IMAGERELAY_POSTGRES_DSN is required when IMAGERELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "assets.json"),
			"file://" + filepath.Join(dataDir, "job-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported IMAGERELAY_BACKEND_PROFILE: %s", profile)
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

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
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
