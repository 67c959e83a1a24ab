package imagerelay

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestBuildJobQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildJobQueueFromDSN("memory://", QueueOptions{Capacity: 7})
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil job queue")
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected queue capacity 7, got %d", queue.Capacity())
	}
}

func TestBuildJobQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job-queue.json")
	queue, err := BuildJobQueueFromDSN("file://"+path, QueueOptions{Capacity: 9})
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	defer queue.Close()
	if queue.Capacity() != 9 {
		t.Fatalf("expected file queue capacity 9, got %d", queue.Capacity())
	}
}

func TestBuildJobQueueFromDSNRedis(t *testing.T) {
	server := miniredis.RunT(t)
	queue, err := BuildJobQueueFromDSN("redis://"+server.Addr()+"/0", QueueOptions{Capacity: 5})
	if err != nil {
		t.Fatalf("build redis queue failed: %v", err)
	}
	defer queue.Close()
	if _, ok := queue.(*RedisJobQueue); !ok {
		t.Fatalf("expected *RedisJobQueue, got %T", queue)
	}
}

func TestBuildJobQueueFromDSNEmpty(t *testing.T) {
	queue, err := BuildJobQueueFromDSN("  ", QueueOptions{})
	if err != nil || queue != nil {
		t.Fatalf("expected nil queue and nil error for empty dsn, got %v, %v", queue, err)
	}
}

func TestBuildJobQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	for _, dsn := range []string{"amqp://localhost", "nats://localhost:4222", "kafka://broker:9092"} {
		if _, err := BuildJobQueueFromDSN(dsn, QueueOptions{}); !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("expected not implemented error for %s, got %v", dsn, err)
		}
	}
	if _, err := BuildJobQueueFromDSN("carrier-pigeon://coop", QueueOptions{}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildAssetStoreFromDSN(t *testing.T) {
	store, err := BuildAssetStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := store.(*InMemoryAssetStore); !ok {
		t.Fatalf("expected *InMemoryAssetStore, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "assets.json")
	store, err = BuildAssetStoreFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	if _, ok := store.(*FileAssetStore); !ok {
		t.Fatalf("expected *FileAssetStore, got %T", store)
	}

	if _, err := BuildAssetStoreFromDSN("sqlite://assets.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for sqlite, got %v", err)
	}
	if _, err := BuildAssetStoreFromDSN("cassandra://cluster"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestDSNPath(t *testing.T) {
	cases := map[string]string{
		"file:///var/lib/imagerelay/assets.json": "/var/lib/imagerelay/assets.json",
		"file://.imagerelay/assets.json":         ".imagerelay/assets.json",
		"data/job-queue.json":                    "data/job-queue.json",
		"file:assets.json":                       "assets.json",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil {
			t.Fatalf("dsnPath(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("dsnPath(%q) = %q, want %q", raw, got, want)
		}
	}
	if _, err := dsnPath(&url.URL{Scheme: "file"}, "file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty file dsn, got %v", err)
	}
}

func TestRegisterAssetStoreFactory(t *testing.T) {
	scheme := "storetestcustom"
	RegisterAssetStoreFactory(scheme, func(dsn string) (AssetStore, error) {
		return NewInMemoryAssetStore(), nil
	})
	store, err := BuildAssetStoreFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build asset store via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestRegisterJobQueueFactory(t *testing.T) {
	scheme := "QueueTestCustom"
	var gotName string
	RegisterJobQueueFactory(scheme, func(dsn string, opts QueueOptions) (JobQueue, error) {
		gotName = opts.Name
		return NewInMemoryJobQueue(opts.Capacity), nil
	})
	queue, err := BuildJobQueueFromDSN("queuetestcustom://example", QueueOptions{Name: "image_jobs", Capacity: 17})
	if err != nil {
		t.Fatalf("build job queue via registered factory failed: %v", err)
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
	if gotName != "image_jobs" {
		t.Fatalf("expected options to reach the factory, got name %q", gotName)
	}
}
