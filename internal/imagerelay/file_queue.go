package imagerelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fileJobQueue persists pending and in-flight messages to a JSON file.
// In-flight messages that were never acknowledged are redelivered when the
// file is reopened.
type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []fileQueueItem
	inFlight     map[string]fileQueueItem
	closed       bool
}

type fileQueueItem struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Deliveries int             `json:"deliveries"`
}

type fileJobQueueState struct {
	Items    []fileQueueItem `json:"items"`
	InFlight []fileQueueItem `json:"inFlight,omitempty"`
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []fileQueueItem{},
		inFlight:     map[string]fileQueueItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) tryPublish(item fileQueueItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	}
	if len(q.items)+len(q.inFlight) >= q.capacity {
		return false, nil
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return true, nil
}

func (q *fileJobQueue) Publish(ctx context.Context, payload []byte) error {
	if !json.Valid(payload) {
		return ErrInvalidInput
	}
	item := fileQueueItem{ID: uuid.NewString(), Payload: append(json.RawMessage(nil), payload...)}
	for {
		ok, err := q.tryPublish(item)
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

func (q *fileJobQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
		}
		if len(q.items) > 0 {
			item := q.items[0]
			item.Deliveries++
			q.items = q.items[1:]
			q.inFlight[item.ID] = item
			if err := q.saveLocked(); err != nil {
				delete(q.inFlight, item.ID)
				item.Deliveries--
				q.items = append([]fileQueueItem{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Delivery{}, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return Delivery{ID: item.ID, Payload: []byte(item.Payload), Attempt: item.Deliveries}, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Ack(_ context.Context, delivery Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inFlight[delivery.ID]
	if !ok {
		return nil
	}
	delete(q.inFlight, delivery.ID)
	if err := q.saveLocked(); err != nil {
		q.inFlight[delivery.ID] = item
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Unacknowledged deliveries from a previous process go back to the front.
	q.items = append(append([]fileQueueItem(nil), snapshot.InFlight...), snapshot.Items...)
	if len(snapshot.InFlight) > 0 {
		return q.saveLocked()
	}
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	snapshot := fileJobQueueState{
		Items: append([]fileQueueItem(nil), q.items...),
	}
	for _, item := range q.inFlight {
		snapshot.InFlight = append(snapshot.InFlight, item)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
