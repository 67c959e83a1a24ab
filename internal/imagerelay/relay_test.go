package imagerelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type scriptedSource struct {
	mu    sync.Mutex
	errs  []error
	body  string
	opens int
}

func (s *scriptedSource) Open(ctx context.Context, externalID string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, 0, err
		}
	}
	return io.NopCloser(strings.NewReader(s.body)), int64(len(s.body)), nil
}

type recordingDestination struct {
	mu      sync.Mutex
	objects map[string][]byte
	errs    []error
}

func newRecordingDestination() *recordingDestination {
	return &recordingDestination{objects: map[string][]byte{}}
}

func (d *recordingDestination) Put(ctx context.Context, objectPath string, body io.Reader, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size > 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	d.objects[objectPath] = data
	return nil
}

func (d *recordingDestination) PublicURL(objectPath string) string {
	return "https://cdn.example.com/" + objectPath
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, delay time.Duration) error {
	r.delays = append(r.delays, delay)
	return ctx.Err()
}

func newTestRelay(t *testing.T, source Source, destination Destination, sleeper *sleepRecorder) *Relay {
	t.Helper()
	relay, err := NewRelay(RelayOptions{
		Source:      source,
		Destination: destination,
		Retry:       RetryPolicy{Sleep: sleeper.sleep},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return relay
}

func TestRelayStreamsToDestination(t *testing.T) {
	source := &scriptedSource{body: "jpeg-bytes"}
	destination := newRecordingDestination()
	sleeper := &sleepRecorder{}
	relay := newTestRelay(t, source, destination, sleeper)

	url, err := relay.Relay(context.Background(), "f1", "cat.jpg")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if url != "https://cdn.example.com/ASSIGNMENT_TASK/cat.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
	if !bytes.Equal(destination.objects["ASSIGNMENT_TASK/cat.jpg"], []byte("jpeg-bytes")) {
		t.Fatalf("unexpected object contents %q", destination.objects["ASSIGNMENT_TASK/cat.jpg"])
	}
	if len(sleeper.delays) != 0 {
		t.Fatalf("expected no retries, got %v", sleeper.delays)
	}
}

func TestRelayRetriesTransientFailuresWithBackoff(t *testing.T) {
	source := &scriptedSource{
		body: "data",
		errs: []error{syscall.ECONNRESET, &StatusError{Endpoint: "drive", StatusCode: 503}},
	}
	destination := newRecordingDestination()
	sleeper := &sleepRecorder{}
	relay := newTestRelay(t, source, destination, sleeper)

	if _, err := relay.Relay(context.Background(), "f1", "a.jpg"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if source.opens != 3 {
		t.Fatalf("expected three opens, got %d", source.opens)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != time.Second || sleeper.delays[1] != 2*time.Second {
		t.Fatalf("expected delays [1s 2s], got %v", sleeper.delays)
	}
}

func TestRelayGivesUpAfterMaxAttempts(t *testing.T) {
	timeout := &net.OpError{Op: "read", Err: &timeoutError{}}
	destination := newRecordingDestination()
	destination.errs = []error{timeout, timeout, timeout, timeout}
	sleeper := &sleepRecorder{}
	relay := newTestRelay(t, &scriptedSource{body: "x"}, destination, sleeper)

	_, err := relay.Relay(context.Background(), "f1", "a.jpg")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempt(s)") {
		t.Fatalf("expected failure after 3 attempts, got %v", err)
	}
	if len(sleeper.delays) != 2 {
		t.Fatalf("expected no sleep after the final attempt, got %v", sleeper.delays)
	}
}

func TestRelayDoesNotRetryClientErrors(t *testing.T) {
	source := &scriptedSource{errs: []error{&StatusError{Endpoint: "drive", StatusCode: 404, Body: "not found"}}}
	sleeper := &sleepRecorder{}
	relay := newTestRelay(t, source, newRecordingDestination(), sleeper)

	_, err := relay.Relay(context.Background(), "f1", "a.jpg")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 404 {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if source.opens != 1 || len(sleeper.delays) != 0 {
		t.Fatalf("expected a single attempt, got %d opens and delays %v", source.opens, sleeper.delays)
	}
}

func TestRelayStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &scriptedSource{errs: []error{syscall.ECONNRESET}}
	relay := newTestRelay(t, source, newRecordingDestination(), &sleepRecorder{})
	cancel()

	_, err := relay.Relay(ctx, "f1", "a.jpg")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if source.opens != 1 {
		t.Fatalf("expected no retry after cancellation, got %d opens", source.opens)
	}
}

func TestRelayObjectPath(t *testing.T) {
	relay, err := NewRelay(RelayOptions{
		Source:      &scriptedSource{},
		Destination: newRecordingDestination(),
		Prefix:      "/uploads/",
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if got := relay.ObjectPath("/cat.jpg"); got != "uploads/cat.jpg" {
		t.Fatalf("unexpected object path %q", got)
	}
	if _, err := NewRelay(RelayOptions{Source: &scriptedSource{}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without destination, got %v", err)
	}
	if _, err := relay.Relay(context.Background(), "", "a.jpg"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestRelayBlankPrefixUsesDefault(t *testing.T) {
	for _, prefix := range []string{"", " ", "/", " // "} {
		relay, err := NewRelay(RelayOptions{
			Source:      &scriptedSource{},
			Destination: newRecordingDestination(),
			Prefix:      prefix,
		})
		if err != nil {
			t.Fatalf("new relay with prefix %q: %v", prefix, err)
		}
		if got := relay.ObjectPath("cat.jpg"); got != "ASSIGNMENT_TASK/cat.jpg" {
			t.Fatalf("prefix %q: unexpected object path %q", prefix, got)
		}
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("transfer: %w", context.DeadlineExceeded), true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "drive.google.com"}, true},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, true},
		{"server error", &StatusError{StatusCode: 502}, true},
		{"client error", &StatusError{StatusCode: 403}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 250 * time.Millisecond}.withDefaults()
	if policy.MaxAttempts != 3 {
		t.Fatalf("expected default of 3 attempts, got %d", policy.MaxAttempts)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	for i, expected := range want {
		if got := policy.retryDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	err := &StatusError{Endpoint: "https://storage.bunnycdn.com", StatusCode: 500, Body: strings.Repeat("x", 500)}
	if len(err.Error()) > 260 {
		t.Fatalf("expected truncated message, got %d chars", len(err.Error()))
	}
}
