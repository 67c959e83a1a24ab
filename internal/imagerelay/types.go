package imagerelay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSourceReference = errors.New("invalid source reference")
	ErrNoItemsFound           = errors.New("no items found")
	ErrSourceUnavailable      = errors.New("source unavailable")
	ErrUnknownSource          = errors.New("unknown source")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrQueueUnavailable       = errors.New("queue unavailable")
	ErrMalformedJob           = errors.New("malformed job")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotImplemented         = errors.New("not implemented")
)

// StatusError reports a non-success response from a remote HTTP endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, body)
}

type Asset struct {
	ID          int64   `json:"-" db:"id"`
	ExternalID  string  `json:"external_id" db:"google_drive_id"`
	Name        string  `json:"name" db:"name"`
	Size        int64   `json:"size" db:"size"`
	MimeType    string  `json:"mime_type" db:"mime_type"`
	StoragePath *string `json:"storage_path" db:"storage_path"`
}

// Job is the queue payload. The field names are shared with existing
// producers and consumers and must not change.
type Job struct {
	ExternalID string `json:"google_drive_id"`
	Name       string `json:"name"`
}

func (j Job) validate() error {
	if strings.TrimSpace(j.ExternalID) == "" {
		return fmt.Errorf("%w: missing google_drive_id", ErrMalformedJob)
	}
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedJob)
	}
	return nil
}

type SourceItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type Page struct {
	Items     []SourceItem
	NextToken string
}

type ImportResult struct {
	Message           string `json:"message"`
	TotalImages       int    `json:"totalImages"`
	QueuedForDownload int    `json:"queuedForDownload"`
	NewImages         int    `json:"newImages"`
	Enqueued          int    `json:"enqueued"`
	EnqueueFailed     int    `json:"enqueueFailed"`
	PersistFailed     int    `json:"persistFailed"`
}
