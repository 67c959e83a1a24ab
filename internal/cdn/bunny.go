// Package cdn uploads relayed assets to object storage.
package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

const (
	DefaultBunnyEndpoint = "https://storage.bunnycdn.com"
	maxErrorBody         = 4 << 10
)

type BunnyOptions struct {
	Endpoint    string
	StorageZone string
	AccessKey   string
	CDNHostname string
	HTTPClient  *http.Client
}

// BunnyStorage writes objects with the Bunny Storage HTTP API.
type BunnyStorage struct {
	endpoint    string
	zone        string
	accessKey   string
	cdnHostname string
	httpClient  *http.Client
}

func NewBunnyStorage(opts BunnyOptions) (*BunnyStorage, error) {
	zone := strings.Trim(strings.TrimSpace(opts.StorageZone), "/")
	if zone == "" {
		return nil, fmt.Errorf("%w: bunny storage zone is required", imagerelay.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.AccessKey) == "" {
		return nil, fmt.Errorf("%w: bunny access key is required", imagerelay.ErrInvalidInput)
	}
	host := strings.TrimSpace(opts.CDNHostname)
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	host = strings.TrimRight(host, "/")
	if host == "" {
		return nil, fmt.Errorf("%w: bunny cdn hostname is required", imagerelay.ErrInvalidInput)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultBunnyEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &BunnyStorage{
		endpoint:    endpoint,
		zone:        zone,
		accessKey:   strings.TrimSpace(opts.AccessKey),
		cdnHostname: host,
		httpClient:  httpClient,
	}, nil
}

func (b *BunnyStorage) Put(ctx context.Context, objectPath string, body io.Reader, size int64) error {
	target := b.endpoint + "/" + url.PathEscape(b.zone) + "/" + escapePath(objectPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return err
	}
	if size > 0 {
		req.ContentLength = size
	}
	req.Header.Set("AccessKey", b.accessKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &imagerelay.StatusError{Endpoint: b.endpoint, StatusCode: resp.StatusCode, Body: string(payload)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *BunnyStorage) PublicURL(objectPath string) string {
	return "https://" + b.cdnHostname + "/" + escapePath(objectPath)
}

func escapePath(objectPath string) string {
	segments := strings.Split(strings.TrimLeft(objectPath, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
