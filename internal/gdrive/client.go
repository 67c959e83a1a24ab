// Package gdrive lists and downloads files from public Google Drive folders.
package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

const (
	SourceName         = "google-drive"
	DefaultAPIBaseURL  = "https://www.googleapis.com"
	DefaultDownloadURL = "https://drive.google.com/uc"

	defaultListTimeout = 30 * time.Second
	defaultPageDelay   = 100 * time.Millisecond
	listFields         = "files(id,name,mimeType,size),nextPageToken"
	maxErrorBody       = 4 << 10
)

var folderIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`folders/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`\?id=([a-zA-Z0-9_-]+)`),
}

type Options struct {
	APIKey      string
	APIBaseURL  string
	DownloadURL string
	HTTPClient  *http.Client
	ListTimeout time.Duration
	// PageDelay is waited before fetching each page after the first. Zero
	// uses the default; a negative value disables the delay.
	PageDelay time.Duration
	Logger    *zap.Logger
}

type Client struct {
	apiKey      string
	apiBaseURL  string
	downloadURL string
	httpClient  *http.Client
	listTimeout time.Duration
	pageDelay   time.Duration
	logger      *zap.Logger
}

func NewClient(opts Options) *Client {
	apiBaseURL := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	downloadURL := strings.TrimSpace(opts.DownloadURL)
	if downloadURL == "" {
		downloadURL = DefaultDownloadURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	listTimeout := opts.ListTimeout
	if listTimeout <= 0 {
		listTimeout = defaultListTimeout
	}
	pageDelay := opts.PageDelay
	if pageDelay < 0 {
		pageDelay = 0
	} else if pageDelay == 0 {
		pageDelay = defaultPageDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		apiBaseURL:  apiBaseURL,
		downloadURL: downloadURL,
		httpClient:  httpClient,
		listTimeout: listTimeout,
		pageDelay:   pageDelay,
		logger:      logger,
	}
}

func (c *Client) Name() string {
	return SourceName
}

// ContainerID extracts the folder id from a Drive folder URL, a /d/ file
// URL or an ?id= URL.
func (c *Client) ContainerID(ref string) (string, error) {
	return FolderID(ref)
}

func FolderID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty folder reference", imagerelay.ErrInvalidSourceReference)
	}
	for _, pattern := range folderIDPatterns {
		if match := pattern.FindStringSubmatch(ref); len(match) == 2 {
			return match[1], nil
		}
	}
	return "", fmt.Errorf("%w: no folder id in %q", imagerelay.ErrInvalidSourceReference, ref)
}

// ListImages drains every page of the folder into one ordered slice.
func (c *Client) ListImages(ctx context.Context, folderID string) ([]imagerelay.SourceItem, error) {
	pages := c.Pages(folderID)
	items := []imagerelay.SourceItem{}
	for pages.Next(ctx) {
		items = append(items, pages.Page().Items...)
	}
	if err := pages.Err(); err != nil {
		return nil, err
	}
	c.logger.Debug("folder listed",
		zap.String("folder_id", folderID),
		zap.Int("pages", pages.Count()),
		zap.Int("images", len(items)),
	)
	return items, nil
}

// Pages returns a fresh iterator over the folder listing. Iterators are
// single use.
func (c *Client) Pages(folderID string) *PageIterator {
	return &PageIterator{client: c, folderID: strings.TrimSpace(folderID)}
}

type PageIterator struct {
	client   *Client
	folderID string
	token    string
	count    int
	done     bool
	page     imagerelay.Page
	err      error
}

// Next fetches the following page. It returns false when the listing is
// exhausted or a fetch failed; check Err afterwards.
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.folderID == "" {
		it.err = fmt.Errorf("%w: empty folder id", imagerelay.ErrInvalidSourceReference)
		return false
	}
	if it.count > 0 {
		if err := sleepContext(ctx, it.client.pageDelay); err != nil {
			it.err = err
			return false
		}
	}
	page, err := it.client.fetchPage(ctx, it.folderID, it.token)
	if err != nil {
		it.err = err
		return false
	}
	it.count++
	if it.count == 1 && len(page.Items) == 0 && page.NextToken == "" {
		it.err = fmt.Errorf("%w: folder %s has no images; make sure the folder is public and contains images",
			imagerelay.ErrNoItemsFound, it.folderID)
		return false
	}
	it.page = page
	it.token = page.NextToken
	if it.token == "" {
		it.done = true
	}
	return true
}

func (it *PageIterator) Page() imagerelay.Page {
	return it.page
}

func (it *PageIterator) Err() error {
	return it.err
}

func (it *PageIterator) Count() int {
	return it.count
}

type listResponse struct {
	Files []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Size     string `json:"size"`
	} `json:"files"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *Client) fetchPage(ctx context.Context, folderID, pageToken string) (imagerelay.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("q", fmt.Sprintf("'%s' in parents", folderID))
	query.Set("fields", listFields)
	query.Set("key", c.apiKey)
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	endpoint := c.apiBaseURL + "/drive/v3/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return imagerelay.Page{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return imagerelay.Page{}, fmt.Errorf("%w: list folder %s: %w", imagerelay.ErrSourceUnavailable, folderID, stripURL(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return imagerelay.Page{}, fmt.Errorf("%w: %w", imagerelay.ErrSourceUnavailable, statusError(endpoint, resp))
	}
	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return imagerelay.Page{}, fmt.Errorf("%w: decode listing: %w", imagerelay.ErrSourceUnavailable, err)
	}

	page := imagerelay.Page{Items: []imagerelay.SourceItem{}, NextToken: strings.TrimSpace(payload.NextPageToken)}
	for _, file := range payload.Files {
		if !strings.HasPrefix(file.MimeType, "image/") {
			continue
		}
		page.Items = append(page.Items, imagerelay.SourceItem{
			ID:       file.ID,
			Name:     file.Name,
			MimeType: file.MimeType,
			Size:     parseSize(file.Size),
		})
	}
	return page, nil
}

// Open streams the raw bytes of a Drive file. The caller closes the body.
func (c *Client) Open(ctx context.Context, fileID string) (io.ReadCloser, int64, error) {
	query := url.Values{}
	query.Set("export", "download")
	query.Set("id", fileID)
	query.Set("confirm", "t")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downloadURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", fileID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, 0, statusError(c.downloadURL, resp)
	}
	return resp.Body, resp.ContentLength, nil
}

func statusError(endpoint string, resp *http.Response) *imagerelay.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &imagerelay.StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
}

// stripURL drops the request URL, which carries the API key, from transport errors.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func parseSize(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
