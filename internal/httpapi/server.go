package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

type Importer interface {
	ImportFolder(ctx context.Context, source, folderRef string) (imagerelay.ImportResult, error)
	Sources() []string
}

type AssetLister interface {
	ListAssets(ctx context.Context) ([]imagerelay.Asset, error)
}

// QueueStats is implemented by job queues that can report their backlog.
type QueueStats interface {
	Depth() int
	Capacity() int
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	ImportTimeout   time.Duration
	MaxListLimit    int
	Metrics         http.Handler
	Queue           QueueStats
	StaticDir       string
	Logger          *zap.Logger
}

type Server struct {
	importer    Importer
	assets      AssetLister
	cfg         ServerConfig
	rateLimiter *rateLimiter
	static      http.Handler
	logger      *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(importer Importer, assets AssetLister) *Server {
	return NewServerWithConfig(importer, assets, ServerConfig{})
}

func NewServerWithConfig(importer Importer, assets AssetLister, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = 10 * time.Minute
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var static http.Handler
	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		static = http.FileServer(http.Dir(dir))
	}
	return &Server{
		importer:    importer,
		assets:      assets,
		cfg:         cfg,
		rateLimiter: limiter,
		static:      static,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil:
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	case path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
		return
	case path == "/images" && r.Method == http.MethodGet:
		s.handleListImages(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 2 && parts[0] == "import" && r.Method == http.MethodPost {
		s.handleImport(w, r, parts[1], correlationID)
		return
	}
	if s.static != nil && r.Method == http.MethodGet {
		s.static.ServeHTTP(w, r)
		return
	}
	if path == "" {
		s.handleDashboard(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

type importRequest struct {
	FolderURL string `json:"folderUrl"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, source, correlationID string) {
	if s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "importer is not configured", correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	var req importRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.FolderURL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "folderUrl required", correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ImportTimeout)
	defer cancel()
	logger := s.logger.With(zap.String("correlation_id", correlationID), zap.String("source", source))
	result, err := s.importer.ImportFolder(ctx, source, req.FolderURL)
	if err != nil {
		status, code := importErrorStatus(err)
		if status >= 500 {
			logger.Error("import failed", zap.Error(err))
		} else {
			logger.Info("import rejected", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func importErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, imagerelay.ErrUnknownSource):
		return http.StatusNotFound, "unknown_source"
	case errors.Is(err, imagerelay.ErrInvalidSourceReference):
		return http.StatusBadRequest, "invalid_source_reference"
	case errors.Is(err, imagerelay.ErrNoItemsFound):
		return http.StatusBadRequest, "no_items_found"
	case errors.Is(err, imagerelay.ErrSourceUnavailable):
		var statusErr *imagerelay.StatusError
		if errors.As(err, &statusErr) {
			return http.StatusBadRequest, "source_unavailable"
		}
		return http.StatusInternalServerError, "source_unreachable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type assetResponse struct {
	Name          string  `json:"name"`
	ExternalID    string  `json:"external_id"`
	GoogleDriveID string  `json:"google_drive_id"`
	Size          int64   `json:"size"`
	MimeType      string  `json:"mime_type"`
	StoragePath   *string `json:"storage_path"`
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "asset store is not configured", correlationID)
		return
	}
	assets, err := s.assets.ListAssets(r.Context())
	if err != nil {
		s.logger.Error("list images failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), s.cfg.MaxListLimit, 1, s.cfg.MaxListLimit)
	if len(assets) > limit {
		assets = assets[:limit]
	}
	resp := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		resp = append(resp, assetResponse{
			Name:          asset.Name,
			ExternalID:    asset.ExternalID,
			GoogleDriveID: asset.ExternalID,
			Size:          asset.Size,
			MimeType:      asset.MimeType,
			StoragePath:   asset.StoragePath,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := map[string]any{"status": "ok"}
	if s.importer != nil {
		resp["sources"] = s.importer.Sources()
	}
	if s.cfg.Queue != nil {
		resp["queueDepth"] = s.cfg.Queue.Depth()
		resp["queueCapacity"] = s.cfg.Queue.Capacity()
	}
	writeJSON(w, http.StatusOK, resp)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return forwarded
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error":         message,
		"code":          code,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
