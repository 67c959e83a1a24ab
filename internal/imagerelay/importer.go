package imagerelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const importSuccessMessage = "Images imported successfully"

// Lister discovers the image items of one remote folder.
type Lister interface {
	Name() string
	ContainerID(ref string) (string, error)
	ListImages(ctx context.Context, containerID string) ([]SourceItem, error)
}

type ImporterOptions struct {
	Store          AssetStore
	Publisher      *Publisher
	Sources        []Lister
	Logger         *zap.Logger
	Metrics        *Metrics
	PublishTimeout time.Duration
}

type Importer struct {
	store          AssetStore
	publisher      *Publisher
	sources        map[string]Lister
	logger         *zap.Logger
	metrics        *Metrics
	publishTimeout time.Duration
}

func NewImporter(opts ImporterOptions) *Importer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	sources := make(map[string]Lister, len(opts.Sources))
	for _, source := range opts.Sources {
		if source == nil {
			continue
		}
		sources[strings.ToLower(source.Name())] = source
	}
	return &Importer{
		store:          opts.Store,
		publisher:      opts.Publisher,
		sources:        sources,
		logger:         logger,
		metrics:        opts.Metrics,
		publishTimeout: publishTimeout,
	}
}

func (i *Importer) Sources() []string {
	names := make([]string, 0, len(i.sources))
	for name := range i.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImportFolder lists every image in the referenced folder, records the new
// ones and enqueues one job per newly recorded asset.
//
// A store failure skips the item and the batch continues. A publish failure
// still counts the item as queued for download; the asset is logged and
// counted in EnqueueFailed because nothing else remembers it.
func (i *Importer) ImportFolder(ctx context.Context, sourceName, folderRef string) (ImportResult, error) {
	source, ok := i.sources[strings.ToLower(strings.TrimSpace(sourceName))]
	if !ok {
		return ImportResult{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}
	if i.store == nil {
		return ImportResult{}, ErrPersistenceUnavailable
	}
	logger := i.logger.With(zap.String("source", source.Name()))

	containerID, err := source.ContainerID(folderRef)
	if err != nil {
		i.metrics.importFinished(source.Name(), "invalid_reference")
		return ImportResult{}, err
	}
	logger = logger.With(zap.String("container_id", containerID))

	items, err := source.ListImages(ctx, containerID)
	if err != nil {
		i.metrics.importFinished(source.Name(), "list_failed")
		return ImportResult{}, err
	}
	logger.Info("listed folder", zap.Int("images", len(items)))

	result := ImportResult{Message: importSuccessMessage, TotalImages: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			i.metrics.importFinished(source.Name(), "canceled")
			return result, err
		}
		inserted, err := i.store.TryInsert(ctx, Asset{
			ExternalID: item.ID,
			Name:       item.Name,
			Size:       item.Size,
			MimeType:   item.MimeType,
		})
		if err != nil {
			result.PersistFailed++
			i.metrics.importItem("persist_failed")
			logger.Warn("asset not recorded", zap.String("external_id", item.ID), zap.Error(err))
			continue
		}
		if !inserted {
			i.metrics.importItem("duplicate")
			continue
		}
		result.NewImages++
		result.QueuedForDownload++
		i.metrics.importItem("inserted")

		if err := i.publish(ctx, Job{ExternalID: item.ID, Name: item.Name}); err != nil {
			result.EnqueueFailed++
			i.metrics.importItem("enqueue_failed")
			logger.Error("job not enqueued, asset needs manual recovery",
				zap.String("external_id", item.ID),
				zap.String("name", item.Name),
				zap.Error(err),
			)
			continue
		}
		result.Enqueued++
		i.metrics.importItem("enqueued")
	}

	i.metrics.importFinished(source.Name(), "ok")
	logger.Info("import finished",
		zap.Int("total", result.TotalImages),
		zap.Int("new", result.NewImages),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("enqueue_failed", result.EnqueueFailed),
		zap.Int("persist_failed", result.PersistFailed),
	)
	return result, nil
}

func (i *Importer) publish(ctx context.Context, job Job) error {
	if i.publisher == nil {
		return ErrQueueUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, i.publishTimeout)
	defer cancel()
	err := i.publisher.Publish(ctx, job)
	if err != nil && !errors.Is(err, ErrQueueUnavailable) && !errors.Is(err, ErrMalformedJob) {
		err = fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return err
}
