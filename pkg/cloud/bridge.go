package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/trailsense/edge-gateway/pkg/models"
	"github.com/trailsense/edge-gateway/pkg/store"
)

// Bridge drains batches of queue items through the cloud API and applies the
// resulting status transitions.
type Bridge struct {
	api      API
	queue    store.SyncQueueStore
	spoolDir string
}

// NewBridge creates a cloud transport bridge. spoolDir is where image/video
// payload bytes live on disk.
func NewBridge(api API, queue store.SyncQueueStore, spoolDir string) *Bridge {
	return &Bridge{api: api, queue: queue, spoolDir: spoolDir}
}

// UploadBatch attempts to sync one batch. If the cloud endpoint is
// unreachable the whole batch is skipped and items stay pending for the
// next cycle; unreachability is not rejection. Telemetry items are shipped
// in a single batched call; other types upload individually.
func (b *Bridge) UploadBatch(ctx context.Context, items []*models.QueueItem) {
	if len(items) == 0 {
		return
	}

	if !b.api.HealthCheck(ctx) {
		slog.Info("cloud unreachable, deferring batch", "items", len(items))
		return
	}

	var telemetry []*models.QueueItem
	for _, item := range items {
		if item.ItemType == models.ItemTypeTelemetry {
			telemetry = append(telemetry, item)
			continue
		}
		b.uploadOne(ctx, item)
	}

	if len(telemetry) > 0 {
		b.uploadTelemetryBatch(ctx, telemetry)
	}
}

func (b *Bridge) uploadOne(ctx context.Context, item *models.QueueItem) {
	if err := b.queue.MarkSyncing(item.ID); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return // claimed elsewhere or already terminal
		}
		slog.Error("claiming queue item failed", "item", item.ID, "error", err)
		return
	}

	var err error
	switch item.ItemType {
	case models.ItemTypeDetection:
		err = b.api.UploadDetection(ctx, item.Payload)
	case models.ItemTypeImage:
		err = b.uploadMedia(ctx, item, false)
	case models.ItemTypeVideo:
		err = b.uploadMedia(ctx, item, true)
	default:
		err = fmt.Errorf("unknown item type %q", item.ItemType)
	}

	b.finish(item, err)
}

func (b *Bridge) uploadMedia(ctx context.Context, item *models.QueueItem, video bool) error {
	var meta models.ImageMetadata
	if err := json.Unmarshal(item.Payload, &meta); err != nil {
		return fmt.Errorf("decoding media metadata: %w", err)
	}

	data, err := os.ReadFile(meta.SpoolPath)
	if err != nil {
		return fmt.Errorf("reading spooled media: %w", err)
	}

	if video {
		if err := b.api.UploadVideo(ctx, data, item.Payload); err != nil {
			return err
		}
	} else {
		url, err := b.api.UploadImage(ctx, data, item.Payload)
		if err != nil {
			return err
		}
		if url != "" {
			slog.Debug("image uploaded", "item", item.ID, "url", url)
		}
	}

	// The cloud has the bytes; the local spool copy is no longer needed.
	if err := os.Remove(meta.SpoolPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("removing spooled media failed", "path", meta.SpoolPath, "error", err)
	}
	return nil
}

func (b *Bridge) uploadTelemetryBatch(ctx context.Context, items []*models.QueueItem) {
	claimed := items[:0]
	readings := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if err := b.queue.MarkSyncing(item.ID); err != nil {
			if !errors.Is(err, store.ErrNotPending) {
				slog.Error("claiming queue item failed", "item", item.ID, "error", err)
			}
			continue
		}
		claimed = append(claimed, item)
		readings = append(readings, item.Payload)
	}
	if len(claimed) == 0 {
		return
	}

	err := b.api.UploadTelemetry(ctx, readings)
	for _, item := range claimed {
		b.finish(item, err)
	}
}

func (b *Bridge) finish(item *models.QueueItem, uploadErr error) {
	if uploadErr == nil {
		if err := b.queue.MarkSynced(item.ID); err != nil {
			slog.Error("marking item synced failed", "item", item.ID, "error", err)
		}
		return
	}

	slog.Warn("upload failed", "item", item.ID, "type", item.ItemType,
		"retry", item.RetryCount, "error", uploadErr)
	if err := b.queue.MarkFailedRetry(item.ID, uploadErr); err != nil {
		slog.Error("recording failed attempt failed", "item", item.ID, "error", err)
	}
}
