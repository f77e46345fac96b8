package worker

import (
	"context"
	"errors"

	"komorebi/internal/logging"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

const scanPageSize = 500

// ScanInbox walks chunks left at inbox (from a crash or an abandoned
// shutdown) and re-enqueues them for processing. The queue does not
// survive restarts, so this runs once at startup.
func ScanInbox(ctx context.Context, chunks storage.ChunkStore, enqueue func(ctx context.Context, chunkID string) error, logger logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	status := types.StatusInbox
	filter := &storage.ChunkFilter{Status: &status}

	requeued := 0
	for offset := 0; ; offset += scanPageSize {
		page, total, err := chunks.ListChunks(ctx, filter, scanPageSize, offset)
		if err != nil {
			return requeued, err
		}
		for _, chunk := range page {
			if err := enqueue(ctx, chunk.ID); err != nil {
				if errors.Is(err, types.ErrQueueFull) {
					logger.Warn("inbox scan stopped, queue full", "requeued", requeued, "total", total)
					return requeued, nil
				}
				return requeued, err
			}
			requeued++
		}
		if len(page) < scanPageSize {
			break
		}
	}
	if requeued > 0 {
		logger.Info("requeued inbox chunks from startup scan", "count", requeued)
	}
	return requeued, nil
}
