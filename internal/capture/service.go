// Package capture accepts raw content at typing speed. A capture call
// validates, persists the chunk at inbox, announces it, and hands the
// processing work to the pool; it never waits on the LLM.
package capture

import (
	"context"
	"fmt"

	"komorebi/internal/events"
	"komorebi/internal/logging"
	"komorebi/internal/storage"
	"komorebi/internal/worker"
	"komorebi/pkg/types"
)

// Processor turns an inbox chunk into a processed one. Implemented by
// the compactor; injected so tests can substitute it.
type Processor interface {
	ProcessChunk(ctx context.Context, chunkID string) error
}

// Config bounds capture input
type Config struct {
	MaxContentBytes int
}

// Service is the capture entry point
type Service struct {
	cfg       Config
	chunks    storage.ChunkStore
	bus       *events.Bus
	pool      *worker.Pool
	processor Processor
	logger    logging.Logger
}

// NewService wires the capture pipeline
func NewService(cfg Config, chunks storage.ChunkStore, bus *events.Bus, pool *worker.Pool, processor Processor, logger logging.Logger) *Service {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = types.MaxContentBytes
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		cfg:       cfg,
		chunks:    chunks,
		bus:       bus,
		pool:      pool,
		processor: processor,
		logger:    logger.WithComponent("capture"),
	}
}

// Capture validates the draft, persists it at inbox, publishes
// chunk.created, and enqueues background processing. The chunk is
// returned as soon as it is durable. A full queue surfaces QueueFull
// to the caller, but the chunk stays persisted; the startup scan will
// pick it up.
func (s *Service) Capture(ctx context.Context, draft *types.ChunkDraft) (*types.Chunk, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: draft cannot be nil", types.ErrValidation)
	}
	if err := draft.Validate(s.cfg.MaxContentBytes); err != nil {
		return nil, err
	}

	chunk := types.NewChunk(draft)
	if traceID := logging.TraceID(ctx); traceID != "" && chunk.TraceID == nil {
		chunk.TraceID = &traceID
	}

	if err := s.chunks.CreateChunk(ctx, chunk); err != nil {
		return nil, err
	}

	event := types.NewEvent(types.EventChunkCreated).WithChunk(chunk.ID)
	if chunk.ProjectID != nil {
		event = event.WithProject(*chunk.ProjectID)
	}
	s.bus.Publish(event)

	if err := s.Requeue(ctx, chunk.ID); err != nil {
		s.logger.WarnContext(ctx, "chunk persisted but not enqueued",
			"chunk_id", chunk.ID, "error", err.Error())
		return chunk, err
	}

	s.logger.DebugContext(ctx, "chunk captured",
		"chunk_id", chunk.ID, "bytes", len(chunk.Content))
	return chunk, nil
}

// Requeue enqueues processing for an existing chunk. Used by Capture
// and by the startup inbox scan.
func (s *Service) Requeue(ctx context.Context, chunkID string) error {
	return s.pool.Enqueue(ctx, worker.Task{
		Name: "process_chunk",
		Run: func(taskCtx context.Context) error {
			return s.processor.ProcessChunk(taskCtx, chunkID)
		},
	})
}
