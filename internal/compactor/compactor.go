// Package compactor turns raw chunks into summaries and folds project
// summaries upward through bounded recursive map-reduce. It is the only
// component besides bulk actions that mutates chunk status.
package compactor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"komorebi/internal/events"
	"komorebi/internal/llm"
	"komorebi/internal/logging"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

const (
	// DefaultContextThresholdBytes triggers recursive reduction when the
	// joined summaries exceed it.
	DefaultContextThresholdBytes = 12000

	// DefaultMaxDepth bounds recursive reduction
	DefaultMaxDepth = 3

	// DefaultMinBatch is the minimum processed-chunk count before a
	// project compaction does anything.
	DefaultMinBatch = 5

	// DefaultReduceBatchSize is how many texts each reduce call folds
	DefaultReduceBatchSize = 5

	// DefaultFallbackSummaryChars bounds the deterministic summary used
	// when the LLM is down.
	DefaultFallbackSummaryChars = 240

	// DefaultCooldown is the minimum gap between compactions of one project
	DefaultCooldown = 5 * time.Minute

	// DefaultTriggerChunkCount triggers compaction on processed-chunk count
	DefaultTriggerChunkCount = 20

	// DefaultContextWindowTokens approximates the local model's window
	// for the token-budget trigger.
	DefaultContextWindowTokens = 8192

	summaryJoiner = "\n---\n"
)

// Config tunes compaction behaviour
type Config struct {
	ContextThresholdBytes int
	MaxDepth              int
	MinBatch              int
	ReduceBatchSize       int
	FallbackSummaryChars  int
	Cooldown              time.Duration
	TriggerChunkCount     int
	ContextWindowTokens   int
}

func (c Config) withDefaults() Config {
	if c.ContextThresholdBytes <= 0 {
		c.ContextThresholdBytes = DefaultContextThresholdBytes
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MinBatch <= 0 {
		c.MinBatch = DefaultMinBatch
	}
	if c.ReduceBatchSize <= 0 {
		c.ReduceBatchSize = DefaultReduceBatchSize
	}
	if c.FallbackSummaryChars <= 0 {
		c.FallbackSummaryChars = DefaultFallbackSummaryChars
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.TriggerChunkCount <= 0 {
		c.TriggerChunkCount = DefaultTriggerChunkCount
	}
	if c.ContextWindowTokens <= 0 {
		c.ContextWindowTokens = DefaultContextWindowTokens
	}
	return c
}

// ExtractFunc enqueues entity extraction for a processed chunk.
// Optional; processing succeeds without it.
type ExtractFunc func(ctx context.Context, chunkID string) error

// Compactor owns chunk processing and project compaction
type Compactor struct {
	cfg     Config
	store   storage.Store
	llm     llm.Client
	bus     *events.Bus
	extract ExtractFunc
	logger  logging.Logger

	// one mutex per project so overlapping compactions cannot produce
	// inconsistent depth counters
	projectLocks sync.Map
}

// New creates a compactor
func New(cfg Config, store storage.Store, client llm.Client, bus *events.Bus, extract ExtractFunc, logger logging.Logger) *Compactor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Compactor{
		cfg:     cfg.withDefaults(),
		store:   store,
		llm:     client,
		bus:     bus,
		extract: extract,
		logger:  logger.WithComponent("compactor"),
	}
}

// ProcessChunk summarises one inbox chunk and moves it to processed.
// When the LLM is down it falls back to a deterministic summary so the
// pipeline never stalls on an outage. Chunks past inbox are a no-op.
func (c *Compactor) ProcessChunk(ctx context.Context, chunkID string) error {
	chunk, err := c.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	if chunk.Status != types.StatusInbox {
		return nil
	}

	anchor := c.anchorFor(ctx, chunk.ProjectID)

	var summary string
	if c.llm.Available(ctx) {
		summary, err = c.llm.Summarize(ctx, chunk.Content, c.cfg.FallbackSummaryChars, anchor)
		if err != nil {
			c.logger.WarnContext(ctx, "summarise failed, using fallback",
				"chunk_id", chunkID, "error", err.Error())
			summary = ""
		}
	}
	if summary == "" {
		summary = FallbackSummary(chunk.Content, c.cfg.FallbackSummaryChars)
	}

	tokenCount := llm.EstimateTokens(chunk.Content)
	status := types.StatusProcessed
	updated, err := c.store.UpdateChunk(ctx, chunkID, &types.ChunkPatch{
		Summary:    &summary,
		TokenCount: &tokenCount,
		Status:     &status,
	})
	if err != nil {
		return err
	}

	event := types.NewEvent(types.EventChunkUpdated).WithChunk(chunkID).
		WithPayload("status", string(types.StatusProcessed))
	if updated.ProjectID != nil {
		event = event.WithProject(*updated.ProjectID)
	}
	c.bus.Publish(event)

	if c.extract != nil {
		if err := c.extract(ctx, chunkID); err != nil {
			c.logger.WarnContext(ctx, "entity extraction not enqueued",
				"chunk_id", chunkID, "error", err.Error())
		}
	}
	return nil
}

// CompactProject folds all processed chunks of a project into its
// context summary. The summary write and the chunk transitions form one
// logical commit: an LLM failure leaves everything at processed and
// publishes compaction.failed.
func (c *Compactor) CompactProject(ctx context.Context, projectID string) error {
	lock := c.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	chunks, err := c.processedChunks(ctx, projectID)
	if err != nil {
		return err
	}
	if len(chunks) < c.cfg.MinBatch {
		c.logger.DebugContext(ctx, "skipping compaction, batch too small",
			"project_id", projectID, "processed", len(chunks), "min_batch", c.cfg.MinBatch)
		return nil
	}

	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Summary != nil && *chunk.Summary != "" {
			summaries = append(summaries, *chunk.Summary)
		}
	}

	anchor := anchorText(project)
	joined := strings.Join(summaries, summaryJoiner)

	var contextSummary string
	if len(joined) > c.cfg.ContextThresholdBytes {
		contextSummary, err = c.recursiveReduce(ctx, summaries, 0, anchor)
	} else {
		contextSummary, err = c.llm.Generate(ctx, projectSummaryPrompt(joined), anchor, 0)
	}
	if err != nil {
		c.bus.Publish(types.NewEvent(types.EventCompactionFailed).
			WithProject(projectID).
			WithPayload("error", err.Error()))
		return fmt.Errorf("compact project %s: %w", projectID, err)
	}

	now := time.Now().UTC()
	project.ContextSummary = &contextSummary
	// Depth saturates at the cap; re-compacting a fully compacted
	// project refreshes the summary without deepening it.
	if project.CompactionDepth < c.cfg.MaxDepth {
		project.CompactionDepth++
	}
	project.LastCompactionAt = &now
	if err := c.store.UpdateProject(ctx, project); err != nil {
		return err
	}

	compacted := types.StatusCompacted
	for _, chunk := range chunks {
		if _, err := c.store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Status: &compacted}); err != nil {
			c.logger.ErrorContext(ctx, "chunk transition failed after summary persist",
				"chunk_id", chunk.ID, "error", err.Error())
		}
	}

	c.bus.Publish(types.NewEvent(types.EventCompactionComplete).
		WithProject(projectID).
		WithPayload("depth", project.CompactionDepth).
		WithPayload("chunks", len(chunks)))

	c.logger.InfoContext(ctx, "project compacted",
		"project_id", projectID, "chunks", len(chunks), "depth", project.CompactionDepth)
	return nil
}

// ShouldCompact applies the trigger heuristic: token budget at 75% of
// the context window, or more than the chunk-count threshold, outside
// the cooldown window.
func (c *Compactor) ShouldCompact(ctx context.Context, projectID string) (bool, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if project.LastCompactionAt != nil && time.Since(*project.LastCompactionAt) < c.cfg.Cooldown {
		return false, nil
	}

	chunks, err := c.processedChunks(ctx, projectID)
	if err != nil {
		return false, err
	}
	if len(chunks) > c.cfg.TriggerChunkCount {
		return true, nil
	}

	tokens := 0
	for _, chunk := range chunks {
		if chunk.Summary != nil {
			tokens += llm.EstimateTokens(*chunk.Summary)
		}
	}
	return tokens*4 > c.cfg.ContextWindowTokens*3, nil
}

// recursiveReduce partitions texts into batches, reduces each, and
// recurses while the joined result still exceeds the threshold. Depth
// is bounded; at the cap the last reduce is accepted even if oversize.
func (c *Compactor) recursiveReduce(ctx context.Context, texts []string, depth int, anchor string) (string, error) {
	batches := partition(texts, c.cfg.ReduceBatchSize)
	reduced := make([]string, 0, len(batches))
	for _, batch := range batches {
		out, err := c.llm.Generate(ctx, reducePrompt(batch), anchor, 0)
		if err != nil {
			return "", err
		}
		reduced = append(reduced, out)
	}

	if len(reduced) == 1 {
		return reduced[0], nil
	}

	joined := strings.Join(reduced, summaryJoiner)
	if len(joined) > c.cfg.ContextThresholdBytes && depth+1 < c.cfg.MaxDepth {
		return c.recursiveReduce(ctx, reduced, depth+1, anchor)
	}
	return c.llm.Generate(ctx, reducePrompt(reduced), anchor, 0)
}

func (c *Compactor) processedChunks(ctx context.Context, projectID string) ([]*types.Chunk, error) {
	status := types.StatusProcessed
	filter := &storage.ChunkFilter{Status: &status, ProjectID: &projectID}

	var all []*types.Chunk
	for offset := 0; ; offset += storage.MaxListLimit {
		page, _, err := c.store.ListChunks(ctx, filter, storage.MaxListLimit, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < storage.MaxListLimit {
			return all, nil
		}
	}
}

func (c *Compactor) lockFor(projectID string) *sync.Mutex {
	lock, _ := c.projectLocks.LoadOrStore(projectID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// anchorFor builds the system anchor for a chunk's project, or returns
// an empty anchor for loose chunks.
func (c *Compactor) anchorFor(ctx context.Context, projectID *string) string {
	if projectID == nil {
		return ""
	}
	project, err := c.store.GetProject(ctx, *projectID)
	if err != nil {
		return ""
	}
	return anchorText(project)
}

// anchorText is the preamble bound to every prompt so recursive levels
// stay anchored to the project's domain.
func anchorText(project *types.Project) string {
	if project.Description != "" {
		return fmt.Sprintf("You are summarising project %q whose goal is: %s", project.Name, project.Description)
	}
	return fmt.Sprintf("You are summarising project %q.", project.Name)
}

func projectSummaryPrompt(joined string) string {
	return "Produce a single coherent summary of the project notes below. Keep decisions, open problems, and references.\n\n" + joined
}

func reducePrompt(batch []string) string {
	return "Merge the following summaries into one shorter summary, preserving key facts and decisions.\n\n" +
		strings.Join(batch, summaryJoiner)
}

func partition(texts []string, size int) [][]string {
	if size <= 0 {
		size = DefaultReduceBatchSize
	}
	var batches [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[start:end])
	}
	return batches
}

// FallbackSummary returns the first maxChars of content trimmed back to
// a word boundary. Deterministic, used when the LLM is unavailable.
func FallbackSummary(content string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultFallbackSummaryChars
	}
	trimmed := strings.TrimSpace(content)
	if len(trimmed) <= maxChars {
		return trimmed
	}
	cut := trimmed[:maxChars]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
