// Package extractor pulls structured entities out of chunk content,
// through the LLM's JSON mode when it is up and through regex rules
// when it is not. Extraction is best-effort: it never blocks the
// pipeline and never touches chunk status.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"komorebi/internal/events"
	"komorebi/internal/llm"
	"komorebi/internal/logging"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

const (
	// DefaultFallbackMinConfidence is the lower acceptance threshold used
	// when the regex path runs, trading precision for recall. Applied per
	// deployment, not per call.
	DefaultFallbackMinConfidence = 0.5

	// DefaultContextWindowChars bounds the context snippet stored per
	// entity when no size is configured.
	DefaultContextWindowChars = 100

	urlConfidence    = 0.95
	errorConfidence  = 0.5
	toolIDConfidence = 0.7
)

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	errorPattern = regexp.MustCompile(`(?im)^.*\b(?:error|exception|panic|fatal|traceback)\b[:\s].*$`)
	// backtick-quoted command lines, the common way tools are cited in notes
	toolPattern = regexp.MustCompile("`([^`\n]{2,120})`")
)

// Config tunes extraction thresholds
type Config struct {
	MinConfidence         float64
	FallbackMinConfidence float64
	ContextWindowChars    int
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = types.MinEntityConfidence
	}
	if c.FallbackMinConfidence <= 0 {
		c.FallbackMinConfidence = DefaultFallbackMinConfidence
	}
	if c.ContextWindowChars <= 0 {
		c.ContextWindowChars = DefaultContextWindowChars
	}
	return c
}

// Extractor runs entity extraction for processed chunks
type Extractor struct {
	cfg    Config
	store  storage.Store
	llm    llm.Client
	bus    *events.Bus
	logger logging.Logger
}

// New creates an extractor
func New(cfg Config, store storage.Store, client llm.Client, bus *events.Bus, logger logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Extractor{
		cfg:    cfg.withDefaults(),
		store:  store,
		llm:    client,
		bus:    bus,
		logger: logger.WithComponent("extractor"),
	}
}

// candidate is a pre-persistence extraction result
type candidate struct {
	Type       types.EntityType
	Value      string
	Confidence float64
}

// Extract pulls entities from one chunk and persists them. LLM and
// parse failures degrade to the regex path; only storage failures are
// returned. Re-running on the same chunk is idempotent.
func (e *Extractor) Extract(ctx context.Context, chunkID string) error {
	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	candidates, threshold := e.gather(ctx, chunk)

	kept := make([]candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if cand.Value == "" || cand.Confidence < threshold {
			continue
		}
		key := string(cand.Type) + "\x00" + cand.Value
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, cand)
	}
	if len(kept) == 0 {
		return nil
	}

	projectID := ""
	if chunk.ProjectID != nil {
		projectID = *chunk.ProjectID
	}

	entities := make([]*types.Entity, 0, len(kept))
	for _, cand := range kept {
		window := contextWindow(chunk.Content, cand.Value, e.cfg.ContextWindowChars)
		entities = append(entities, types.NewEntity(chunkID, projectID, cand.Type, cand.Value, window, cand.Confidence))
	}

	created, err := e.store.BulkCreateEntities(ctx, entities)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for _, entity := range created {
		counts[string(entity.Type)]++
	}
	event := types.NewEvent(types.EventEntitiesExtracted).WithChunk(chunkID).
		WithPayload("counts", counts).
		WithPayload("total", len(created))
	if projectID != "" {
		event = event.WithProject(projectID)
	}
	e.bus.Publish(event)

	e.logger.DebugContext(ctx, "entities extracted",
		"chunk_id", chunkID, "created", len(created), "candidates", len(kept))
	return nil
}

// gather picks the extraction path and returns candidates plus the
// confidence threshold that applies to them.
func (e *Extractor) gather(ctx context.Context, chunk *types.Chunk) ([]candidate, float64) {
	if !e.llm.Available(ctx) {
		return rulesExtract(chunk.Content), e.cfg.FallbackMinConfidence
	}

	raw, err := e.llm.ExtractEntities(ctx, chunk.Content, "")
	if err != nil {
		e.logger.WarnContext(ctx, "llm extraction failed, using rules",
			"chunk_id", chunk.ID, "error", err.Error())
		return rulesExtract(chunk.Content), e.cfg.FallbackMinConfidence
	}

	candidates, err := parseLLMEntities(raw)
	if err != nil {
		e.logger.WarnContext(ctx, "unparseable extraction response, using rules",
			"chunk_id", chunk.ID, "error", err.Error(), "raw", truncate(raw, 500))
		return rulesExtract(chunk.Content), e.cfg.FallbackMinConfidence
	}
	return candidates, e.cfg.MinConfidence
}

// llmEntityPayload is the strict JSON schema requested from the model
type llmEntityPayload struct {
	Errors       []llmEntity `json:"errors"`
	URLs         []llmEntity `json:"urls"`
	ToolIDs      []llmEntity `json:"tool_ids"`
	SemanticTags []llmEntity `json:"semantic_tags"`
}

type llmEntity struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func parseLLMEntities(raw string) ([]candidate, error) {
	var payload llmEntityPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidResponse, err)
	}

	var candidates []candidate
	appendAll := func(entityType types.EntityType, list []llmEntity) {
		for _, item := range list {
			candidates = append(candidates, candidate{
				Type:       entityType,
				Value:      strings.TrimSpace(item.Value),
				Confidence: item.Confidence,
			})
		}
	}
	appendAll(types.EntityError, payload.Errors)
	appendAll(types.EntityURL, payload.URLs)
	appendAll(types.EntityToolID, payload.ToolIDs)
	// Semantic tags ride along as decisions the model singled out; they
	// have no dedicated entity type and are folded into DECISION.
	appendAll(types.EntityDecision, payload.SemanticTags)
	return candidates, nil
}

// rulesExtract is the deterministic fallback path
func rulesExtract(content string) []candidate {
	var candidates []candidate

	for _, match := range urlPattern.FindAllString(content, -1) {
		candidates = append(candidates, candidate{
			Type:       types.EntityURL,
			Value:      strings.TrimRight(match, ".,;"),
			Confidence: urlConfidence,
		})
	}
	for _, match := range errorPattern.FindAllString(content, -1) {
		candidates = append(candidates, candidate{
			Type:       types.EntityError,
			Value:      truncate(strings.TrimSpace(match), 200),
			Confidence: errorConfidence,
		})
	}
	for _, match := range toolPattern.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, candidate{
			Type:       types.EntityToolID,
			Value:      strings.TrimSpace(match[1]),
			Confidence: toolIDConfidence,
		})
	}
	return candidates
}

// contextWindow returns up to maxChars around the first occurrence of
// value in content.
func contextWindow(content, value string, maxChars int) string {
	idx := strings.Index(content, value)
	if idx < 0 {
		return truncate(content, maxChars)
	}
	pad := (maxChars - len(value)) / 2
	if pad < 0 {
		pad = 0
	}
	start := idx - pad
	if start < 0 {
		start = 0
	}
	end := idx + len(value) + pad
	if end > len(content) {
		end = len(content)
	}
	return truncate(strings.TrimSpace(content[start:end]), maxChars)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
