package types

import "time"

// Event names are stable contracts emitted on the bus.
const (
	// EventChunkCreated fires when capture persists a new chunk
	EventChunkCreated = "chunk.created"
	// EventChunkUpdated fires on summary/status mutation of a chunk
	EventChunkUpdated = "chunk.updated"
	// EventEntitiesExtracted fires after entity extraction persists results
	EventEntitiesExtracted = "entities.extracted"
	// EventCompactionComplete fires when a project reduction level completes
	EventCompactionComplete = "compaction.level.complete"
	// EventCompactionFailed fires when a project compaction aborts
	EventCompactionFailed = "compaction.failed"
	// EventMCPStatusChanged fires on every MCP session state transition
	EventMCPStatusChanged = "mcp.status_changed"
	// EventDropped is the synthetic marker inserted when a subscriber
	// buffer overflows and the oldest event is discarded
	EventDropped = "events.dropped"
)

// ChunkEvent is the transient record fanned out to subscribers.
// Not persisted.
type ChunkEvent struct {
	Type      string         `json:"type"`
	ChunkID   string         `json:"chunk_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType string) *ChunkEvent {
	return &ChunkEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
	}
}

// WithChunk sets the chunk reference and returns the event for chaining
func (e *ChunkEvent) WithChunk(chunkID string) *ChunkEvent {
	e.ChunkID = chunkID
	return e
}

// WithProject sets the project reference and returns the event for chaining
func (e *ChunkEvent) WithProject(projectID string) *ChunkEvent {
	e.ProjectID = projectID
	return e
}

// WithPayload sets one payload field and returns the event for chaining
func (e *ChunkEvent) WithPayload(key string, value any) *ChunkEvent {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.Payload[key] = value
	return e
}
