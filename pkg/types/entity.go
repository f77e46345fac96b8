package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType classifies a structured fact extracted from a chunk
type EntityType string

const (
	// EntityError represents an error message or stack trace reference
	EntityError EntityType = "ERROR"
	// EntityURL represents a hyperlink found in content
	EntityURL EntityType = "URL"
	// EntityToolID represents a command line or tool invocation
	EntityToolID EntityType = "TOOL_ID"
	// EntityDecision represents a recorded decision
	EntityDecision EntityType = "DECISION"
	// EntityCodeRef represents a reference to code (file, symbol, line)
	EntityCodeRef EntityType = "CODE_REF"
)

// Valid returns true if the entity type is valid
func (et EntityType) Valid() bool {
	switch et {
	case EntityError, EntityURL, EntityToolID, EntityDecision, EntityCodeRef:
		return true
	}
	return false
}

// MinEntityConfidence is the extraction threshold for LLM-produced entities.
const MinEntityConfidence = 0.6

// Entity is a structured fact extracted from a chunk. Entities are
// immutable once written and cascade-delete with their chunk.
type Entity struct {
	ID         string     `json:"id"`
	ChunkID    string     `json:"chunk_id"`
	ProjectID  string     `json:"project_id"`
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Context    string     `json:"context,omitempty"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewEntity creates an entity with identity and timestamp assigned
func NewEntity(chunkID, projectID string, entityType EntityType, value, context string, confidence float64) *Entity {
	return &Entity{
		ID:         uuid.New().String(),
		ChunkID:    chunkID,
		ProjectID:  projectID,
		Type:       entityType,
		Value:      value,
		Context:    context,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks entity invariants
func (e *Entity) Validate() error {
	if e.ChunkID == "" {
		return fmt.Errorf("%w: entity chunk_id cannot be empty", ErrValidation)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: invalid entity type: %s", ErrValidation, e.Type)
	}
	if e.Value == "" {
		return fmt.Errorf("%w: entity value cannot be empty", ErrValidation)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: entity confidence must be in [0,1]", ErrValidation)
	}
	return nil
}
