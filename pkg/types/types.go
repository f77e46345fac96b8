// Package types provides core data structures and type definitions
// for the Komorebi capture-and-compaction engine, including chunks,
// projects, and extracted entities.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkStatus represents the processing state of a chunk
type ChunkStatus string

const (
	// StatusInbox indicates a freshly captured chunk awaiting processing
	StatusInbox ChunkStatus = "inbox"
	// StatusProcessed indicates a chunk with a generated summary
	StatusProcessed ChunkStatus = "processed"
	// StatusCompacted indicates a chunk folded into a project-level summary
	StatusCompacted ChunkStatus = "compacted"
	// StatusArchived indicates a chunk removed from active views
	StatusArchived ChunkStatus = "archived"
	// StatusDeleted indicates a soft-deleted chunk
	StatusDeleted ChunkStatus = "deleted"
)

// statusRank orders statuses along the monotonic lifecycle.
var statusRank = map[ChunkStatus]int{
	StatusInbox:     0,
	StatusProcessed: 1,
	StatusCompacted: 2,
	StatusArchived:  3,
	StatusDeleted:   4,
}

// Valid returns true if the chunk status is valid
func (cs ChunkStatus) Valid() bool {
	_, ok := statusRank[cs]
	return ok
}

// CanTransitionTo reports whether moving to the target status preserves
// the monotonic lifecycle. Equal statuses are allowed (idempotent writes).
func (cs ChunkStatus) CanTransitionTo(target ChunkStatus) bool {
	from, ok := statusRank[cs]
	if !ok {
		return false
	}
	to, ok := statusRank[target]
	if !ok {
		return false
	}
	return to >= from
}

// MaxContentBytes is the default upper bound for captured content.
const MaxContentBytes = 1 << 20 // 1 MiB

// Chunk represents the atomic captured unit: raw content plus metadata
type Chunk struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Summary    *string     `json:"summary,omitempty"`
	ProjectID  *string     `json:"project_id,omitempty"`
	Status     ChunkStatus `json:"status"`
	Tags       []string    `json:"tags"`
	Source     *string     `json:"source,omitempty"`
	TokenCount *int        `json:"token_count,omitempty"`
	TraceID    *string     `json:"trace_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ChunkDraft carries the caller-supplied fields for a new chunk
type ChunkDraft struct {
	Content   string   `json:"content"`
	ProjectID *string  `json:"project_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Source    *string  `json:"source,omitempty"`
	TraceID   *string  `json:"trace_id,omitempty"`
}

// Validate checks draft fields against capture constraints
func (d *ChunkDraft) Validate(maxContentBytes int) error {
	if maxContentBytes <= 0 {
		maxContentBytes = MaxContentBytes
	}
	if d.Content == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}
	if len(d.Content) > maxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, maxContentBytes)
	}
	for _, tag := range d.Tags {
		if tag == "" {
			return fmt.Errorf("%w: tags cannot be empty strings", ErrValidation)
		}
	}
	return nil
}

// NewChunk creates a chunk from a draft, assigning identity and timestamps
func NewChunk(draft *ChunkDraft) *Chunk {
	now := time.Now().UTC()
	tags := draft.Tags
	if tags == nil {
		tags = []string{}
	}
	return &Chunk{
		ID:        uuid.New().String(),
		Content:   draft.Content,
		ProjectID: draft.ProjectID,
		Status:    StatusInbox,
		Tags:      dedupeTags(tags),
		Source:    draft.Source,
		TraceID:   draft.TraceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks chunk invariants
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk ID cannot be empty")
	}
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid chunk status: %s", c.Status)
	}
	if c.Status != StatusInbox && c.Summary == nil {
		return fmt.Errorf("chunk in status %s must have a summary", c.Status)
	}
	if c.TokenCount != nil && *c.TokenCount < 0 {
		return errors.New("token count cannot be negative")
	}
	return nil
}

// ChunkPatch carries a partial update to a chunk. Nil fields are left
// untouched. Content and ID are immutable and have no patch fields.
type ChunkPatch struct {
	Summary    *string      `json:"summary,omitempty"`
	ProjectID  *string      `json:"project_id,omitempty"`
	Status     *ChunkStatus `json:"status,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	TokenCount *int         `json:"token_count,omitempty"`
}

// Project represents a grouping of chunks with hierarchical summaries
type Project struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	ContextSummary   *string    `json:"context_summary,omitempty"`
	CompactionDepth  int        `json:"compaction_depth"`
	LastCompactionAt *time.Time `json:"last_compaction_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MaxProjectNameLength bounds project names.
const MaxProjectNameLength = 255

// NewProject creates a project with identity and timestamps assigned
func NewProject(name, description string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks project invariants
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: project name cannot be empty", ErrValidation)
	}
	if len(p.Name) > MaxProjectNameLength {
		return fmt.Errorf("%w: project name exceeds %d characters", ErrValidation, MaxProjectNameLength)
	}
	if p.CompactionDepth < 0 {
		return fmt.Errorf("%w: compaction depth cannot be negative", ErrValidation)
	}
	return nil
}

// dedupeTags returns tags with duplicates removed, order preserved.
func dedupeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// MergeTags returns the set union of two tag lists, preserving the order
// of first occurrence. Bulk tagging uses set-union semantics regardless
// of how tags are stored.
func MergeTags(existing, added []string) []string {
	return dedupeTags(append(append([]string{}, existing...), added...))
}
