// Package storage provides the typed repository over chunks, projects,
// entities, and the bulk-action audit log. Storage is the source of
// truth: cross-task ordering is established by reading from here, not
// from in-memory state.
package storage

import (
	"context"
	"time"

	"komorebi/pkg/types"
)

// MaxListLimit caps page sizes across list and search operations.
const MaxListLimit = 1000

// ChunkFilter narrows chunk listings
type ChunkFilter struct {
	Status        *types.ChunkStatus `json:"status,omitempty"`
	ProjectID     *string            `json:"project_id,omitempty"`
	Tag           *string            `json:"tag,omitempty"`
	CreatedAfter  *time.Time         `json:"created_after,omitempty"`
	CreatedBefore *time.Time         `json:"created_before,omitempty"`
}

// SearchQuery describes a chunk search. Entity predicates use EXISTS
// semantics so matching chunks are never duplicated.
type SearchQuery struct {
	Query         string             `json:"query"`
	Status        *types.ChunkStatus `json:"status,omitempty"`
	ProjectID     *string            `json:"project_id,omitempty"`
	EntityType    *types.EntityType  `json:"entity_type,omitempty"`
	EntityValue   *string            `json:"entity_value,omitempty"`
	CreatedAfter  *time.Time         `json:"created_after,omitempty"`
	CreatedBefore *time.Time         `json:"created_before,omitempty"`
	Limit         int                `json:"limit"`
	Offset        int                `json:"offset"`
}

// EntityFilter narrows entity listings for a project
type EntityFilter struct {
	Type          *types.EntityType `json:"type,omitempty"`
	MinConfidence *float64          `json:"min_confidence,omitempty"`
	Since         *time.Time        `json:"since,omitempty"`
	Limit         int               `json:"limit"`
	Offset        int               `json:"offset"`
}

// ChunkContent is one row of the lazy content iterator
type ChunkContent struct {
	ID      string
	Content string
}

// ChunkStore handles chunk persistence
type ChunkStore interface {
	// CreateChunk inserts a new chunk atomically; id collisions conflict
	CreateChunk(ctx context.Context, chunk *types.Chunk) error

	// GetChunk loads one chunk by id
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)

	// UpdateChunk applies a partial update. Content and ID are immutable;
	// status regressions are rejected with a conflict.
	UpdateChunk(ctx context.Context, id string, patch *types.ChunkPatch) (*types.Chunk, error)

	// RestoreChunk rewrites status and tags from an audit snapshot,
	// bypassing the monotonic transition check. Only bulk undo and
	// bulk restore may use it.
	RestoreChunk(ctx context.Context, id string, status types.ChunkStatus, tags []string) error

	// ListChunks returns a stable page (created_at desc, id desc) plus the total count
	ListChunks(ctx context.Context, filter *ChunkFilter, limit, offset int) ([]*types.Chunk, int, error)

	// SearchChunks runs case-insensitive substring search over content and summary
	SearchChunks(ctx context.Context, query *SearchQuery) ([]*types.Chunk, int, error)

	// GetAllContent streams (id, content) pairs, optionally project-scoped.
	// The walk is restartable and finite; fn returning false stops early.
	GetAllContent(ctx context.Context, projectID *string, fn func(ChunkContent) bool) error

	// CountByStatus returns chunk counts keyed by status
	CountByStatus(ctx context.Context) (map[types.ChunkStatus]int, error)

	// OldestInbox returns the oldest chunk still at inbox, or NotFound
	OldestInbox(ctx context.Context) (*types.Chunk, error)
}

// ProjectStore handles project persistence
type ProjectStore interface {
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error
	ListProjects(ctx context.Context, limit, offset int) ([]*types.Project, int, error)
}

// EntityStore handles extracted-entity persistence
type EntityStore interface {
	// BulkCreateEntities inserts entities atomically per chunk. Rows
	// duplicating an existing (chunk_id, type, value) are silently skipped.
	BulkCreateEntities(ctx context.Context, entities []*types.Entity) ([]*types.Entity, error)

	// ListEntitiesByProject lists entities for a project with optional filters
	ListEntitiesByProject(ctx context.Context, projectID string, filter *EntityFilter) ([]*types.Entity, int, error)

	// ListEntitiesByChunk lists entities attached to one chunk
	ListEntitiesByChunk(ctx context.Context, chunkID string) ([]*types.Entity, error)
}

// BulkActionStore handles the audit log of batch mutations
type BulkActionStore interface {
	RecordBulkAction(ctx context.Context, action *types.BulkAction) error
	GetBulkAction(ctx context.Context, id string) (*types.BulkAction, error)
	MarkBulkActionUndone(ctx context.Context, id string) error
}

// Store combines all repository interfaces
type Store interface {
	ChunkStore
	ProjectStore
	EntityStore
	BulkActionStore

	// Migrate creates the schema and required indices
	Migrate(ctx context.Context) error

	// Close releases the underlying connection pool
	Close() error
}
