package storage

import (
	"context"
	"fmt"
	"strings"

	"komorebi/pkg/types"
)

const entityColumns = "id, chunk_id, project_id, type, value, context, confidence, created_at"

// BulkCreateEntities inserts entities inside one transaction so the
// write is atomic per chunk. Duplicates of an existing
// (chunk_id, type, value) row are silently skipped, which makes
// re-running extraction idempotent.
func (s *SQLStore) BulkCreateEntities(ctx context.Context, entities []*types.Entity) ([]*types.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	for _, entity := range entities {
		if err := entity.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin bulk create", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.rebind(`INSERT INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id, type, value) DO NOTHING`)

	created := make([]*types.Entity, 0, len(entities))
	for _, entity := range entities {
		res, err := tx.ExecContext(ctx, query,
			entity.ID, entity.ChunkID, entity.ProjectID, string(entity.Type),
			entity.Value, entity.Context, entity.Confidence, formatTime(entity.CreatedAt))
		if err != nil {
			return nil, storageErr("insert entity", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			created = append(created, entity)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit bulk create", err)
	}
	return created, nil
}

// ListEntitiesByProject lists entities for a project with optional filters
func (s *SQLStore) ListEntitiesByProject(ctx context.Context, projectID string, filter *EntityFilter) ([]*types.Entity, int, error) {
	conds := []string{`project_id = ?`}
	args := []any{projectID}

	limit, offset := 50, 0
	if filter != nil {
		if filter.Type != nil {
			conds = append(conds, `type = ?`)
			args = append(args, string(*filter.Type))
		}
		if filter.MinConfidence != nil {
			conds = append(conds, `confidence >= ?`)
			args = append(args, *filter.MinConfidence)
		}
		if filter.Since != nil {
			conds = append(conds, `created_at >= ?`)
			args = append(args, formatTime(*filter.Since))
		}
		limit = clampLimit(filter.Limit)
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}

	where := ` WHERE ` + strings.Join(conds, ` AND `)

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM entities`+where), args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count entities", err)
	}

	query := s.rebind(`SELECT ` + entityColumns + ` FROM entities` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, storageErr("list entities", err)
	}
	defer func() { _ = rows.Close() }()

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return entities, total, nil
}

// ListEntitiesByChunk lists entities attached to one chunk
func (s *SQLStore) ListEntitiesByChunk(ctx context.Context, chunkID string) ([]*types.Entity, error) {
	query := s.rebind(`SELECT ` + entityColumns + ` FROM entities WHERE chunk_id = ? ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, chunkID)
	if err != nil {
		return nil, storageErr("list chunk entities", err)
	}
	defer func() { _ = rows.Close() }()

	return collectEntities(rows)
}

func collectEntities(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*types.Entity, error) {
	entities := make([]*types.Entity, 0)
	for rows.Next() {
		var (
			entity    types.Entity
			entType   string
			createdAt string
		)
		if err := rows.Scan(&entity.ID, &entity.ChunkID, &entity.ProjectID, &entType,
			&entity.Value, &entity.Context, &entity.Confidence, &createdAt); err != nil {
			return nil, storageErr("scan entity", err)
		}
		entity.Type = types.EntityType(entType)
		entity.CreatedAt = parseTime(createdAt)
		entities = append(entities, &entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entities: %v", types.ErrStorageUnavailable, err)
	}
	return entities, nil
}
