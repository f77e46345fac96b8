package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"komorebi/pkg/types"
)

const chunkColumns = "id, content, summary, project_id, status, tags, source, token_count, trace_id, created_at, updated_at"

// CreateChunk inserts a new chunk atomically
func (s *SQLStore) CreateChunk(ctx context.Context, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	tagsJSON, err := json.Marshal(chunk.Tags)
	if err != nil {
		return fmt.Errorf("%w: marshal tags: %v", types.ErrValidation, err)
	}

	query := s.rebind(`INSERT INTO chunks (` + chunkColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		chunk.ID, chunk.Content, chunk.Summary, chunk.ProjectID, string(chunk.Status),
		string(tagsJSON), chunk.Source, chunk.TokenCount, chunk.TraceID,
		formatTime(chunk.CreatedAt), formatTime(chunk.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: chunk %s already exists", types.ErrConflict, chunk.ID)
		}
		return storageErr("create chunk", err)
	}
	return nil
}

// GetChunk loads one chunk by id
func (s *SQLStore) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	query := s.rebind(`SELECT ` + chunkColumns + ` FROM chunks WHERE id = ?`)
	chunk, err := scanChunk(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, id)
		}
		return nil, storageErr("get chunk", err)
	}
	return chunk, nil
}

// UpdateChunk applies a partial update inside a transaction so the
// status check and the write observe the same row.
func (s *SQLStore) UpdateChunk(ctx context.Context, id string, patch *types.ChunkPatch) (*types.Chunk, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", types.ErrValidation, *patch.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanChunk(tx.QueryRowContext(ctx, s.rebind(`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, id)
		}
		return nil, storageErr("load chunk for update", err)
	}

	updated := *current
	if patch.Summary != nil {
		updated.Summary = patch.Summary
	}
	if patch.ProjectID != nil {
		updated.ProjectID = patch.ProjectID
	}
	if patch.TokenCount != nil {
		updated.TokenCount = patch.TokenCount
	}
	if patch.Tags != nil {
		updated.Tags = patch.Tags
	}
	if patch.Status != nil {
		if !current.Status.CanTransitionTo(*patch.Status) {
			return nil, fmt.Errorf("%w: status cannot regress from %s to %s", types.ErrConflict, current.Status, *patch.Status)
		}
		updated.Status = *patch.Status
	}
	if updated.UpdatedAt = nowUTC(); updated.UpdatedAt.Before(current.UpdatedAt) {
		updated.UpdatedAt = current.UpdatedAt
	}

	tagsJSON, err := json.Marshal(updated.Tags)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal tags: %v", types.ErrValidation, err)
	}

	query := s.rebind(`UPDATE chunks SET summary = ?, project_id = ?, status = ?, tags = ?, token_count = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query,
		updated.Summary, updated.ProjectID, string(updated.Status), string(tagsJSON),
		updated.TokenCount, formatTime(updated.UpdatedAt), id); err != nil {
		return nil, storageErr("update chunk", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit update", err)
	}
	return &updated, nil
}

// RestoreChunk rewrites status and tags from an audit snapshot. This is
// the one write path allowed to regress status; it exists for bulk undo
// and bulk restore only.
func (s *SQLStore) RestoreChunk(ctx context.Context, id string, status types.ChunkStatus, tags []string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", types.ErrValidation, status)
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("%w: marshal tags: %v", types.ErrValidation, err)
	}

	query := s.rebind(`UPDATE chunks SET status = ?, tags = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), string(tagsJSON), formatTime(nowUTC()), id)
	if err != nil {
		return storageErr("restore chunk", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: chunk %s", types.ErrNotFound, id)
	}
	return nil
}

// ListChunks returns a stable page plus the total matching count
func (s *SQLStore) ListChunks(ctx context.Context, filter *ChunkFilter, limit, offset int) ([]*types.Chunk, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	where, args := buildChunkFilter(filter)

	var total int
	countQuery := s.rebind(`SELECT COUNT(*) FROM chunks` + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count chunks", err)
	}

	query := s.rebind(`SELECT ` + chunkColumns + ` FROM chunks` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, storageErr("list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, 0, storageErr("scan chunks", err)
	}
	return chunks, total, nil
}

// SearchChunks runs substring search over content and summary with
// optional entity EXISTS predicates
func (s *SQLStore) SearchChunks(ctx context.Context, query *SearchQuery) ([]*types.Chunk, int, error) {
	limit := clampLimit(query.Limit)
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []string
	var args []any

	if query.Query != "" {
		conds = append(conds, `(LOWER(content) LIKE ? OR LOWER(COALESCE(summary, '')) LIKE ?)`)
		needle := "%" + strings.ToLower(query.Query) + "%"
		args = append(args, needle, needle)
	}
	if query.Status != nil {
		conds = append(conds, `status = ?`)
		args = append(args, string(*query.Status))
	}
	if query.ProjectID != nil {
		conds = append(conds, `project_id = ?`)
		args = append(args, *query.ProjectID)
	}
	if query.CreatedAfter != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, formatTime(*query.CreatedAfter))
	}
	if query.CreatedBefore != nil {
		conds = append(conds, `created_at <= ?`)
		args = append(args, formatTime(*query.CreatedBefore))
	}
	if query.EntityType != nil || query.EntityValue != nil {
		sub := `EXISTS (SELECT 1 FROM entities e WHERE e.chunk_id = chunks.id`
		if query.EntityType != nil {
			sub += ` AND e.type = ?`
			args = append(args, string(*query.EntityType))
		}
		if query.EntityValue != nil {
			sub += ` AND e.value = ?`
			args = append(args, *query.EntityValue)
		}
		conds = append(conds, sub+`)`)
	}

	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM chunks`+where), args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count search", err)
	}

	sqlQuery := s.rebind(`SELECT ` + chunkColumns + ` FROM chunks` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, sqlQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, storageErr("search chunks", err)
	}
	defer func() { _ = rows.Close() }()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, 0, storageErr("scan search", err)
	}
	return chunks, total, nil
}

// GetAllContent streams (id, content) pairs ordered by creation time
func (s *SQLStore) GetAllContent(ctx context.Context, projectID *string, fn func(ChunkContent) bool) error {
	query := `SELECT id, content FROM chunks WHERE status != ?`
	args := []any{string(types.StatusDeleted)}
	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return storageErr("get all content", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row ChunkContent
		if err := rows.Scan(&row.ID, &row.Content); err != nil {
			return storageErr("scan content", err)
		}
		if !fn(row) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("iterate content", err)
	}
	return nil
}

// CountByStatus returns chunk counts keyed by status
func (s *SQLStore) CountByStatus(ctx context.Context) (map[types.ChunkStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM chunks GROUP BY status`)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.ChunkStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan counts", err)
		}
		counts[types.ChunkStatus(status)] = count
	}
	return counts, rows.Err()
}

// OldestInbox returns the oldest chunk still at inbox
func (s *SQLStore) OldestInbox(ctx context.Context) (*types.Chunk, error) {
	query := s.rebind(`SELECT ` + chunkColumns + ` FROM chunks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`)
	chunk, err := scanChunk(s.db.QueryRowContext(ctx, query, string(types.StatusInbox)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no inbox chunks", types.ErrNotFound)
		}
		return nil, storageErr("oldest inbox", err)
	}
	return chunk, nil
}

func buildChunkFilter(filter *ChunkFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, `status = ?`)
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != nil {
		conds = append(conds, `project_id = ?`)
		args = append(args, *filter.ProjectID)
	}
	if filter.Tag != nil {
		// Tags are stored as a JSON array of strings.
		conds = append(conds, `tags LIKE ?`)
		args = append(args, `%"`+*filter.Tag+`"%`)
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, formatTime(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, `created_at <= ?`)
		args = append(args, formatTime(*filter.CreatedBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var (
		chunk      types.Chunk
		summary    sql.NullString
		projectID  sql.NullString
		tagsJSON   string
		source     sql.NullString
		tokenCount sql.NullInt64
		traceID    sql.NullString
		createdAt  string
		updatedAt  string
		status     string
	)
	err := row.Scan(&chunk.ID, &chunk.Content, &summary, &projectID, &status,
		&tagsJSON, &source, &tokenCount, &traceID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	chunk.Status = types.ChunkStatus(status)
	if summary.Valid {
		chunk.Summary = &summary.String
	}
	if projectID.Valid {
		chunk.ProjectID = &projectID.String
	}
	if source.Valid {
		chunk.Source = &source.String
	}
	if tokenCount.Valid {
		tc := int(tokenCount.Int64)
		chunk.TokenCount = &tc
	}
	if traceID.Valid {
		chunk.TraceID = &traceID.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &chunk.Tags); err != nil {
		chunk.Tags = []string{}
	}
	chunk.CreatedAt = parseTime(createdAt)
	chunk.UpdatedAt = parseTime(updatedAt)
	return &chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	chunks := make([]*types.Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
