package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"komorebi/pkg/types"
)

const projectColumns = "id, name, description, context_summary, compaction_depth, last_compaction_at, created_at, updated_at"

// CreateProject inserts a new project
func (s *SQLStore) CreateProject(ctx context.Context, project *types.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO projects (` + projectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		project.ID, project.Name, project.Description, project.ContextSummary,
		project.CompactionDepth, formatTimePtr(project.LastCompactionAt),
		formatTime(project.CreatedAt), formatTime(project.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: project %s already exists", types.ErrConflict, project.ID)
		}
		return storageErr("create project", err)
	}
	return nil
}

// GetProject loads one project by id
func (s *SQLStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	query := s.rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = ?`)
	project, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		return nil, storageErr("get project", err)
	}
	return project, nil
}

// UpdateProject persists the mutable project fields. Compaction depth
// never decreases and last_compaction_at only advances.
func (s *SQLStore) UpdateProject(ctx context.Context, project *types.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}

	current, err := s.GetProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if project.CompactionDepth < current.CompactionDepth {
		return fmt.Errorf("%w: compaction depth cannot decrease from %d to %d",
			types.ErrConflict, current.CompactionDepth, project.CompactionDepth)
	}
	if project.LastCompactionAt != nil && current.LastCompactionAt != nil &&
		project.LastCompactionAt.Before(*current.LastCompactionAt) {
		return fmt.Errorf("%w: last_compaction_at cannot move backwards", types.ErrConflict)
	}

	project.UpdatedAt = nowUTC()
	query := s.rebind(`UPDATE projects SET name = ?, description = ?, context_summary = ?, compaction_depth = ?, last_compaction_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query,
		project.Name, project.Description, project.ContextSummary,
		project.CompactionDepth, formatTimePtr(project.LastCompactionAt),
		formatTime(project.UpdatedAt), project.ID); err != nil {
		return storageErr("update project", err)
	}
	return nil
}

// ListProjects returns a page of projects plus the total count
func (s *SQLStore) ListProjects(ctx context.Context, limit, offset int) ([]*types.Project, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&total); err != nil {
		return nil, 0, storageErr("count projects", err)
	}

	query := s.rebind(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, storageErr("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	projects := make([]*types.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, 0, storageErr("scan project", err)
		}
		projects = append(projects, project)
	}
	return projects, total, rows.Err()
}

func scanProject(row rowScanner) (*types.Project, error) {
	var (
		project          types.Project
		contextSummary   sql.NullString
		lastCompactionAt sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&project.ID, &project.Name, &project.Description, &contextSummary,
		&project.CompactionDepth, &lastCompactionAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if contextSummary.Valid {
		project.ContextSummary = &contextSummary.String
	}
	project.LastCompactionAt = parseTimePtr(lastCompactionAt)
	project.CreatedAt = parseTime(createdAt)
	project.UpdatedAt = parseTime(updatedAt)
	return &project, nil
}
