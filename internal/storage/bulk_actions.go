package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"komorebi/pkg/types"
)

// RecordBulkAction writes one audit row for a batch mutation
func (s *SQLStore) RecordBulkAction(ctx context.Context, action *types.BulkAction) error {
	if !action.ActionType.Valid() {
		return fmt.Errorf("%w: invalid bulk action type %q", types.ErrValidation, action.ActionType)
	}

	idsJSON, err := json.Marshal(action.AffectedIDs)
	if err != nil {
		return fmt.Errorf("%w: marshal affected ids: %v", types.ErrValidation, err)
	}
	stateJSON, err := json.Marshal(action.PreviousState)
	if err != nil {
		return fmt.Errorf("%w: marshal previous state: %v", types.ErrValidation, err)
	}

	query := s.rebind(`INSERT INTO bulk_actions
		(id, action_type, filter_used, affected_ids, previous_state, affected_count, undone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		action.ID, string(action.ActionType), action.FilterUsed,
		string(idsJSON), string(stateJSON), action.AffectedCount,
		boolToInt(action.Undone), formatTime(action.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: bulk action %s already exists", types.ErrConflict, action.ID)
		}
		return storageErr("record bulk action", err)
	}
	return nil
}

// GetBulkAction loads one audit row by id
func (s *SQLStore) GetBulkAction(ctx context.Context, id string) (*types.BulkAction, error) {
	query := s.rebind(`SELECT id, action_type, filter_used, affected_ids, previous_state, affected_count, undone, created_at
		FROM bulk_actions WHERE id = ?`)

	var (
		action     types.BulkAction
		actionType string
		idsJSON    string
		stateJSON  string
		undone     int
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&action.ID, &actionType, &action.FilterUsed,
		&idsJSON, &stateJSON, &action.AffectedCount, &undone, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: bulk action %s", types.ErrNotFound, id)
		}
		return nil, storageErr("get bulk action", err)
	}

	action.ActionType = types.BulkActionType(actionType)
	action.Undone = undone != 0
	action.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(idsJSON), &action.AffectedIDs); err != nil {
		action.AffectedIDs = []string{}
	}
	if err := json.Unmarshal([]byte(stateJSON), &action.PreviousState); err != nil {
		action.PreviousState = []types.ChunkSnapshot{}
	}
	return &action, nil
}

// MarkBulkActionUndone flips the undone flag exactly once
func (s *SQLStore) MarkBulkActionUndone(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE bulk_actions SET undone = 1 WHERE id = ? AND undone = 0`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return storageErr("mark undone", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("mark undone result", err)
	}
	if affected == 0 {
		// Either missing or already undone; disambiguate for the caller.
		if _, getErr := s.GetBulkAction(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: bulk action %s already undone", types.ErrConflict, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
