// Package bulk applies batch mutations over filtered chunk sets and
// records each one in an audit log that supports a timed undo.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"komorebi/internal/events"
	"komorebi/internal/logging"
	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

// Request describes one bulk operation
type Request struct {
	Action types.BulkActionType `json:"action"`
	Filter storage.ChunkFilter  `json:"filter"`
	// Tags are the tags added by the tag action; ignored otherwise
	Tags []string `json:"tags,omitempty"`
}

// Manager executes and undoes bulk actions
type Manager struct {
	store  storage.Store
	bus    *events.Bus
	logger logging.Logger

	// now is swappable in tests to step past the undo window
	now func() time.Time
}

// NewManager creates a bulk manager
func NewManager(store storage.Store, bus *events.Bus, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:  store,
		bus:    bus,
		logger: logger.WithComponent("bulk"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Execute applies the action to every chunk matching the filter,
// snapshotting each chunk's prior (status, tags) first so the whole
// batch stays reversible for the undo window.
func (m *Manager) Execute(ctx context.Context, req *Request) (*types.BulkAction, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown bulk action %q", types.ErrValidation, req.Action)
	}
	if req.Action == types.BulkTag && len(req.Tags) == 0 {
		return nil, fmt.Errorf("%w: tag action requires at least one tag", types.ErrValidation)
	}

	matched, err := m.collect(ctx, &req.Filter)
	if err != nil {
		return nil, err
	}

	snapshots := make([]types.ChunkSnapshot, 0, len(matched))
	for _, chunk := range matched {
		snapshots = append(snapshots, types.ChunkSnapshot{
			ID:     chunk.ID,
			Status: chunk.Status,
			Tags:   append([]string(nil), chunk.Tags...),
		})
	}

	filterJSON, err := json.Marshal(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal filter: %v", types.ErrValidation, err)
	}

	for _, chunk := range matched {
		if err := m.apply(ctx, req, chunk); err != nil {
			if errors.Is(err, types.ErrConflict) {
				// Already past the target status; the snapshot still
				// records it so undo stays exact.
				m.logger.DebugContext(ctx, "bulk action skipped chunk",
					"chunk_id", chunk.ID, "error", err.Error())
				continue
			}
			return nil, err
		}
	}

	action := types.NewBulkAction(req.Action, string(filterJSON), snapshots)
	if err := m.store.RecordBulkAction(ctx, action); err != nil {
		return nil, err
	}

	m.publishUpdates(matched)
	m.logger.InfoContext(ctx, "bulk action applied",
		"action", string(req.Action), "affected", action.AffectedCount)
	return action, nil
}

// Undo restores the exact prior (status, tags) tuple of every chunk a
// bulk action touched. Allowed once, within the undo window.
func (m *Manager) Undo(ctx context.Context, actionID string) (*types.BulkAction, error) {
	action, err := m.store.GetBulkAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := action.CanUndo(m.now()); err != nil {
		return nil, err
	}

	for _, snapshot := range action.PreviousState {
		if err := m.store.RestoreChunk(ctx, snapshot.ID, snapshot.Status, snapshot.Tags); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				m.logger.WarnContext(ctx, "undo skipped missing chunk", "chunk_id", snapshot.ID)
				continue
			}
			return nil, err
		}
	}

	if err := m.store.MarkBulkActionUndone(ctx, actionID); err != nil {
		return nil, err
	}
	action.Undone = true

	for _, id := range action.AffectedIDs {
		m.bus.Publish(types.NewEvent(types.EventChunkUpdated).WithChunk(id).
			WithPayload("undo_of", actionID))
	}
	m.logger.InfoContext(ctx, "bulk action undone",
		"action_id", actionID, "restored", len(action.PreviousState))
	return action, nil
}

func (m *Manager) apply(ctx context.Context, req *Request, chunk *types.Chunk) error {
	switch req.Action {
	case types.BulkTag:
		merged := types.MergeTags(chunk.Tags, req.Tags)
		_, err := m.store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Tags: merged})
		return err

	case types.BulkArchive:
		status := types.StatusArchived
		_, err := m.store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Status: &status})
		return err

	case types.BulkDelete:
		status := types.StatusDeleted
		_, err := m.store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Status: &status})
		return err

	case types.BulkRestore:
		// Forward restore pulls archived or deleted chunks back into
		// circulation; it needs the regression-capable write path.
		return m.store.RestoreChunk(ctx, chunk.ID, types.StatusInbox, chunk.Tags)

	default:
		return fmt.Errorf("%w: unknown bulk action %q", types.ErrValidation, req.Action)
	}
}

// collect pages through every chunk matching the filter
func (m *Manager) collect(ctx context.Context, filter *storage.ChunkFilter) ([]*types.Chunk, error) {
	var all []*types.Chunk
	for offset := 0; ; offset += storage.MaxListLimit {
		page, _, err := m.store.ListChunks(ctx, filter, storage.MaxListLimit, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < storage.MaxListLimit {
			return all, nil
		}
	}
}

func (m *Manager) publishUpdates(chunks []*types.Chunk) {
	for _, chunk := range chunks {
		m.bus.Publish(types.NewEvent(types.EventChunkUpdated).WithChunk(chunk.ID))
	}
}
