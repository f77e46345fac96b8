package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BulkActionType represents the kind of batch mutation applied
type BulkActionType string

const (
	// BulkTag adds tags to the matched chunks (set union)
	BulkTag BulkActionType = "tag"
	// BulkArchive transitions matched chunks to archived
	BulkArchive BulkActionType = "archive"
	// BulkDelete soft-deletes matched chunks
	BulkDelete BulkActionType = "delete"
	// BulkRestore restores matched chunks from the audit snapshot
	BulkRestore BulkActionType = "restore"
)

// Valid returns true if the bulk action type is valid
func (bt BulkActionType) Valid() bool {
	switch bt {
	case BulkTag, BulkArchive, BulkDelete, BulkRestore:
		return true
	}
	return false
}

// UndoWindow is how long a recorded bulk action remains reversible.
const UndoWindow = 30 * time.Minute

// ChunkSnapshot captures the reversible state of one chunk before a
// bulk mutation: enough to restore the prior (status, tags) tuple.
type ChunkSnapshot struct {
	ID     string      `json:"id"`
	Status ChunkStatus `json:"status"`
	Tags   []string    `json:"tags"`
}

// BulkAction is the audit log row for a batch mutation. Immutable
// except for the Undone flag.
type BulkAction struct {
	ID            string          `json:"id"`
	ActionType    BulkActionType  `json:"action_type"`
	FilterUsed    string          `json:"filter_used"` // JSON-encoded filter
	AffectedIDs   []string        `json:"affected_ids"`
	PreviousState []ChunkSnapshot `json:"previous_state"`
	AffectedCount int             `json:"affected_count"`
	Undone        bool            `json:"undone"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewBulkAction creates an audit row with identity and timestamp assigned
func NewBulkAction(actionType BulkActionType, filterJSON string, snapshots []ChunkSnapshot) *BulkAction {
	ids := make([]string, len(snapshots))
	for i, s := range snapshots {
		ids[i] = s.ID
	}
	return &BulkAction{
		ID:            uuid.New().String(),
		ActionType:    actionType,
		FilterUsed:    filterJSON,
		AffectedIDs:   ids,
		PreviousState: snapshots,
		AffectedCount: len(snapshots),
		CreatedAt:     time.Now().UTC(),
	}
}

// CanUndo reports whether the action is still reversible at the given time
func (ba *BulkAction) CanUndo(now time.Time) error {
	if ba.Undone {
		return fmt.Errorf("%w: action %s already undone", ErrConflict, ba.ID)
	}
	if now.Sub(ba.CreatedAt) > UndoWindow {
		return fmt.Errorf("%w: action %s created at %s", ErrUndoExpired, ba.ID, ba.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
