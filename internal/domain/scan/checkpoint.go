package scan

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the durable progress marker for one (scan, group) pair. At
// most one checkpoint exists per pair; it is created on the first persisted
// event for the group and mutated by every subsequent one.
//
// A checkpoint produced by CheckpointForEvent is a partial update: its
// nullable fields distinguish "advance to this value" (set), "explicitly
// clear" (clear flag), and "leave whatever is stored" (neither). Repositories
// implement Save as a merge honoring those intents, so an interim item event
// can never clobber the last fully-processed item id.
type Checkpoint struct {
	scanID   uuid.UUID
	groupKey string

	lastItemID    *string
	lastSubItem   *string
	clearLastItem bool
	clearLastSub  bool

	status      CheckpointStatus
	progressPct int
	updatedAt   time.Time
}

// ReconstructCheckpoint creates a Checkpoint from a stored row. This should
// only be used by repositories when rehydrating from storage.
func ReconstructCheckpoint(
	scanID uuid.UUID,
	groupKey string,
	lastItemID *string,
	lastSubItem *string,
	status CheckpointStatus,
	progressPct int,
	updatedAt time.Time,
) Checkpoint {
	return Checkpoint{
		scanID:      scanID,
		groupKey:    groupKey,
		lastItemID:  lastItemID,
		lastSubItem: lastSubItem,
		status:      status,
		progressPct: progressPct,
		updatedAt:   updatedAt,
	}
}

// CheckpointForEvent maps an event to the checkpoint mutation it implies.
// The second return value is false for event types that do not advance
// checkpoints (start, pageStart, error, multiStart, multiComplete).
//
//	item (interim)      last item unchanged, sub-item unchanged, RUNNING
//	attachmentItem      last item unchanged, sub-item set,       RUNNING
//	pageComplete        last item set,       sub-item cleared,   RUNNING
//	complete            both cleared,                            COMPLETED
func CheckpointForEvent(evt Event) (Checkpoint, bool) {
	cp := Checkpoint{
		scanID:      evt.ScanID(),
		groupKey:    evt.GroupKey(),
		status:      StatusRunning,
		progressPct: evt.ProgressPct(),
		updatedAt:   time.Now().UTC(),
	}

	switch evt.Type() {
	case EventTypeItem:
		return cp, true
	case EventTypeAttachmentItem:
		sub := evt.SubItemName()
		cp.lastSubItem = &sub
		return cp, true
	case EventTypePageComplete:
		item := evt.ItemID()
		cp.lastItemID = &item
		cp.clearLastSub = true
		return cp, true
	case EventTypeComplete:
		cp.status = StatusCompleted
		cp.progressPct = 100
		cp.clearLastItem = true
		cp.clearLastSub = true
		return cp, true
	default:
		return Checkpoint{}, false
	}
}

// NewCheckpointWithStatus builds a status-only mutation for the given pair,
// used by the pause controller to persist validated status transitions.
func NewCheckpointWithStatus(scanID uuid.UUID, groupKey string, status CheckpointStatus, progressPct int) Checkpoint {
	return Checkpoint{
		scanID:      scanID,
		groupKey:    groupKey,
		status:      status,
		progressPct: progressPct,
		updatedAt:   time.Now().UTC(),
	}
}

// Getters for Checkpoint.
func (c Checkpoint) ScanID() uuid.UUID        { return c.scanID }
func (c Checkpoint) GroupKey() string         { return c.groupKey }
func (c Checkpoint) Status() CheckpointStatus { return c.status }
func (c Checkpoint) ProgressPct() int         { return c.progressPct }
func (c Checkpoint) UpdatedAt() time.Time     { return c.updatedAt }

// LastItemID returns the id of the last fully-processed item and whether one
// is recorded.
func (c Checkpoint) LastItemID() (string, bool) {
	if c.lastItemID == nil {
		return "", false
	}
	return *c.lastItemID, true
}

// LastSubItem returns the name of the sub-item in flight when the checkpoint
// was written and whether one is recorded.
func (c Checkpoint) LastSubItem() (string, bool) {
	if c.lastSubItem == nil {
		return "", false
	}
	return *c.lastSubItem, true
}

// SetsLastItem reports whether this mutation advances the last item id.
func (c Checkpoint) SetsLastItem() bool { return c.lastItemID != nil }

// SetsLastSubItem reports whether this mutation advances the sub-item name.
func (c Checkpoint) SetsLastSubItem() bool { return c.lastSubItem != nil }

// ClearsLastItem reports whether this mutation explicitly clears the last
// item id.
func (c Checkpoint) ClearsLastItem() bool { return c.clearLastItem }

// ClearsLastSubItem reports whether this mutation explicitly clears the
// sub-item name.
func (c Checkpoint) ClearsLastSubItem() bool { return c.clearLastSub }

// Merge applies this mutation on top of a previously stored checkpoint and
// returns the resulting row. Fields neither set nor cleared by the mutation
// preserve their stored values.
func (c Checkpoint) Merge(prev Checkpoint) Checkpoint {
	out := prev
	out.scanID = c.scanID
	out.groupKey = c.groupKey
	out.status = c.status
	out.progressPct = c.progressPct
	out.updatedAt = c.updatedAt
	out.clearLastItem = false
	out.clearLastSub = false

	switch {
	case c.clearLastItem:
		out.lastItemID = nil
	case c.lastItemID != nil:
		out.lastItemID = c.lastItemID
	}

	switch {
	case c.clearLastSub:
		out.lastSubItem = nil
	case c.lastSubItem != nil:
		out.lastSubItem = c.lastSubItem
	}

	return out
}

// WithStatus returns a copy of the checkpoint row moved to the target status.
// The transition must already have been validated.
func (c Checkpoint) WithStatus(status CheckpointStatus) Checkpoint {
	out := c
	out.status = status
	out.updatedAt = time.Now().UTC()
	return out
}
