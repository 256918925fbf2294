package scan

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/piisweep/piisweep/internal/domain/pii"
)

// ErrNoCheckpoint is returned when no checkpoint exists for a (scan, group)
// pair.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CheckpointRepository persists one checkpoint row per (scan, group) pair.
type CheckpointRepository interface {
	// Save merges the checkpoint mutation into the stored row, creating it if
	// absent. Fields the mutation neither sets nor clears keep their stored
	// values.
	Save(ctx context.Context, cp Checkpoint) error

	// FindByScan returns all checkpoint rows for a scan.
	FindByScan(ctx context.Context, scanID uuid.UUID) ([]Checkpoint, error)

	// FindByGroup returns the checkpoint row for one group of a scan, or
	// ErrNoCheckpoint.
	FindByGroup(ctx context.Context, scanID uuid.UUID, groupKey string) (Checkpoint, error)

	// DeleteByScan removes every checkpoint row of a scan.
	DeleteByScan(ctx context.Context, scanID uuid.UUID) error
}

// EventRepository is the append-only scan event log.
type EventRepository interface {
	// Append writes one event. Events are immutable once written.
	Append(ctx context.Context, evt Event) error

	// FindByScan returns a scan's events with sequence numbers strictly
	// greater than afterSeq, in sequence order.
	FindByScan(ctx context.Context, scanID uuid.UUID, afterSeq int64) ([]Event, error)

	// LastSeq returns the highest sequence number recorded for a scan, or 0
	// when the scan has no events.
	LastSeq(ctx context.Context, scanID uuid.UUID) (int64, error)

	// DeleteByScan removes every event of a scan.
	DeleteByScan(ctx context.Context, scanID uuid.UUID) error
}

// ContentSource lists the groups, items, and sub-items of the content system
// under scan. Connection and auth concerns are handled by the implementation.
type ContentSource interface {
	ListGroups(ctx context.Context) ([]Group, error)
	ListItems(ctx context.Context, groupKey string) ([]Item, error)
	ListSubItems(ctx context.Context, itemID string) ([]SubItem, error)

	// DownloadSubItem fetches the raw bytes of a sub-item for extraction.
	DownloadSubItem(ctx context.Context, subItemID string) ([]byte, error)
}

// Detector analyzes one piece of text for sensitive-data spans. The
// orchestrator wraps each call in its own timeout.
type Detector interface {
	Detect(ctx context.Context, text string) (pii.Detection, error)
}

// Extractor turns a sub-item's raw bytes into text. The boolean is false when
// the sub-item yields no analyzable text, which is a normal outcome and not
// an error.
type Extractor interface {
	Extract(ctx context.Context, sub SubItem, data []byte) (string, bool, error)
}
