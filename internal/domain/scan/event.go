// Package scan contains the domain model for resumable PII scans: the
// append-only event vocabulary, durable checkpoints with their merge rules,
// group/item content shapes, progress calculation, and the failure taxonomy
// that keeps per-item errors from terminating a scan.
package scan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/piisweep/piisweep/internal/domain/pii"
)

// EventType identifies the category of a scan event for routing and handling.
type EventType string

const (
	// EventTypeStart opens a single-group scan pass.
	EventTypeStart EventType = "START"

	// EventTypePageStart announces that an item is about to be processed.
	EventTypePageStart EventType = "PAGE_START"

	// EventTypeItem carries the detection result for an item's own content.
	EventTypeItem EventType = "ITEM"

	// EventTypeAttachmentItem carries the detection result for one sub-item.
	EventTypeAttachmentItem EventType = "ATTACHMENT_ITEM"

	// EventTypePageComplete marks an item, including its sub-items, as done.
	EventTypePageComplete EventType = "PAGE_COMPLETE"

	// EventTypeError replaces a normal event when an item or sub-item failed.
	// The stream continues past it.
	EventTypeError EventType = "ERROR"

	// EventTypeComplete closes a group's scan pass.
	EventTypeComplete EventType = "COMPLETE"

	// EventTypeMultiStart opens an all-groups scan.
	EventTypeMultiStart EventType = "MULTI_START"

	// EventTypeMultiComplete closes an all-groups scan.
	EventTypeMultiComplete EventType = "MULTI_COMPLETE"
)

// String returns the string representation of the EventType.
func (t EventType) String() string { return string(t) }

// IsTerminal reports whether the event type ends a scan or group. Consumers
// must rely on terminal events, not stream closure, to know a scan is done.
func (t EventType) IsTerminal() bool {
	return t == EventTypeComplete || t == EventTypeMultiComplete
}

// Event is one entry in a scan's append-only event log. Events are immutable
// once written and form the authoritative history used for reporting and for
// reconstructing state after a crash.
type Event struct {
	scanID      uuid.UUID
	eventSeq    int64
	groupKey    string
	eventType   EventType
	timestamp   time.Time
	itemID      string
	itemTitle   string
	subItemName string
	subItemType string
	entities    []pii.Entity
	progressPct int
	message     string
}

// NewStartEvent opens a group's event sequence.
func NewStartEvent(scanID uuid.UUID, seq int64, groupKey string, totalItems int) Event {
	return Event{
		scanID:    scanID,
		eventSeq:  seq,
		groupKey:  groupKey,
		eventType: EventTypeStart,
		timestamp: time.Now().UTC(),
		message:   fmt.Sprintf("scan started: %d items", totalItems),
	}
}

// NewPageStartEvent announces that an item's processing has begun.
func NewPageStartEvent(scanID uuid.UUID, seq int64, groupKey string, item Item, progressPct int) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypePageStart,
		timestamp:   time.Now().UTC(),
		itemID:      item.ID,
		itemTitle:   item.Title,
		progressPct: progressPct,
	}
}

// NewItemEvent carries the detection result for an item's own content.
func NewItemEvent(scanID uuid.UUID, seq int64, groupKey string, item Item, entities []pii.Entity, progressPct int) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypeItem,
		timestamp:   time.Now().UTC(),
		itemID:      item.ID,
		itemTitle:   item.Title,
		entities:    entities,
		progressPct: progressPct,
	}
}

// NewEmptyItemEvent records an item with no text content. Detection is never
// invoked for such items.
func NewEmptyItemEvent(scanID uuid.UUID, seq int64, groupKey string, item Item, progressPct int) Event {
	evt := NewItemEvent(scanID, seq, groupKey, item, nil, progressPct)
	evt.message = "no content to analyze"
	return evt
}

// NewAttachmentEvent carries the detection result for one sub-item of an item.
func NewAttachmentEvent(
	scanID uuid.UUID,
	seq int64,
	groupKey string,
	item Item,
	sub SubItem,
	entities []pii.Entity,
	progressPct int,
) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypeAttachmentItem,
		timestamp:   time.Now().UTC(),
		itemID:      item.ID,
		itemTitle:   item.Title,
		subItemName: sub.Name,
		subItemType: sub.MediaType,
		entities:    entities,
		progressPct: progressPct,
	}
}

// NewPageCompleteEvent marks an item as fully processed.
func NewPageCompleteEvent(scanID uuid.UUID, seq int64, groupKey string, item Item, progressPct int) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypePageComplete,
		timestamp:   time.Now().UTC(),
		itemID:      item.ID,
		itemTitle:   item.Title,
		progressPct: progressPct,
	}
}

// NewErrorEvent replaces the normal event for an item or sub-item that failed.
func NewErrorEvent(scanID uuid.UUID, seq int64, groupKey string, itemID string, failure Failure, progressPct int) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypeError,
		timestamp:   time.Now().UTC(),
		itemID:      itemID,
		progressPct: progressPct,
		message:     failure.String(),
	}
}

// NewCompleteEvent closes a group's event sequence.
func NewCompleteEvent(scanID uuid.UUID, seq int64, groupKey string) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		groupKey:    groupKey,
		eventType:   EventTypeComplete,
		timestamp:   time.Now().UTC(),
		progressPct: 100,
	}
}

// NewMultiStartEvent opens an all-groups scan.
func NewMultiStartEvent(scanID uuid.UUID, seq int64, groupCount int) Event {
	return Event{
		scanID:    scanID,
		eventSeq:  seq,
		eventType: EventTypeMultiStart,
		timestamp: time.Now().UTC(),
		message:   fmt.Sprintf("scanning %d groups", groupCount),
	}
}

// NewMultiCompleteEvent closes an all-groups scan.
func NewMultiCompleteEvent(scanID uuid.UUID, seq int64) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    seq,
		eventType:   EventTypeMultiComplete,
		timestamp:   time.Now().UTC(),
		progressPct: 100,
	}
}

// ReconstructEvent creates an Event from persisted data. This should only be
// used by repositories when rehydrating from storage.
func ReconstructEvent(
	scanID uuid.UUID,
	eventSeq int64,
	groupKey string,
	eventType EventType,
	timestamp time.Time,
	itemID string,
	itemTitle string,
	subItemName string,
	subItemType string,
	entities []pii.Entity,
	progressPct int,
	message string,
) Event {
	return Event{
		scanID:      scanID,
		eventSeq:    eventSeq,
		groupKey:    groupKey,
		eventType:   eventType,
		timestamp:   timestamp,
		itemID:      itemID,
		itemTitle:   itemTitle,
		subItemName: subItemName,
		subItemType: subItemType,
		entities:    entities,
		progressPct: progressPct,
		message:     message,
	}
}

// Getters for Event.
func (e Event) ScanID() uuid.UUID    { return e.scanID }
func (e Event) EventSeq() int64      { return e.eventSeq }
func (e Event) GroupKey() string     { return e.groupKey }
func (e Event) Type() EventType      { return e.eventType }
func (e Event) Timestamp() time.Time { return e.timestamp }
func (e Event) ItemID() string       { return e.itemID }
func (e Event) ItemTitle() string    { return e.itemTitle }
func (e Event) SubItemName() string  { return e.subItemName }
func (e Event) SubItemType() string  { return e.subItemType }
func (e Event) ProgressPct() int     { return e.progressPct }
func (e Event) Message() string      { return e.message }

// Entities returns a copy of the event's detected entities.
func (e Event) Entities() []pii.Entity {
	if e.entities == nil {
		return nil
	}
	out := make([]pii.Entity, len(e.entities))
	copy(out, e.entities)
	return out
}

// WithEntities returns a copy of the event carrying the provided entity list.
// Used by the encryption layer, which never mutates its input.
func (e Event) WithEntities(entities []pii.Entity) Event {
	out := e
	out.entities = entities
	return out
}

// eventJSON is the wire/storage representation of an Event.
type eventJSON struct {
	ScanID      string       `json:"scan_id"`
	EventSeq    int64        `json:"event_seq"`
	GroupKey    string       `json:"group_key,omitempty"`
	EventType   EventType    `json:"event_type"`
	Timestamp   time.Time    `json:"timestamp"`
	ItemID      string       `json:"item_id,omitempty"`
	ItemTitle   string       `json:"item_title,omitempty"`
	SubItemName string       `json:"sub_item_name,omitempty"`
	SubItemType string       `json:"sub_item_type,omitempty"`
	Entities    []pii.Entity `json:"entities,omitempty"`
	ProgressPct int          `json:"progress_pct"`
	Message     string       `json:"message,omitempty"`
}

// MarshalJSON serializes the Event for the event stream and storage.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ScanID:      e.scanID.String(),
		EventSeq:    e.eventSeq,
		GroupKey:    e.groupKey,
		EventType:   e.eventType,
		Timestamp:   e.timestamp,
		ItemID:      e.itemID,
		ItemTitle:   e.itemTitle,
		SubItemName: e.subItemName,
		SubItemType: e.subItemType,
		Entities:    e.entities,
		ProgressPct: e.progressPct,
		Message:     e.message,
	})
}

// UnmarshalJSON deserializes an Event from its wire/storage representation.
func (e *Event) UnmarshalJSON(data []byte) error {
	var aux eventJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	scanID, err := uuid.Parse(aux.ScanID)
	if err != nil {
		return fmt.Errorf("parsing scan id: %w", err)
	}
	*e = ReconstructEvent(
		scanID,
		aux.EventSeq,
		aux.GroupKey,
		aux.EventType,
		aux.Timestamp,
		aux.ItemID,
		aux.ItemTitle,
		aux.SubItemName,
		aux.SubItemType,
		aux.Entities,
		aux.ProgressPct,
		aux.Message,
	)
	return nil
}
