// Package memory provides in-memory implementations of the scan
// repositories, used for local development and as reference behavior for the
// PostgreSQL stores.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/piisweep/piisweep/internal/domain/scan"
)

var _ scan.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore keeps checkpoint rows in a nested map keyed by scan then
// group, applying the domain merge rule on save.
type CheckpointStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[string]scan.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint repository.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{rows: make(map[uuid.UUID]map[string]scan.Checkpoint)}
}

// Save merges the checkpoint mutation into the stored row.
func (s *CheckpointStore) Save(_ context.Context, cp scan.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, ok := s.rows[cp.ScanID()]
	if !ok {
		groups = make(map[string]scan.Checkpoint)
		s.rows[cp.ScanID()] = groups
	}
	groups[cp.GroupKey()] = cp.Merge(groups[cp.GroupKey()])
	return nil
}

// FindByScan returns all checkpoint rows of a scan.
func (s *CheckpointStore) FindByScan(_ context.Context, scanID uuid.UUID) ([]scan.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []scan.Checkpoint
	for _, cp := range s.rows[scanID] {
		out = append(out, cp)
	}
	return out, nil
}

// FindByGroup returns the checkpoint row for one group of a scan, or
// scan.ErrNoCheckpoint.
func (s *CheckpointStore) FindByGroup(_ context.Context, scanID uuid.UUID, groupKey string) (scan.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.rows[scanID][groupKey]
	if !ok {
		return scan.Checkpoint{}, scan.ErrNoCheckpoint
	}
	return cp, nil
}

// DeleteByScan removes every checkpoint row of a scan.
func (s *CheckpointStore) DeleteByScan(_ context.Context, scanID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, scanID)
	return nil
}

var _ scan.EventRepository = (*EventStore)(nil)

// EventStore keeps each scan's event log as an append-only slice.
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID][]scan.Event
}

// NewEventStore creates an empty in-memory event repository.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[uuid.UUID][]scan.Event)}
}

// Append writes one event.
func (s *EventStore) Append(_ context.Context, evt scan.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ScanID()] = append(s.events[evt.ScanID()], evt)
	return nil
}

// FindByScan returns a scan's events after the given sequence number, in
// sequence order.
func (s *EventStore) FindByScan(_ context.Context, scanID uuid.UUID, afterSeq int64) ([]scan.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []scan.Event
	for _, evt := range s.events[scanID] {
		if evt.EventSeq() > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

// LastSeq returns the highest sequence number recorded for a scan, or 0.
func (s *EventStore) LastSeq(_ context.Context, scanID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, evt := range s.events[scanID] {
		if evt.EventSeq() > last {
			last = evt.EventSeq()
		}
	}
	return last, nil
}

// DeleteByScan removes every event of a scan.
func (s *EventStore) DeleteByScan(_ context.Context, scanID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, scanID)
	return nil
}
