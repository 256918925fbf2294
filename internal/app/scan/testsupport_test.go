package scan

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

// memCheckpointStore is an in-memory CheckpointRepository applying the
// domain merge rules the way the persistent stores do.
type memCheckpointStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]map[string]scan.Checkpoint
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{rows: make(map[uuid.UUID]map[string]scan.Checkpoint)}
}

func (s *memCheckpointStore) Save(_ context.Context, cp scan.Checkpoint) error {
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

func (s *memCheckpointStore) FindByScan(_ context.Context, scanID uuid.UUID) ([]scan.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []scan.Checkpoint
	for _, cp := range s.rows[scanID] {
		out = append(out, cp)
	}
	return out, nil
}

func (s *memCheckpointStore) FindByGroup(_ context.Context, scanID uuid.UUID, groupKey string) (scan.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.rows[scanID][groupKey]
	if !ok {
		return scan.Checkpoint{}, scan.ErrNoCheckpoint
	}
	return cp, nil
}

func (s *memCheckpointStore) DeleteByScan(_ context.Context, scanID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, scanID)
	return nil
}

// memEventStore is an in-memory append-only EventRepository.
type memEventStore struct {
	mu     sync.Mutex
	events map[uuid.UUID][]scan.Event
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[uuid.UUID][]scan.Event)}
}

func (s *memEventStore) Append(_ context.Context, evt scan.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ScanID()] = append(s.events[evt.ScanID()], evt)
	return nil
}

func (s *memEventStore) FindByScan(_ context.Context, scanID uuid.UUID, afterSeq int64) ([]scan.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []scan.Event
	for _, evt := range s.events[scanID] {
		if evt.EventSeq() > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *memEventStore) LastSeq(_ context.Context, scanID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	for _, evt := range s.events[scanID] {
		if evt.EventSeq() > last {
			last = evt.EventSeq()
		}
	}
	return last, nil
}

func (s *memEventStore) DeleteByScan(_ context.Context, scanID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, scanID)
	return nil
}

// stubSource is a canned ContentSource with per-call error injection.
type stubSource struct {
	groups []scan.Group
	items  map[string][]scan.Item
	subs   map[string][]scan.SubItem
	data   map[string][]byte

	listGroupsErr error
	listItemsErr  map[string]error
	listSubsErr   map[string]error
	downloadErr   map[string]error
}

func (s *stubSource) ListGroups(context.Context) ([]scan.Group, error) {
	if s.listGroupsErr != nil {
		return nil, s.listGroupsErr
	}
	return s.groups, nil
}

func (s *stubSource) ListItems(_ context.Context, groupKey string) ([]scan.Item, error) {
	if err := s.listItemsErr[groupKey]; err != nil {
		return nil, err
	}
	return s.items[groupKey], nil
}

func (s *stubSource) ListSubItems(_ context.Context, itemID string) ([]scan.SubItem, error) {
	if err := s.listSubsErr[itemID]; err != nil {
		return nil, err
	}
	return s.subs[itemID], nil
}

func (s *stubSource) DownloadSubItem(_ context.Context, subItemID string) ([]byte, error) {
	if err := s.downloadErr[subItemID]; err != nil {
		return nil, err
	}
	return s.data[subItemID], nil
}

// stubDetector delegates to a configurable detect function.
type stubDetector struct {
	fn func(ctx context.Context, text string) (pii.Detection, error)
}

func (d *stubDetector) Detect(ctx context.Context, text string) (pii.Detection, error) {
	return d.fn(ctx, text)
}

// detectOneEmail fabricates a single email entity spanning the start of the
// text, enough to exercise the entity pipeline.
func detectOneEmail(_ context.Context, text string) (pii.Detection, error) {
	end := len(text)
	if end > 10 {
		end = 10
	}
	span := pii.Span{Type: "EMAIL", Label: "EMAIL", Start: 0, End: end, Confidence: 0.95, RawValue: text[:end]}
	return pii.Detection{
		Entities: []pii.Entity{pii.NewEntityFromSpan(span, text)},
		Stats:    pii.Statistics{CharsProcessed: len(text), SpanCount: 1},
	}, nil
}

// rawTextExtractor treats sub-item bytes as plain text.
type rawTextExtractor struct{}

func (rawTextExtractor) Extract(_ context.Context, _ scan.SubItem, data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, nil
	}
	return string(data), true, nil
}

// passProtector leaves entities untouched. failProtector always errors.
type passProtector struct{}

func (passProtector) EncryptEntities(_ context.Context, entities []pii.Entity) ([]pii.Entity, error) {
	return entities, nil
}

type failProtector struct{ err error }

func (p failProtector) EncryptEntities(context.Context, []pii.Entity) ([]pii.Entity, error) {
	return nil, p.err
}

// eventCollector records emitted events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []scan.Event
}

func (c *eventCollector) emit(evt scan.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) all() []scan.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scan.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) types() []scan.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scan.EventType, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type())
	}
	return out
}

type orchestratorFixture struct {
	orch        *Orchestrator
	checkpoints *memCheckpointStore
	events      *memEventStore
}

func newOrchestratorFixture(src scan.ContentSource, det scan.Detector, prot EntityProtector) orchestratorFixture {
	cps := newMemCheckpointStore()
	evts := newMemEventStore()
	orch := NewOrchestrator(
		src,
		det,
		rawTextExtractor{},
		prot,
		cps,
		evts,
		500*time.Millisecond,
		16,
		testLogger(),
		noop.NewTracerProvider().Tracer("test"),
	)
	return orchestratorFixture{orch: orch, checkpoints: cps, events: evts}
}
