package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

// EmitFunc receives each event as it is produced. Implementations must not
// block; the broadcaster's best-effort delivery satisfies this.
type EmitFunc func(scan.Event)

// EntityProtector encrypts detected entities before they leave the
// orchestrator. Encryption failures are fatal for the scan.
type EntityProtector interface {
	EncryptEntities(ctx context.Context, entities []pii.Entity) ([]pii.Entity, error)
}

// Orchestrator turns ordered item lists into sequenced, persisted event
// streams. Per-item failures are classified and emitted as error events; the
// stream always reaches its terminal event. Persistence runs on a dedicated
// goroutine whose context survives pause and consumer disconnection, because
// losing a checkpoint write would make the next resume incorrect.
type Orchestrator struct {
	source      scan.ContentSource
	detector    scan.Detector
	extractor   scan.Extractor
	protector   EntityProtector
	checkpoints scan.CheckpointRepository
	events      scan.EventRepository

	detectTimeout time.Duration
	persistBuffer int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates a scan orchestrator with the given collaborators.
// The detect timeout bounds each detection call; the persist buffer bounds
// how far event production may run ahead of durable writes.
func NewOrchestrator(
	source scan.ContentSource,
	detector scan.Detector,
	extractor scan.Extractor,
	protector EntityProtector,
	checkpoints scan.CheckpointRepository,
	events scan.EventRepository,
	detectTimeout time.Duration,
	persistBuffer int,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	if persistBuffer <= 0 {
		persistBuffer = 64
	}
	return &Orchestrator{
		source:        source,
		detector:      detector,
		extractor:     extractor,
		protector:     protector,
		checkpoints:   checkpoints,
		events:        events,
		detectTimeout: detectTimeout,
		persistBuffer: persistBuffer,
		logger:        log.With("component", "scan_orchestrator"),
		tracer:        tracer,
	}
}

// ScanGroup runs a from-scratch pass over a single group, blocking until the
// group reaches its terminal event or the context is cancelled.
func (o *Orchestrator) ScanGroup(ctx context.Context, scanID uuid.UUID, groupKey string, emit EmitFunc) error {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scan_group",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.String("group_key", groupKey),
		))
	defer span.End()

	r := o.newRunner(ctx, scanID, emit, 0)
	return r.finish(r.scanSingleGroup(ctx, groupKey, false))
}

// ScanAllGroups runs a from-scratch pass over every group of the content
// source, sequentially, wrapped in multiStart/multiComplete.
func (o *Orchestrator) ScanAllGroups(ctx context.Context, scanID uuid.UUID, emit EmitFunc) error {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scan_all_groups",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	r := o.newRunner(ctx, scanID, emit, 0)
	return r.finish(r.scanAllGroups(ctx, false))
}

// ResumeGroup re-enters a single group from its checkpoint.
func (o *Orchestrator) ResumeGroup(ctx context.Context, scanID uuid.UUID, groupKey string, emit EmitFunc) error {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.resume_group",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.String("group_key", groupKey),
		))
	defer span.End()

	lastSeq, err := o.events.LastSeq(ctx, scanID)
	if err != nil {
		return fmt.Errorf("loading last event sequence: %w", err)
	}

	r := o.newRunner(ctx, scanID, emit, lastSeq)
	return r.finish(r.scanSingleGroup(ctx, groupKey, true))
}

// ResumeAllGroups re-enters every group of a scan from its checkpoints,
// skipping completed groups entirely.
func (o *Orchestrator) ResumeAllGroups(ctx context.Context, scanID uuid.UUID, emit EmitFunc) error {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.resume_all_groups",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	lastSeq, err := o.events.LastSeq(ctx, scanID)
	if err != nil {
		return fmt.Errorf("loading last event sequence: %w", err)
	}

	r := o.newRunner(ctx, scanID, emit, lastSeq)
	return r.finish(r.scanAllGroups(ctx, true))
}

// runner owns one scan execution: a sequence counter, the emit callback, and
// the persistence goroutine consuming produced events in order.
type runner struct {
	o      *Orchestrator
	scanID uuid.UUID
	emit   EmitFunc
	seq    int64

	persistCh   chan scan.Event
	persistDone chan struct{}
	persistErr  error
}

func (o *Orchestrator) newRunner(ctx context.Context, scanID uuid.UUID, emit EmitFunc, lastSeq int64) *runner {
	r := &runner{
		o:           o,
		scanID:      scanID,
		emit:        emit,
		seq:         lastSeq,
		persistCh:   make(chan scan.Event, o.persistBuffer),
		persistDone: make(chan struct{}),
	}

	// Persistence is deliberately not cancelled by pause or consumer
	// disconnection: every event already queued must reach storage.
	pctx := context.WithoutCancel(ctx)
	go r.persistLoop(pctx)

	return r
}

func (r *runner) persistLoop(ctx context.Context) {
	defer close(r.persistDone)

	var errs []error
	for evt := range r.persistCh {
		if err := r.o.events.Append(ctx, evt); err != nil {
			r.o.logger.Error(ctx, "appending scan event failed",
				"scan_id", r.scanID, "event_seq", evt.EventSeq(), "error", err)
			errs = append(errs, err)
			continue
		}
		if cp, ok := scan.CheckpointForEvent(evt); ok {
			if err := r.o.checkpoints.Save(ctx, cp); err != nil {
				r.o.logger.Error(ctx, "saving checkpoint failed",
					"scan_id", r.scanID, "group_key", evt.GroupKey(), "error", err)
				errs = append(errs, err)
			}
		}
	}
	r.persistErr = errors.Join(errs...)
}

// finish closes the persistence queue, waits for queued writes to land, and
// folds any persistence failure into the run's result.
func (r *runner) finish(runErr error) error {
	close(r.persistCh)
	<-r.persistDone

	if runErr != nil {
		return runErr
	}
	return r.persistErr
}

func (r *runner) nextSeq() int64 {
	r.seq++
	return r.seq
}

// yield queues an event for persistence and hands it to the subscriber side.
// The queue send may block briefly when production outruns storage; emission
// never blocks.
func (r *runner) yield(evt scan.Event) {
	r.persistCh <- evt
	if r.emit != nil {
		r.emit(evt)
	}
}

func (r *runner) scanSingleGroup(ctx context.Context, groupKey string, resume bool) error {
	items, err := r.o.source.ListItems(ctx, groupKey)
	if err != nil {
		if cerr := context.Cause(ctx); cerr != nil {
			return cerr
		}
		// Enumeration failure ends the group's contribution with a single
		// error event, then the deterministic terminal event.
		failure := scan.ClassifyDetectionFailure(err)
		r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), groupKey, "", failure, 0))
		r.yield(scan.NewCompleteEvent(r.scanID, r.nextSeq(), groupKey))
		return nil
	}

	plan := PlanFresh(items)
	if resume {
		plan, err = r.planGroup(ctx, groupKey, items)
		if err != nil {
			return err
		}
	}

	return r.runGroup(ctx, groupKey, plan)
}

func (r *runner) scanAllGroups(ctx context.Context, resume bool) error {
	groups, err := r.o.source.ListGroups(ctx)
	if err != nil {
		if cerr := context.Cause(ctx); cerr != nil {
			return cerr
		}
		r.yield(scan.NewMultiStartEvent(r.scanID, r.nextSeq(), 0))
		failure := scan.ClassifyDetectionFailure(err)
		r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), "", "", failure, 0))
		r.yield(scan.NewMultiCompleteEvent(r.scanID, r.nextSeq()))
		return nil
	}

	r.yield(scan.NewMultiStartEvent(r.scanID, r.nextSeq(), len(groups)))

	if len(groups) == 0 {
		failure := scan.Failure{Kind: scan.FailureRemoteService, Message: "no groups found"}
		r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), "", "", failure, 0))
		r.yield(scan.NewMultiCompleteEvent(r.scanID, r.nextSeq()))
		return nil
	}

	for _, group := range groups {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		items, err := r.o.source.ListItems(ctx, group.Key)
		if err != nil {
			if cerr := context.Cause(ctx); cerr != nil {
				return cerr
			}
			// One group's enumeration failure must not take its siblings
			// down with it.
			failure := scan.ClassifyDetectionFailure(err)
			r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), group.Key, "", failure, 0))
			continue
		}

		plan := PlanFresh(items)
		if resume {
			plan, err = r.planGroup(ctx, group.Key, items)
			if err != nil {
				return err
			}
			if plan.Completed {
				r.o.logger.Debug(ctx, "skipping completed group",
					"scan_id", r.scanID, "group_key", group.Key)
				continue
			}
		}

		if err := r.runGroup(ctx, group.Key, plan); err != nil {
			return err
		}
	}

	r.yield(scan.NewMultiCompleteEvent(r.scanID, r.nextSeq()))
	return nil
}

func (r *runner) planGroup(ctx context.Context, groupKey string, items []scan.Item) (Plan, error) {
	cp, err := r.o.checkpoints.FindByGroup(ctx, r.scanID, groupKey)
	if err != nil {
		if errors.Is(err, scan.ErrNoCheckpoint) {
			return PlanFresh(items), nil
		}
		return Plan{}, fmt.Errorf("loading checkpoint for group %s: %w", groupKey, err)
	}
	return PlanResume(items, &cp), nil
}

// runGroup emits the fixed event sequence for one group: start, then per
// item {pageStart, attachmentItem*, item, pageComplete}, then complete.
func (r *runner) runGroup(ctx context.Context, groupKey string, plan Plan) error {
	if plan.Completed {
		// Nothing to re-do; report the group as done without per-item events.
		r.yield(scan.NewStartEvent(r.scanID, r.nextSeq(), groupKey, plan.OriginalTotal))
		r.yield(scan.NewCompleteEvent(r.scanID, r.nextSeq(), groupKey))
		return nil
	}

	r.yield(scan.NewStartEvent(r.scanID, r.nextSeq(), groupKey, plan.OriginalTotal))

	processed := plan.AnalyzedOffset
	for _, item := range plan.Remaining {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		progress := scan.Percentage(processed, plan.OriginalTotal)
		r.yield(scan.NewPageStartEvent(r.scanID, r.nextSeq(), groupKey, item, progress))

		if err := r.processSubItems(ctx, groupKey, item, progress); err != nil {
			return err
		}
		if err := r.processItemBody(ctx, groupKey, item, progress); err != nil {
			return err
		}

		processed++
		r.yield(scan.NewPageCompleteEvent(r.scanID, r.nextSeq(), groupKey, item,
			scan.Percentage(processed, plan.OriginalTotal)))
	}

	r.yield(scan.NewCompleteEvent(r.scanID, r.nextSeq(), groupKey))
	return nil
}

// processSubItems analyzes every attachment of an item. Listing, download,
// and extraction failures degrade to processing whatever remains; only
// detection and encryption failures surface, the former as error events.
func (r *runner) processSubItems(ctx context.Context, groupKey string, item scan.Item, progress int) error {
	subs, err := r.o.source.ListSubItems(ctx, item.ID)
	if err != nil {
		r.o.logger.Warn(ctx, "sub-item listing failed, degrading to item content only",
			"scan_id", r.scanID, "item_id", item.ID, "error", err)
		return nil
	}

	for _, sub := range subs {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		data, err := r.o.source.DownloadSubItem(ctx, sub.ID)
		if err != nil {
			r.o.logger.Warn(ctx, "sub-item download failed, skipping",
				"scan_id", r.scanID, "item_id", item.ID, "sub_item", sub.Name, "error", err)
			continue
		}

		text, ok, err := r.o.extractor.Extract(ctx, sub, data)
		if err != nil {
			r.o.logger.Warn(ctx, "sub-item text extraction failed, skipping",
				"scan_id", r.scanID, "item_id", item.ID, "sub_item", sub.Name, "error", err)
			continue
		}
		if !ok || strings.TrimSpace(text) == "" {
			// No analyzable text is a normal outcome, not an error.
			continue
		}

		entities, err := r.analyze(ctx, text)
		if err != nil {
			if cerr := context.Cause(ctx); cerr != nil {
				// The run itself was cancelled; this is a pause, not an
				// item failure.
				return cerr
			}
			if isFatal(err) {
				return err
			}
			failure := scan.ClassifyDetectionFailure(err)
			r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), groupKey, item.ID, failure, progress))
			continue
		}

		r.yield(scan.NewAttachmentEvent(r.scanID, r.nextSeq(), groupKey, item, sub, entities, progress))
	}

	return nil
}

func (r *runner) processItemBody(ctx context.Context, groupKey string, item scan.Item, progress int) error {
	if strings.TrimSpace(item.Body) == "" {
		// Detection is never invoked for empty content.
		r.yield(scan.NewEmptyItemEvent(r.scanID, r.nextSeq(), groupKey, item, progress))
		return nil
	}

	entities, err := r.analyze(ctx, item.Body)
	if err != nil {
		if cerr := context.Cause(ctx); cerr != nil {
			return cerr
		}
		if isFatal(err) {
			return err
		}
		failure := scan.ClassifyDetectionFailure(err)
		r.yield(scan.NewErrorEvent(r.scanID, r.nextSeq(), groupKey, item.ID, failure, progress))
		return nil
	}

	r.yield(scan.NewItemEvent(r.scanID, r.nextSeq(), groupKey, item, entities, progress))
	return nil
}

// analyze calls the detection collaborator under the configured timeout and
// encrypts the resulting entities. Detection errors are classifiable;
// encryption errors are fatal.
func (r *runner) analyze(ctx context.Context, text string) ([]pii.Entity, error) {
	dctx, cancel := context.WithTimeout(ctx, r.o.detectTimeout)
	defer cancel()

	detection, err := r.o.detector.Detect(dctx, text)
	if err != nil {
		return nil, err
	}

	entities, err := r.o.protector.EncryptEntities(ctx, detection.Entities)
	if err != nil {
		return nil, fatalError{err}
	}
	return entities, nil
}

// fatalError marks failures that must abort the scan instead of becoming
// error events.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}
