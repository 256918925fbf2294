package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

var (
	// ErrScanNotRunning is returned when an operation requires a live run.
	ErrScanNotRunning = errors.New("scan is not running")

	// ErrScanRunning is returned when an operation requires the scan to be
	// stopped first.
	ErrScanRunning = errors.New("scan is currently running")

	// ErrScanPaused is the cancellation cause used when a run is paused. The
	// orchestrator surfaces it so the controller can tell a pause apart from a
	// genuine failure.
	ErrScanPaused = errors.New("scan paused")
)

// runHandle tracks one live scan execution.
type runHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Controller owns the lifecycle of scan runs: it launches them on detached
// contexts, tracks them in a registry keyed by scan ID, translates pause
// requests into cancellation, and reconciles checkpoint statuses when a run
// ends. Event fan-out to subscribers goes through a per-scan broadcaster.
type Controller struct {
	orch        *Orchestrator
	checkpoints scan.CheckpointRepository
	events      scan.EventRepository

	mu      sync.Mutex
	running map[uuid.UUID]*runHandle
	streams map[uuid.UUID]*Broadcaster

	logger *logger.Logger
	tracer trace.Tracer
}

// NewController creates a scan lifecycle controller.
func NewController(
	orch *Orchestrator,
	checkpoints scan.CheckpointRepository,
	events scan.EventRepository,
	log *logger.Logger,
	tracer trace.Tracer,
) *Controller {
	return &Controller{
		orch:        orch,
		checkpoints: checkpoints,
		events:      events,
		running:     make(map[uuid.UUID]*runHandle),
		streams:     make(map[uuid.UUID]*Broadcaster),
		logger:      log.With("component", "scan_controller"),
		tracer:      tracer,
	}
}

// StartAllGroups launches a from-scratch scan over every group and returns
// its ID immediately. The run proceeds on a detached context so consumer
// disconnection never stops it.
func (c *Controller) StartAllGroups(ctx context.Context) (uuid.UUID, error) {
	_, span := c.tracer.Start(ctx, "scan_controller.start_all_groups")
	defer span.End()

	scanID := uuid.New()
	c.launch(scanID, func(runCtx context.Context, emit EmitFunc) error {
		return c.orch.ScanAllGroups(runCtx, scanID, emit)
	})
	span.SetAttributes(attribute.String("scan_id", scanID.String()))
	return scanID, nil
}

// StartGroup launches a from-scratch scan over a single group.
func (c *Controller) StartGroup(ctx context.Context, groupKey string) (uuid.UUID, error) {
	_, span := c.tracer.Start(ctx, "scan_controller.start_group",
		trace.WithAttributes(attribute.String("group_key", groupKey)))
	defer span.End()

	if groupKey == "" {
		return uuid.Nil, errors.New("group key is required")
	}

	scanID := uuid.New()
	c.launch(scanID, func(runCtx context.Context, emit EmitFunc) error {
		return c.orch.ScanGroup(runCtx, scanID, groupKey, emit)
	})
	span.SetAttributes(attribute.String("scan_id", scanID.String()))
	return scanID, nil
}

// Pause cancels a running scan and blocks until its queued events and
// checkpoints are durably written and every resumable checkpoint carries
// PAUSED status. Pausing a scan that is not running returns ErrScanNotRunning.
func (c *Controller) Pause(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "scan_controller.pause",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	c.mu.Lock()
	h, ok := c.running[scanID]
	c.mu.Unlock()
	if !ok {
		return ErrScanNotRunning
	}

	h.cancel(ErrScanPaused)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-launches a paused scan from its stored checkpoints. The scan must
// not be running; a scan with no checkpoints cannot be resumed.
func (c *Controller) Resume(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "scan_controller.resume",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	c.mu.Lock()
	_, live := c.running[scanID]
	c.mu.Unlock()
	if live {
		return ErrScanRunning
	}

	cps, err := c.checkpoints.FindByScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("loading checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return scan.ErrNoCheckpoint
	}

	c.launch(scanID, func(runCtx context.Context, emit EmitFunc) error {
		return c.orch.ResumeAllGroups(runCtx, scanID, emit)
	})
	return nil
}

// Subscribe attaches a consumer to a scan's event stream. It returns the
// persisted events with sequence numbers greater than afterSeq, plus a live
// channel when the scan is running. The live subscription is registered
// before the replay query, so the two may overlap; callers must skip live
// events whose sequence number does not exceed the last replayed one. The
// returned cancel func releases the live subscription.
func (c *Controller) Subscribe(ctx context.Context, scanID uuid.UUID, afterSeq int64, buffer int) ([]scan.Event, <-chan scan.Event, func(), error) {
	c.mu.Lock()
	bc := c.streams[scanID]
	c.mu.Unlock()

	var (
		live   <-chan scan.Event
		cancel func()
	)
	if bc != nil {
		live, cancel = bc.Subscribe(buffer)
	} else {
		closed := make(chan scan.Event)
		close(closed)
		live, cancel = closed, func() {}
	}

	replay, err := c.events.FindByScan(ctx, scanID, afterSeq)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("loading event history: %w", err)
	}
	return replay, live, cancel, nil
}

// Running reports whether the scan currently has a live run.
func (c *Controller) Running(scanID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[scanID]
	return ok
}

// Purge removes every stored event, checkpoint, and encrypted finding of a
// scan. A running scan must be paused first.
func (c *Controller) Purge(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "scan_controller.purge",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	c.mu.Lock()
	_, live := c.running[scanID]
	c.mu.Unlock()
	if live {
		return ErrScanRunning
	}

	if err := c.events.DeleteByScan(ctx, scanID); err != nil {
		return fmt.Errorf("deleting scan events: %w", err)
	}
	if err := c.checkpoints.DeleteByScan(ctx, scanID); err != nil {
		return fmt.Errorf("deleting scan checkpoints: %w", err)
	}
	c.logger.Info(ctx, "scan data purged", "scan_id", scanID)
	return nil
}

// Shutdown pauses every running scan and waits for their persistence queues
// to drain, bounded by the context.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]*runHandle, 0, len(c.running))
	for _, h := range c.running {
		h.cancel(ErrScanPaused)
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launch registers a run and starts it on a goroutine with a detached,
// cause-cancellable context.
func (c *Controller) launch(scanID uuid.UUID, run func(context.Context, EmitFunc) error) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	bc := NewBroadcaster()

	c.mu.Lock()
	c.running[scanID] = h
	c.streams[scanID] = bc
	c.mu.Unlock()

	go func() {
		defer close(h.done)
		err := run(runCtx, bc.Publish)
		cancel(nil)
		c.finish(scanID, bc, err)
	}()
}

// finish reconciles checkpoint statuses after a run ends and tears down the
// run's registry entries. It runs on a fresh context because the run context
// is already cancelled.
func (c *Controller) finish(scanID uuid.UUID, bc *Broadcaster, err error) {
	ctx := context.Background()

	switch {
	case err == nil:
		c.logger.Info(ctx, "scan run finished", "scan_id", scanID)
	case errors.Is(err, ErrScanPaused):
		c.markCheckpoints(ctx, scanID, scan.StatusPaused)
		c.logger.Info(ctx, "scan run paused", "scan_id", scanID)
	default:
		c.markCheckpoints(ctx, scanID, scan.StatusFailed)
		c.logger.Error(ctx, "scan run failed", "scan_id", scanID, "error", err)
	}

	c.mu.Lock()
	delete(c.running, scanID)
	delete(c.streams, scanID)
	c.mu.Unlock()

	bc.Close()
}

// markCheckpoints transitions every non-terminal checkpoint of a scan to the
// given status. Terminal checkpoints are left untouched; a completed group
// never comes back.
func (c *Controller) markCheckpoints(ctx context.Context, scanID uuid.UUID, status scan.CheckpointStatus) {
	cps, err := c.checkpoints.FindByScan(ctx, scanID)
	if err != nil {
		c.logger.Error(ctx, "loading checkpoints for status transition failed",
			"scan_id", scanID, "error", err)
		return
	}

	for _, cp := range cps {
		if err := cp.Status().ValidateTransition(status); err != nil {
			c.logger.Debug(ctx, "skipping checkpoint status transition",
				"scan_id", scanID, "group_key", cp.GroupKey(), "from", cp.Status(), "to", status)
			continue
		}
		if err := c.checkpoints.Save(ctx, cp.WithStatus(status)); err != nil {
			c.logger.Error(ctx, "saving checkpoint status failed",
				"scan_id", scanID, "group_key", cp.GroupKey(), "error", err)
		}
	}
}
