package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appscan "github.com/piisweep/piisweep/internal/app/scan"
	"github.com/piisweep/piisweep/internal/config"
	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/internal/infra/storage/scan/memory"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

type stubSource struct {
	groups []scan.Group
	items  map[string][]scan.Item
}

func (s *stubSource) ListGroups(context.Context) ([]scan.Group, error) { return s.groups, nil }

func (s *stubSource) ListItems(_ context.Context, groupKey string) ([]scan.Item, error) {
	return s.items[groupKey], nil
}

func (s *stubSource) ListSubItems(context.Context, string) ([]scan.SubItem, error) {
	return nil, nil
}

func (s *stubSource) DownloadSubItem(context.Context, string) ([]byte, error) {
	return nil, nil
}

type stubDetector struct{}

func (stubDetector) Detect(_ context.Context, text string) (pii.Detection, error) {
	return pii.Detection{Stats: pii.Statistics{CharsProcessed: len(text)}}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ scan.SubItem, data []byte) (string, bool, error) {
	return string(data), len(data) > 0, nil
}

type passProtector struct{}

func (passProtector) EncryptEntities(_ context.Context, entities []pii.Entity) ([]pii.Entity, error) {
	return entities, nil
}

type serverFixture struct {
	srv         *httptest.Server
	ctrl        *appscan.Controller
	checkpoints *memory.CheckpointStore
}

func newServerFixture(t *testing.T, src scan.ContentSource) *serverFixture {
	return newServerFixtureWithDetector(t, src, stubDetector{})
}

func newServerFixtureWithDetector(t *testing.T, src scan.ContentSource, det scan.Detector) *serverFixture {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	checkpoints := memory.NewCheckpointStore()
	events := memory.NewEventStore()

	orch := appscan.NewOrchestrator(
		src, det, stubExtractor{}, passProtector{},
		checkpoints, events, time.Second, 16, log, tracer,
	)
	ctrl := appscan.NewController(orch, checkpoints, events, log, tracer)

	cfg := &config.Config{}
	cfg.Scan.SubscribeBuffer = 64
	cfg.Server.ShutdownTimeout = time.Second

	srv := httptest.NewServer(NewServer(cfg, log, tracer, ctrl).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})

	return &serverFixture{srv: srv, ctrl: ctrl, checkpoints: checkpoints}
}

func defaultSource() *stubSource {
	return &stubSource{
		groups: []scan.Group{{Key: "ENG", Name: "Engineering"}},
		items: map[string][]scan.Item{
			"ENG": {
				{ID: "item-1", Title: "Onboarding", Body: "contact hr@example.com"},
				{ID: "item-2", Title: "Payroll", Body: "ssn 000-11-2222"},
			},
		},
	}
}

func (f *serverFixture) startScan(t *testing.T, body string) uuid.UUID {
	t.Helper()

	resp, err := http.Post(f.srv.URL+"/v1/scans", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		ScanID string `json:"scan_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	scanID, err := uuid.Parse(out.ScanID)
	require.NoError(t, err)
	return scanID
}

func (f *serverFixture) waitNotRunning(t *testing.T, scanID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.ctrl.Running(scanID) {
		require.True(t, time.Now().Before(deadline), "scan did not finish in time")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestStartScanAndStreamEvents(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	scanID := f.startScan(t, `{}`)
	f.waitNotRunning(t, scanID)

	resp, err := http.Get(fmt.Sprintf("%s/v1/scans/%s/events", f.srv.URL, scanID))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	types := readSSETypes(t, resp.Body)
	require.NotEmpty(t, types)
	assert.Equal(t, string(scan.EventTypeMultiStart), types[0])
	assert.Equal(t, string(scan.EventTypeMultiComplete), types[len(types)-1])
	assert.Contains(t, types, string(scan.EventTypeItem))
}

func TestStartScanSingleGroup(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	scanID := f.startScan(t, `{"group_key":"ENG"}`)
	f.waitNotRunning(t, scanID)

	cp, err := f.checkpoints.FindByGroup(context.Background(), scanID, "ENG")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, cp.Status())
}

func TestStartScanRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	resp, err := http.Post(f.srv.URL+"/v1/scans", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseUnknownScanNotFound(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	resp := doRequest(t, http.MethodPost, fmt.Sprintf("%s/v1/scans/%s/pause", f.srv.URL, uuid.New()), "")
	assert.Equal(t, http.StatusNotFound, resp)
}

func TestInvalidScanIDRejected(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	resp := doRequest(t, http.MethodPost, f.srv.URL+"/v1/scans/not-a-uuid/pause", "")
	assert.Equal(t, http.StatusBadRequest, resp)
}

func TestResumeWithoutCheckpointsNotFound(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	resp := doRequest(t, http.MethodPost, fmt.Sprintf("%s/v1/scans/%s/resume", f.srv.URL, uuid.New()), "")
	assert.Equal(t, http.StatusNotFound, resp)
}

func TestResumeRunningScanConflicts(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	src := &gatedSource{stubSource: defaultSource(), gate: gate}
	f := newServerFixture(t, src)

	scanID := f.startScan(t, `{}`)
	t.Cleanup(func() { close(gate) })

	resp := doRequest(t, http.MethodPost, fmt.Sprintf("%s/v1/scans/%s/resume", f.srv.URL, scanID), "")
	assert.Equal(t, http.StatusConflict, resp)
}

func TestPurgeScan(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, defaultSource())

	scanID := f.startScan(t, `{}`)
	f.waitNotRunning(t, scanID)

	resp := doRequest(t, http.MethodDelete, fmt.Sprintf("%s/v1/scans/%s", f.srv.URL, scanID), "")
	require.Equal(t, http.StatusNoContent, resp)

	_, err := f.checkpoints.FindByGroup(context.Background(), scanID, "ENG")
	assert.ErrorIs(t, err, scan.ErrNoCheckpoint)
}

func TestPauseThenResumeLifecycle(t *testing.T) {
	t.Parallel()

	det := &blockOnceDetector{trigger: "ssn", entered: make(chan struct{})}
	f := newServerFixtureWithDetector(t, defaultSource(), det)

	scanID := f.startScan(t, `{}`)

	// Wait until the run is parked inside detection on the second item so
	// the first item's checkpoint is already durable when the pause lands.
	select {
	case <-det.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("detector never reached the blocking item")
	}

	resp := doRequest(t, http.MethodPost, fmt.Sprintf("%s/v1/scans/%s/pause", f.srv.URL, scanID), "")
	require.Equal(t, http.StatusNoContent, resp)

	cp, err := f.checkpoints.FindByGroup(context.Background(), scanID, "ENG")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusPaused, cp.Status())

	resp = doRequest(t, http.MethodPost, fmt.Sprintf("%s/v1/scans/%s/resume", f.srv.URL, scanID), "")
	require.Equal(t, http.StatusAccepted, resp)
	f.waitNotRunning(t, scanID)

	cp, err = f.checkpoints.FindByGroup(context.Background(), scanID, "ENG")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, cp.Status())
}

// blockOnceDetector blocks the first detection of the trigger text until its
// context is cancelled, then behaves normally on later calls.
type blockOnceDetector struct {
	trigger string
	entered chan struct{}

	mu      sync.Mutex
	blocked bool
}

func (d *blockOnceDetector) Detect(ctx context.Context, text string) (pii.Detection, error) {
	if strings.Contains(text, d.trigger) {
		d.mu.Lock()
		first := !d.blocked
		d.blocked = true
		d.mu.Unlock()
		if first {
			close(d.entered)
			<-ctx.Done()
			return pii.Detection{}, ctx.Err()
		}
	}
	return pii.Detection{Stats: pii.Statistics{CharsProcessed: len(text)}}, nil
}

// gatedSource blocks item listing until its gate closes, keeping a scan
// observable in the running state.
type gatedSource struct {
	*stubSource
	gate chan struct{}
}

func (g *gatedSource) ListItems(ctx context.Context, groupKey string) ([]scan.Item, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.stubSource.ListItems(ctx, groupKey)
}

func doRequest(t *testing.T, method, url, body string) int {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// readSSETypes parses "event:" lines out of an SSE stream until it ends.
func readSSETypes(t *testing.T, r io.Reader) []string {
	t.Helper()

	var types []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, rest)
		}
	}
	require.NoError(t, sc.Err())
	return types
}
