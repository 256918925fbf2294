// Package api exposes the scan engine over HTTP: lifecycle endpoints for
// starting, pausing, resuming, and purging scans, plus a Server-Sent Events
// stream of each scan's event log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	appscan "github.com/piisweep/piisweep/internal/app/scan"
	"github.com/piisweep/piisweep/internal/config"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/pkg/common/logger"
	"github.com/piisweep/piisweep/pkg/common/otel"
)

// Server is the HTTP surface over the scan controller.
type Server struct {
	cfg    *config.Config
	logger *logger.Logger
	router *chi.Mux
	ctrl   *appscan.Controller
	tracer trace.Tracer
}

// NewServer creates the HTTP server and binds its routes.
func NewServer(cfg *config.Config, log *logger.Logger, tracer trace.Tracer, ctrl *appscan.Controller) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		logger: log.With("component", "api"),
		router: r,
		ctrl:   ctrl,
		tracer: tracer,
	}

	s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/scans", s.handleStartScan)
		r.Post("/scans/{scanID}/pause", s.handlePauseScan)
		r.Post("/scans/{scanID}/resume", s.handleResumeScan)
		r.Delete("/scans/{scanID}", s.handlePurgeScan)
		r.Get("/scans/{scanID}/events", s.handleScanEvents)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type startScanRequest struct {
	// GroupKey limits the scan to one group. Empty means all groups.
	GroupKey string `json:"group_key"`
}

type startScanResponse struct {
	ScanID string `json:"scan_id"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var (
		scanID uuid.UUID
		err    error
	)
	if req.GroupKey != "" {
		scanID, err = s.ctrl.StartGroup(r.Context(), req.GroupKey)
	} else {
		scanID, err = s.ctrl.StartAllGroups(r.Context())
	}
	if err != nil {
		s.logger.Error(r.Context(), "starting scan failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(startScanResponse{ScanID: scanID.String()})
}

func (s *Server) handlePauseScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.scanIDParam(w, r)
	if !ok {
		return
	}

	if err := s.ctrl.Pause(r.Context(), scanID); err != nil {
		if errors.Is(err, appscan.ErrScanNotRunning) {
			http.Error(w, "scan is not running", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "pausing scan failed", "scan_id", scanID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.scanIDParam(w, r)
	if !ok {
		return
	}

	switch err := s.ctrl.Resume(r.Context(), scanID); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, appscan.ErrScanRunning):
		http.Error(w, "scan is already running", http.StatusConflict)
	case errors.Is(err, scan.ErrNoCheckpoint):
		http.Error(w, "no checkpoints for scan", http.StatusNotFound)
	default:
		s.logger.Error(r.Context(), "resuming scan failed", "scan_id", scanID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handlePurgeScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.scanIDParam(w, r)
	if !ok {
		return
	}

	switch err := s.ctrl.Purge(r.Context(), scanID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, appscan.ErrScanRunning):
		http.Error(w, "pause the scan before purging", http.StatusConflict)
	default:
		s.logger.Error(r.Context(), "purging scan failed", "scan_id", scanID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleScanEvents streams a scan's events as Server-Sent Events. The stream
// opens with every persisted event after the requested sequence number, then
// follows the live stream until the client disconnects or the scan ends. The
// event sequence number doubles as the SSE event id, so reconnecting clients
// resume from Last-Event-ID without duplicates.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.scanIDParam(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	afterSeq := parseAfterSeq(r)

	replay, live, cancel, err := s.ctrl.Subscribe(r.Context(), scanID, afterSeq, s.cfg.Scan.SubscribeBuffer)
	if err != nil {
		s.logger.Error(r.Context(), "subscribing to scan failed", "scan_id", scanID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := afterSeq
	for _, evt := range replay {
		if err := writeSSE(w, evt); err != nil {
			return
		}
		lastSeq = evt.EventSeq()
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-live:
			if !open {
				// The run ended; everything it produced is already
				// persisted, so a reconnect can pick up any tail.
				return
			}
			if evt.EventSeq() <= lastSeq {
				continue
			}
			lastSeq = evt.EventSeq()
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt scan.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.EventSeq(), evt.Type(), data)
	return err
}

func parseAfterSeq(r *http.Request) int64 {
	var after int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		_, _ = fmt.Sscan(v, &after)
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		var fromHeader int64
		if _, err := fmt.Sscan(v, &fromHeader); err == nil && fromHeader > after {
			after = fromHeader
		}
	}
	return after
}

func (s *Server) scanIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	scanID, err := uuid.Parse(chi.URLParam(r, "scanID"))
	if err != nil {
		http.Error(w, "invalid scan id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return scanID, true
}

// Start runs the HTTP listener until the context ends, then drains with the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "server shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
