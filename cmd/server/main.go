package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/piisweep/piisweep/internal/api"
	apppii "github.com/piisweep/piisweep/internal/app/pii"
	appscan "github.com/piisweep/piisweep/internal/app/scan"
	"github.com/piisweep/piisweep/internal/config"
	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/infra/crypto"
	"github.com/piisweep/piisweep/internal/infra/detector"
	"github.com/piisweep/piisweep/internal/infra/extract"
	"github.com/piisweep/piisweep/internal/infra/source/confluence"
	"github.com/piisweep/piisweep/internal/infra/storage"
	piistore "github.com/piisweep/piisweep/internal/infra/storage/pii/postgres"
	scanstore "github.com/piisweep/piisweep/internal/infra/storage/scan/postgres"
	"github.com/piisweep/piisweep/pkg/common/logger"
	"github.com/piisweep/piisweep/pkg/common/otel"
)

const serviceType = "piisweep-server"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("PIISWEEP-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(os.Getenv("PIISWEEP_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Database

	pool, err := storage.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	defer pool.Close()

	if err := storage.RunMigrations(pool, cfg.Postgres.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// -------------------------------------------------------------------------
	// Tracing

	tracer := noop.NewTracerProvider().Tracer(serviceType)
	if cfg.Telemetry.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		excluded := make(map[string]struct{}, len(cfg.Telemetry.ExcludedPaths))
		for _, p := range cfg.Telemetry.ExcludedPaths {
			excluded[p] = struct{}{}
		}

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedRoutes:   excluded,
			Probability:      cfg.Telemetry.SampleRate,
			ResourceAttributes: map[string]string{
				"library.language":       "go",
				"deployment.environment": cfg.Telemetry.Environment,
				"host.name":              hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)

		tracer = traceProvider.Tracer(cfg.Telemetry.ServiceName)
	}

	// -------------------------------------------------------------------------
	// Wiring

	cipher, err := buildCipher(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("building field cipher: %w", err)
	}

	checkpoints := scanstore.NewCheckpointStore(pool, tracer)
	events := scanstore.NewEventStore(pool, tracer)
	audit := piistore.NewAuditStore(pool, tracer)

	protector := apppii.NewService(cipher, audit, cfg.Audit.Retention, log, tracer)

	source := confluence.NewClient(confluence.Config{
		BaseURL:   cfg.Source.BaseURL,
		Username:  cfg.Source.Username,
		APIToken:  cfg.Source.APIToken,
		PageLimit: cfg.Source.PageLimit,
	}, &http.Client{Timeout: 30 * time.Second}, log, tracer)

	det := detector.NewClient(detector.Config{
		BaseURL:           cfg.Detector.BaseURL,
		RequestsPerSecond: cfg.Detector.RequestsPerSecond,
		Burst:             cfg.Detector.Burst,
		MaxRetryElapsed:   cfg.Detector.MaxRetryElapsed,
	}, &http.Client{Timeout: cfg.Detector.Timeout}, log, tracer)

	orch := appscan.NewOrchestrator(
		source, det, extract.NewTextExtractor(), protector,
		checkpoints, events,
		cfg.Detector.Timeout, cfg.Scan.PersistBuffer,
		log, tracer,
	)
	ctrl := appscan.NewController(orch, checkpoints, events, log, tracer)

	sweeper := apppii.NewSweeper(audit, cfg.Audit.SweepInterval, log)
	server := api.NewServer(cfg, log, tracer, ctrl)

	// -------------------------------------------------------------------------
	// Run until a signal arrives

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()

	// Pause in-flight scans so their checkpoints land before the process
	// exits. A later start resumes them from where they stopped.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := ctrl.Shutdown(shutdownCtx); serr != nil {
		log.Error(shutdownCtx, "shutdown", "status", "pausing scans failed", "err", serr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}

func buildCipher(cfg config.CryptoConfig) (pii.FieldCipher, error) {
	if cfg.KeyHex != "" {
		key, err := hex.DecodeString(cfg.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding key: %w", err)
		}
		return crypto.NewAESGCMCipher(key)
	}

	salt, err := hex.DecodeString(cfg.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	return crypto.NewAESGCMCipherFromPassphrase([]byte(cfg.Passphrase), salt)
}
