// Package postgres provides the PostgreSQL-backed repositories for scan
// checkpoints and the scan event log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/internal/infra/storage"
)

var _ scan.CheckpointRepository = (*checkpointStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// checkpointStore persists one checkpoint row per (scan, group) pair. The
// upsert implements the domain merge rule in SQL so a partial mutation never
// clobbers fields it did not touch.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint repository.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

const upsertCheckpointQuery = `
INSERT INTO scan_checkpoints (scan_id, group_key, last_item_id, last_sub_item, status, progress_pct, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scan_id, group_key) DO UPDATE SET
    last_item_id = CASE
        WHEN $8 THEN NULL
        WHEN $3::text IS NOT NULL THEN $3
        ELSE scan_checkpoints.last_item_id
    END,
    last_sub_item = CASE
        WHEN $9 THEN NULL
        WHEN $4::text IS NOT NULL THEN $4
        ELSE scan_checkpoints.last_sub_item
    END,
    status       = $5,
    progress_pct = $6,
    updated_at   = $7`

// Save merges the checkpoint mutation into the stored row, creating it if
// absent.
func (s *checkpointStore) Save(ctx context.Context, cp scan.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", cp.ScanID().String()),
		attribute.String("group_key", cp.GroupKey()),
		attribute.String("status", cp.Status().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		var lastItem, lastSub *string
		if v, ok := cp.LastItemID(); ok {
			lastItem = &v
		}
		if v, ok := cp.LastSubItem(); ok {
			lastSub = &v
		}

		_, err := s.pool.Exec(ctx, upsertCheckpointQuery,
			cp.ScanID(),
			cp.GroupKey(),
			lastItem,
			lastSub,
			cp.Status().String(),
			cp.ProgressPct(),
			cp.UpdatedAt(),
			cp.ClearsLastItem(),
			cp.ClearsLastSubItem(),
		)
		if err != nil {
			return fmt.Errorf("upserting checkpoint: %w", err)
		}
		return nil
	})
}

// FindByScan returns all checkpoint rows of a scan.
func (s *checkpointStore) FindByScan(ctx context.Context, scanID uuid.UUID) ([]scan.Checkpoint, error) {
	var out []scan.Checkpoint
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_checkpoints_by_scan", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT scan_id, group_key, last_item_id, last_sub_item, status, progress_pct, updated_at
			FROM scan_checkpoints
			WHERE scan_id = $1
			ORDER BY group_key`, scanID)
		if err != nil {
			return fmt.Errorf("querying checkpoints: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			cp, err := scanCheckpointRow(rows)
			if err != nil {
				return err
			}
			out = append(out, cp)
		}
		return rows.Err()
	})
	return out, err
}

// FindByGroup returns the checkpoint row for one group of a scan, or
// scan.ErrNoCheckpoint.
func (s *checkpointStore) FindByGroup(ctx context.Context, scanID uuid.UUID, groupKey string) (scan.Checkpoint, error) {
	var cp scan.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.String("group_key", groupKey),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_checkpoint_by_group", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT scan_id, group_key, last_item_id, last_sub_item, status, progress_pct, updated_at
			FROM scan_checkpoints
			WHERE scan_id = $1 AND group_key = $2`, scanID, groupKey)

		var err error
		cp, err = scanCheckpointRow(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrNoCheckpoint
		}
		return err
	})
	return cp, err
}

// DeleteByScan removes every checkpoint row of a scan.
func (s *checkpointStore) DeleteByScan(ctx context.Context, scanID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkpoints_by_scan", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM scan_checkpoints WHERE scan_id = $1`, scanID); err != nil {
			return fmt.Errorf("deleting checkpoints: %w", err)
		}
		return nil
	})
}

func scanCheckpointRow(row pgx.Row) (scan.Checkpoint, error) {
	var (
		scanID            uuid.UUID
		groupKey, status  string
		lastItem, lastSub *string
		progressPct       int
		updatedAt         time.Time
	)
	if err := row.Scan(&scanID, &groupKey, &lastItem, &lastSub, &status, &progressPct, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Checkpoint{}, err
		}
		return scan.Checkpoint{}, fmt.Errorf("scanning checkpoint row: %w", err)
	}
	return scan.ReconstructCheckpoint(
		scanID, groupKey, lastItem, lastSub,
		scan.ParseCheckpointStatus(status), progressPct, updatedAt,
	), nil
}
