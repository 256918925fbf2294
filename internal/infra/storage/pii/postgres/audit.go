// Package postgres provides the PostgreSQL-backed audit trail repository.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/infra/storage"
)

var _ pii.AuditRepository = (*auditStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// auditStore persists one row per decryption of a protected value. Rows are
// append-only until retention expiry removes them.
type auditStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewAuditStore creates a PostgreSQL-backed audit record repository.
func NewAuditStore(pool *pgxpool.Pool, tracer trace.Tracer) *auditStore {
	return &auditStore{pool: pool, tracer: tracer}
}

// Save writes one audit record.
func (s *auditStore) Save(ctx context.Context, rec pii.AuditRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", rec.ScanID().String()),
		attribute.String("accessed_by", rec.AccessedBy()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_audit_record", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO pii_audit_records (id, scan_id, item_id, accessed_by, purpose, accessed_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID(), rec.ScanID(), rec.ItemID(), rec.AccessedBy(), rec.Purpose(),
			rec.AccessedAt(), rec.ExpiresAt(),
		)
		if err != nil {
			return fmt.Errorf("inserting audit record: %w", err)
		}
		return nil
	})
}

// FindByScan returns a scan's audit records in access order.
func (s *auditStore) FindByScan(ctx context.Context, scanID uuid.UUID) ([]pii.AuditRecord, error) {
	var out []pii.AuditRecord
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_audit_records", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, scan_id, item_id, accessed_by, purpose, accessed_at, expires_at
			FROM pii_audit_records
			WHERE scan_id = $1
			ORDER BY accessed_at`, scanID)
		if err != nil {
			return fmt.Errorf("querying audit records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, rowScanID               uuid.UUID
				itemID, accessedBy, purpose string
				accessedAt, expiresAt       time.Time
			)
			if err := rows.Scan(&id, &rowScanID, &itemID, &accessedBy, &purpose, &accessedAt, &expiresAt); err != nil {
				return fmt.Errorf("scanning audit row: %w", err)
			}
			out = append(out, pii.ReconstructAuditRecord(id, rowScanID, itemID, accessedBy, purpose, accessedAt, expiresAt))
		}
		return rows.Err()
	})
	return out, err
}

// DeleteExpired removes records whose retention window ended before now and
// reports how many were removed.
func (s *auditStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_expired_audit_records", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM pii_audit_records WHERE expires_at < $1`, now)
		if err != nil {
			return fmt.Errorf("deleting expired audit records: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}
