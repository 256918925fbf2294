package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/internal/infra/storage"
)

var _ scan.EventRepository = (*eventStore)(nil)

// eventStore is the append-only PostgreSQL event log. Detected entities are
// stored as JSONB; their sensitive fields arrive already encrypted, so the
// log never holds plaintext PII.
type eventStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewEventStore creates a PostgreSQL-backed scan event repository.
func NewEventStore(pool *pgxpool.Pool, tracer trace.Tracer) *eventStore {
	return &eventStore{pool: pool, tracer: tracer}
}

// Append writes one event.
func (s *eventStore) Append(ctx context.Context, evt scan.Event) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", evt.ScanID().String()),
		attribute.Int64("event_seq", evt.EventSeq()),
		attribute.String("event_type", evt.Type().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_scan_event", dbAttrs, func(ctx context.Context) error {
		var entitiesJSON []byte
		if entities := evt.Entities(); len(entities) > 0 {
			var err error
			entitiesJSON, err = json.Marshal(entities)
			if err != nil {
				return fmt.Errorf("marshaling event entities: %w", err)
			}
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO scan_events
				(scan_id, event_seq, group_key, event_type, occurred_at,
				 item_id, item_title, sub_item_name, sub_item_type,
				 entities, progress_pct, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			evt.ScanID(),
			evt.EventSeq(),
			evt.GroupKey(),
			evt.Type().String(),
			evt.Timestamp(),
			evt.ItemID(),
			evt.ItemTitle(),
			evt.SubItemName(),
			evt.SubItemType(),
			entitiesJSON,
			evt.ProgressPct(),
			evt.Message(),
		)
		if err != nil {
			return fmt.Errorf("inserting scan event: %w", err)
		}
		return nil
	})
}

// FindByScan returns a scan's events after the given sequence number, in
// sequence order.
func (s *eventStore) FindByScan(ctx context.Context, scanID uuid.UUID, afterSeq int64) ([]scan.Event, error) {
	var out []scan.Event
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.Int64("after_seq", afterSeq),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_scan_events", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT scan_id, event_seq, group_key, event_type, occurred_at,
			       item_id, item_title, sub_item_name, sub_item_type,
			       entities, progress_pct, message
			FROM scan_events
			WHERE scan_id = $1 AND event_seq > $2
			ORDER BY event_seq`, scanID, afterSeq)
		if err != nil {
			return fmt.Errorf("querying scan events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rowScanID                         uuid.UUID
				eventSeq                          int64
				groupKey, eventType               string
				occurredAt                        time.Time
				itemID, itemTitle                 string
				subItemName, subItemType, message string
				entitiesJSON                      []byte
				progressPct                       int
			)
			if err := rows.Scan(&rowScanID, &eventSeq, &groupKey, &eventType, &occurredAt,
				&itemID, &itemTitle, &subItemName, &subItemType,
				&entitiesJSON, &progressPct, &message); err != nil {
				return fmt.Errorf("scanning event row: %w", err)
			}

			var entities []pii.Entity
			if len(entitiesJSON) > 0 {
				if err := json.Unmarshal(entitiesJSON, &entities); err != nil {
					return fmt.Errorf("unmarshaling event entities: %w", err)
				}
			}

			out = append(out, scan.ReconstructEvent(
				rowScanID, eventSeq, groupKey, scan.EventType(eventType), occurredAt,
				itemID, itemTitle, subItemName, subItemType,
				entities, progressPct, message,
			))
		}
		return rows.Err()
	})
	return out, err
}

// LastSeq returns the highest sequence number recorded for a scan, or 0.
func (s *eventStore) LastSeq(ctx context.Context, scanID uuid.UUID) (int64, error) {
	var last int64
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.last_scan_event_seq", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(event_seq), 0) FROM scan_events WHERE scan_id = $1`, scanID)
		if err := row.Scan(&last); err != nil {
			return fmt.Errorf("querying last event sequence: %w", err)
		}
		return nil
	})
	return last, err
}

// DeleteByScan removes every event of a scan.
func (s *eventStore) DeleteByScan(ctx context.Context, scanID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_scan_events", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM scan_events WHERE scan_id = $1`, scanID); err != nil {
			return fmt.Errorf("deleting scan events: %w", err)
		}
		return nil
	})
}
