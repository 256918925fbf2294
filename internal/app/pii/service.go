// Package pii provides the application service that protects detected
// sensitive values: field-level encryption before events leave the
// orchestrator, and audited decryption when a consumer needs the raw values
// back for display.
package pii

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

// fieldValue and fieldContext label the two independently encrypted fields of
// an entity inside the cipher's authenticated data.
const (
	fieldValue   = "value"
	fieldContext = "context"
)

// Access identifies who is decrypting sensitive material and why. It becomes
// the audit trail entry for the access.
type Access struct {
	AccessedBy string
	Purpose    string
	ScanID     uuid.UUID
	ItemID     string
}

// Service encrypts and decrypts the sensitive fields of detected entities.
// Inputs are never mutated; both operations return fresh entity slices.
type Service struct {
	cipher    pii.FieldCipher
	audit     pii.AuditRepository
	retention time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates the protection service. The retention duration controls
// how long decrypt audit records are kept before the sweep removes them.
func NewService(
	cipher pii.FieldCipher,
	audit pii.AuditRepository,
	retention time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		cipher:    cipher,
		audit:     audit,
		retention: retention,
		logger:    log.With("component", "pii_service"),
		tracer:    tracer,
	}
}

// EncryptEntities encrypts the sensitive value and context of every entity,
// each under the entity's own metadata. The masked context is left untouched.
// A nil or empty list is returned unchanged without touching the cipher.
func (s *Service) EncryptEntities(ctx context.Context, entities []pii.Entity) ([]pii.Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}

	ctx, span := s.tracer.Start(ctx, "pii_service.encrypt_entities",
		trace.WithAttributes(attribute.Int("entity_count", len(entities))))
	defer span.End()

	out := make([]pii.Entity, len(entities))
	for i, e := range entities {
		if e.Encrypted() {
			out[i] = e
			continue
		}

		meta := e.Metadata()
		value, err := s.cipher.EncryptField(e.SensitiveValue(), meta, fieldValue)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("encrypting entity value: %w", err)
		}
		context, err := s.cipher.EncryptField(e.SensitiveContext(), meta, fieldContext)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("encrypting entity context: %w", err)
		}
		out[i] = e.WithEncryptedValues(value, context)
	}

	return out, nil
}

// DecryptEntities restores the plaintext of every entity currently holding
// ciphertext; entities already in plaintext pass through untouched, so mixed
// lists (e.g. after a format migration) are supported. Every decrypt of
// previously-encrypted material emits one audit record. Decrypt failures are
// fatal for the operation and never suppressed: silently continuing would
// surface corrupted sensitive data.
func (s *Service) DecryptEntities(ctx context.Context, entities []pii.Entity, access Access) ([]pii.Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}

	ctx, span := s.tracer.Start(ctx, "pii_service.decrypt_entities",
		trace.WithAttributes(
			attribute.Int("entity_count", len(entities)),
			attribute.String("accessed_by", access.AccessedBy),
			attribute.String("purpose", access.Purpose),
		))
	defer span.End()

	out := make([]pii.Entity, len(entities))
	for i, e := range entities {
		if !e.Encrypted() {
			out[i] = e
			continue
		}

		meta := e.Metadata()
		value, err := s.cipher.DecryptField(e.SensitiveValue(), meta, fieldValue)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("decrypting entity value: %w", err)
		}
		context, err := s.cipher.DecryptField(e.SensitiveContext(), meta, fieldContext)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("decrypting entity context: %w", err)
		}
		out[i] = e.WithDecryptedValues(value, context)

		rec := pii.NewAuditRecord(access.ScanID, access.ItemID, access.AccessedBy, access.Purpose, s.retention)
		if err := s.audit.Save(ctx, rec); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("recording pii access: %w", err)
		}
	}

	s.logger.Debug(ctx, "decrypted sensitive entities",
		"count", len(out), "accessed_by", access.AccessedBy, "purpose", access.Purpose)

	return out, nil
}
