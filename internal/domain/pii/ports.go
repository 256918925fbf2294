package pii

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FieldCipher encrypts and decrypts individual sensitive fields. The metadata
// binds each ciphertext to the entity and field it belongs to.
type FieldCipher interface {
	// EncryptField encrypts a single plaintext field under the given metadata.
	EncryptField(plaintext string, meta Metadata, field string) (string, error)

	// DecryptField reverses EncryptField. It fails if the ciphertext was
	// produced under different metadata or has been tampered with.
	DecryptField(ciphertext string, meta Metadata, field string) (string, error)
}

// AuditRepository persists the decrypt-access audit trail.
type AuditRepository interface {
	// Save appends one audit record.
	Save(ctx context.Context, rec AuditRecord) error

	// FindByScan returns the audit records for a scan in access order.
	FindByScan(ctx context.Context, scanID uuid.UUID) ([]AuditRecord, error)

	// DeleteExpired removes records whose expiry is at or before the given
	// instant and returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
