package pii

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures a single decrypt-for-display access to sensitive
// material. One record is written per access; a retention sweep purges
// records once their expiry passes.
type AuditRecord struct {
	id         uuid.UUID
	scanID     uuid.UUID
	itemID     string
	accessedBy string
	purpose    string
	accessedAt time.Time
	expiresAt  time.Time
}

// NewAuditRecord creates an audit record for a decrypt access happening now.
func NewAuditRecord(scanID uuid.UUID, itemID, accessedBy, purpose string, retention time.Duration) AuditRecord {
	now := time.Now().UTC()
	return AuditRecord{
		id:         uuid.New(),
		scanID:     scanID,
		itemID:     itemID,
		accessedBy: accessedBy,
		purpose:    purpose,
		accessedAt: now,
		expiresAt:  now.Add(retention),
	}
}

// ReconstructAuditRecord creates an AuditRecord from persisted data. This
// should only be used by repositories when rehydrating from storage.
func ReconstructAuditRecord(
	id uuid.UUID,
	scanID uuid.UUID,
	itemID string,
	accessedBy string,
	purpose string,
	accessedAt time.Time,
	expiresAt time.Time,
) AuditRecord {
	return AuditRecord{
		id:         id,
		scanID:     scanID,
		itemID:     itemID,
		accessedBy: accessedBy,
		purpose:    purpose,
		accessedAt: accessedAt,
		expiresAt:  expiresAt,
	}
}

// Getters for AuditRecord.
func (r AuditRecord) ID() uuid.UUID         { return r.id }
func (r AuditRecord) ScanID() uuid.UUID     { return r.scanID }
func (r AuditRecord) ItemID() string        { return r.itemID }
func (r AuditRecord) AccessedBy() string    { return r.accessedBy }
func (r AuditRecord) Purpose() string       { return r.purpose }
func (r AuditRecord) AccessedAt() time.Time { return r.accessedAt }
func (r AuditRecord) ExpiresAt() time.Time  { return r.expiresAt }

// Expired reports whether the record is past its retention expiry at the
// given instant.
func (r AuditRecord) Expired(now time.Time) bool { return now.After(r.expiresAt) }
