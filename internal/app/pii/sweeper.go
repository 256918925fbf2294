package pii

import (
	"context"
	"time"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

// Sweeper periodically purges expired decrypt audit records. Records carry
// their own expiry; the sweep only enforces it.
type Sweeper struct {
	audit    pii.AuditRepository
	interval time.Duration

	logger *logger.Logger
}

// NewSweeper creates a retention sweeper running at the given interval.
func NewSweeper(audit pii.AuditRepository, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		audit:    audit,
		interval: interval,
		logger:   log.With("component", "audit_sweeper"),
	}
}

// Run executes the sweep loop until the context is cancelled. Individual
// sweep failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.audit.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error(ctx, "audit retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info(ctx, "purged expired audit records", "count", removed)
			}
		}
	}
}
