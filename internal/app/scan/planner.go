// Package scan provides the application services that execute PII scans: the
// orchestrator that turns item lists into ordered event streams, the resume
// planner that narrows those lists after an interruption, and the controller
// that owns running scans and their pause/resume lifecycle.
package scan

import (
	"github.com/piisweep/piisweep/internal/domain/scan"
)

// Plan describes the remaining work for one group, either from scratch or
// after an interruption.
type Plan struct {
	// Remaining holds the items still to be processed, in source order.
	Remaining []scan.Item

	// AnalyzedOffset is the number of items already completed in an earlier
	// pass. Progress percentages start from it so a resumed scan shows no
	// discontinuity to the consumer.
	AnalyzedOffset int

	// OriginalTotal is the full item count of the group, regardless of how
	// much of it remains.
	OriginalTotal int

	// Completed is true when the group's checkpoint is terminal-complete and
	// the group must be skipped entirely.
	Completed bool
}

// PlanFresh builds the plan for a from-scratch pass over a group.
func PlanFresh(items []scan.Item) Plan {
	return Plan{Remaining: items, OriginalTotal: len(items)}
}

// PlanResume narrows a group's ordered item list against its checkpoint.
// A nil checkpoint, or one whose last processed item is unknown in the
// current list, plans a full pass from the first item. A COMPLETED
// checkpoint yields an empty plan: completed work is never re-entered.
//
// An in-flight sub-item marker does not advance the last processed item, so
// resuming re-enters that item from the top; sub-item level idempotence is
// the detection collaborator's concern, not this engine's.
func PlanResume(items []scan.Item, cp *scan.Checkpoint) Plan {
	if cp == nil {
		return PlanFresh(items)
	}

	if cp.Status() == scan.StatusCompleted {
		return Plan{OriginalTotal: len(items), AnalyzedOffset: len(items), Completed: true}
	}

	lastID, ok := cp.LastItemID()
	if !ok {
		return PlanFresh(items)
	}

	for i, item := range items {
		if item.ID == lastID {
			return Plan{
				Remaining:      items[i+1:],
				AnalyzedOffset: i + 1,
				OriginalTotal:  len(items),
			}
		}
	}

	// Unknown id: the content moved underneath us. Start over rather than
	// guess at a position.
	return PlanFresh(items)
}
