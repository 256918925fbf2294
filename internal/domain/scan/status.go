package scan

import (
	"errors"
	"fmt"
)

// CheckpointStatus represents the lifecycle state of a group's scan checkpoint.
// It enables tracking of scan progress per content group and drives the
// pause/resume state machine.
type CheckpointStatus string

// ErrCheckpointStatusUnknown is returned when a checkpoint status is unknown.
var ErrCheckpointStatusUnknown = errors.New("checkpoint status unknown")

const (
	// StatusPending indicates a checkpoint is created but scanning has not started.
	StatusPending CheckpointStatus = "PENDING"

	// StatusRunning indicates the group is actively being scanned.
	StatusRunning CheckpointStatus = "RUNNING"

	// StatusPaused indicates scanning of the group has been temporarily halted
	// and may be resumed.
	StatusPaused CheckpointStatus = "PAUSED"

	// StatusCompleted indicates the group finished scanning successfully.
	StatusCompleted CheckpointStatus = "COMPLETED"

	// StatusFailed indicates the group's scan encountered an unrecoverable error.
	StatusFailed CheckpointStatus = "FAILED"

	// StatusUnspecified is used when a checkpoint status is unknown.
	StatusUnspecified CheckpointStatus = "UNSPECIFIED"
)

// String returns the string representation of the CheckpointStatus.
func (s CheckpointStatus) String() string { return string(s) }

// ParseCheckpointStatus converts a string to a CheckpointStatus.
func ParseCheckpointStatus(s string) CheckpointStatus {
	switch s {
	case "PENDING":
		return StatusPending
	case "RUNNING":
		return StatusRunning
	case "PAUSED":
		return StatusPaused
	case "COMPLETED":
		return StatusCompleted
	case "FAILED":
		return StatusFailed
	default:
		return StatusUnspecified
	}
}

// IsTerminal reports whether the status is a terminal state. Terminal
// checkpoints must never be resurrected into a resumable state.
func (s CheckpointStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s CheckpointStatus) ValidateTransition(target CheckpointStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the checkpoint lifecycle rules to prevent invalid state
// changes.
func (s CheckpointStatus) isValidTransition(target CheckpointStatus) bool {
	switch s {
	case StatusPending:
		// From Pending, scanning either starts or the whole group fails up front.
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		// From Running, the group can be paused or reach a terminal state.
		return target == StatusPaused || target == StatusCompleted || target == StatusFailed
	case StatusPaused:
		// A paused group can only be resumed or failed.
		return target == StatusRunning || target == StatusFailed
	case StatusCompleted, StatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}

// ErrInvalidStatusTransition indicates a rejected checkpoint status transition.
// Callers pausing a scan treat it as a skip condition, not a failure.
var ErrInvalidStatusTransition = errors.New("invalid checkpoint status transition")
