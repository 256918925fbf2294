package scan

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why an item or sub-item could not be analyzed.
// Classification is a pure function over collaborator errors so the
// orchestrator's event choice stays independently testable from I/O.
type FailureKind string

const (
	// FailureDetectionTimeout means the local deadline expired waiting on the
	// detection collaborator.
	FailureDetectionTimeout FailureKind = "DETECTION_TIMEOUT"

	// FailureRemoteDeadline means the collaborator itself reported a remote
	// timeout. Distinguished from the local timeout for diagnostics.
	FailureRemoteDeadline FailureKind = "REMOTE_DEADLINE_EXCEEDED"

	// FailureRemoteService covers any other collaborator-reported failure.
	FailureRemoteService FailureKind = "REMOTE_SERVICE_ERROR"

	// FailureSubItemListing is recoverable: the item degrades to processing
	// its own content without sub-items.
	FailureSubItemListing FailureKind = "SUB_ITEM_LISTING_FAILURE"

	// FailureEncryption is fatal for the operation and never suppressed.
	FailureEncryption FailureKind = "ENCRYPTION_FAILURE"
)

// ErrRemoteDeadline is reported by detection adapters when the remote service
// signals that it exceeded its own deadline.
var ErrRemoteDeadline = errors.New("detection service reported deadline exceeded")

// RemoteError carries a status code reported by the detection collaborator.
type RemoteError struct {
	Status int
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("detection service error (status %d): %s", e.Status, e.Reason)
}

// Failure pairs a classification with a human-readable message. It is the
// payload of error events.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// ClassifyDetectionFailure maps an error from a detection call into the
// failure taxonomy. The local deadline check wins over the remote one because
// a context timeout fires on our side regardless of what the remote reported.
func ClassifyDetectionFailure(err error) Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: FailureDetectionTimeout, Message: "detection call exceeded local deadline"}
	case errors.Is(err, ErrRemoteDeadline):
		return Failure{Kind: FailureRemoteDeadline, Message: err.Error()}
	default:
		var remote *RemoteError
		if errors.As(err, &remote) {
			return Failure{Kind: FailureRemoteService, Message: remote.Error()}
		}
		return Failure{Kind: FailureRemoteService, Message: err.Error()}
	}
}
