package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDetectionFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected FailureKind
	}{
		{
			name:     "local deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: FailureDetectionTimeout,
		},
		{
			name:     "wrapped local deadline",
			err:      fmt.Errorf("calling detector: %w", context.DeadlineExceeded),
			expected: FailureDetectionTimeout,
		},
		{
			name:     "remote deadline",
			err:      fmt.Errorf("detect: %w", ErrRemoteDeadline),
			expected: FailureRemoteDeadline,
		},
		{
			name:     "remote service error with status",
			err:      &RemoteError{Status: 503, Reason: "overloaded"},
			expected: FailureRemoteService,
		},
		{
			name:     "wrapped remote service error",
			err:      fmt.Errorf("detect: %w", &RemoteError{Status: 500, Reason: "boom"}),
			expected: FailureRemoteService,
		},
		{
			name:     "unclassified error falls back to remote service",
			err:      errors.New("connection refused"),
			expected: FailureRemoteService,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			failure := ClassifyDetectionFailure(tt.err)
			assert.Equal(t, tt.expected, failure.Kind)
			assert.NotEmpty(t, failure.Message)
		})
	}
}

func TestClassifyDetectionFailure_LocalDeadlineWinsOverRemote(t *testing.T) {
	t.Parallel()

	// If both signals are present, the local timeout fired on our side and is
	// the classification that matters.
	err := fmt.Errorf("%w: %w", context.DeadlineExceeded, ErrRemoteDeadline)
	assert.Equal(t, FailureDetectionTimeout, ClassifyDetectionFailure(err).Kind)
}
