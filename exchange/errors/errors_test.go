package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinels(t *testing.T) {
	// wrapping keeps the sentinel matchable
	wrapped := fmt.Errorf("finalize: %w", ErrDeadlinePassed)
	require.True(t, errors.Is(wrapped, ErrDeadlinePassed))
	require.False(t, errors.Is(wrapped, ErrDeadlineNotFuture))

	require.Equal(t, Temporal, ErrDeadlinePassed.Category)
	require.Equal(t, Identity, ErrNotSender.Category)
	require.Equal(t, Structural, ErrEntryExists.Category)
	require.Equal(t, Resource, ErrTransferFailed.Category)
	require.Equal(t, "temporal", Temporal.String())
}

func TestByReason(t *testing.T) {
	for _, e := range all {
		require.Same(t, e, ByReason(e.Reason))
	}
	require.Nil(t, ByReason("no such condition"))
}
