package test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairmail/fairmail/key"
)

// BatchKeyPairs generates n fresh identities for protocol tests.
func BatchKeyPairs(t *testing.T, n int) []*key.Pair {
	t.Helper()

	pairs := make([]*key.Pair, n)
	for i := 0; i < n; i++ {
		pair, err := key.NewKeyPair()
		require.NoError(t, err)
		pairs[i] = pair
	}
	return pairs
}
