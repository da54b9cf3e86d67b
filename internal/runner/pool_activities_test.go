package runner

import (
	"testing"

	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/stretchr/testify/require"
)

func TestDetailsHashStableAcrossHeaderOrdering(t *testing.T) {
	a := &types.ServerlessConfig{
		URL:     "https://example.test/start",
		Headers: map[string]string{"a": "1", "b": "2"},
	}
	b := &types.ServerlessConfig{
		URL:     "https://example.test/start",
		Headers: map[string]string{"b": "2", "a": "1"},
	}
	require.Equal(t, detailsHash(a), detailsHash(b))
}

func TestDetailsHashChangesWithURL(t *testing.T) {
	a := &types.ServerlessConfig{URL: "https://example.test/start"}
	b := &types.ServerlessConfig{URL: "https://example.test/other"}
	require.NotEqual(t, detailsHash(a), detailsHash(b))
}

func TestDecodeSlotCounterRoundTripsPositiveAndNegative(t *testing.T) {
	require.Equal(t, int64(0), decodeSlotCounter(nil))
	require.Equal(t, int64(1), decodeSlotCounter([]byte{1, 0, 0, 0}))
	require.Equal(t, int64(-1), decodeSlotCounter([]byte{0xff, 0xff, 0xff, 0xff}))
}
