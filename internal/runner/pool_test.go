package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDesiredCountClampsNegativeSlots(t *testing.T) {
	got := ComputeDesiredCount(-5, 2, 1, 10, 0)
	require.Equal(t, uint32(1), got)
}

func TestComputeDesiredCountCeilsToSlotsPerRunner(t *testing.T) {
	got := ComputeDesiredCount(5, 2, 0, 10, 0)
	require.Equal(t, uint32(3), got)
}

func TestComputeDesiredCountAddsMargin(t *testing.T) {
	got := ComputeDesiredCount(4, 2, 0, 10, 1)
	require.Equal(t, uint32(3), got)
}

func TestComputeDesiredCountClampsToMax(t *testing.T) {
	got := ComputeDesiredCount(1000, 1, 0, 5, 0)
	require.Equal(t, uint32(5), got)
}

func TestComputeDesiredCountClampsToMin(t *testing.T) {
	got := ComputeDesiredCount(0, 1, 3, 5, 0)
	require.Equal(t, uint32(3), got)
}

func TestComputeDesiredCountZeroSlotsPerRunnerTreatedAsOne(t *testing.T) {
	got := ComputeDesiredCount(3, 0, 0, 10, 0)
	require.Equal(t, uint32(3), got)
}
