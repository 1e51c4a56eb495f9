package mediatoolbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvenlySpacedIndicesSpreadsAcrossTotal(t *testing.T) {
	idx := EvenlySpacedIndices(100, 5)
	require.Equal(t, []int{0, 20, 40, 60, 80}, idx)
}

func TestEvenlySpacedIndicesKeepExceedsTotal(t *testing.T) {
	idx := EvenlySpacedIndices(3, 10)
	require.Equal(t, []int{0, 1, 2}, idx)
}

func TestEvenlySpacedIndicesSingleKeepReturnsMidpoint(t *testing.T) {
	idx := EvenlySpacedIndices(10, 1)
	require.Equal(t, []int{5}, idx)
}

func TestEvenlySpacedIndicesZeroKeep(t *testing.T) {
	require.Nil(t, EvenlySpacedIndices(10, 0))
}

func TestProfileLadderDescendsInQuality(t *testing.T) {
	require.True(t, ProfileLadder[0].Height > ProfileLadder[len(ProfileLadder)-1].Height)
}
