package spatial

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func sum(existing, incoming int) int {
	return existing + incoming
}

func TestAddBoxesMergesAdjacent(t *testing.T) {
	tree := NewRTree[int](4)

	err := tree.AddBoxes([]Entry[int]{
		{Box: unitBox(0, 0, 0), Value: 1},
		{Box: unitBox(1, 0, 0), Value: 1},
		{Box: unitBox(2, 0, 0), Value: 1},
	}, sum)
	require.NoError(t, err)

	require.Equal(t, 1, tree.Len())
	require.Equal(t, uint32(2), tree.MergeCount)

	entries := tree.Entries()
	require.Equal(t, NewBox(Vec3{0, 0, 0}, Vec3{3, 1, 1}), entries[0].Box)
	require.Equal(t, 3, entries[0].Value)
}

func TestAddBoxesKeepsDistantBoxes(t *testing.T) {
	tree := NewRTree[int](4)

	err := tree.AddBoxes([]Entry[int]{
		{Box: unitBox(0, 0, 0), Value: 1},
		{Box: unitBox(10, 0, 0), Value: 1},
	}, sum)
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
	require.Zero(t, tree.MergeCount)
}

func TestAddBoxesSkipsWastefulMerge(t *testing.T) {
	tree := NewRTree[int](4)

	// Edge to edge diagonally, half of the union would be empty.
	err := tree.AddBoxes([]Entry[int]{
		{Box: unitBox(0, 0, 0), Value: 1},
		{Box: unitBox(1, 1, 0), Value: 1},
	}, sum)
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
}

func TestAddBoxesChainsMerges(t *testing.T) {
	tree := NewRTree[int](4)

	// The last box bridges the two first ones.
	err := tree.AddBoxes([]Entry[int]{
		{Box: unitBox(0, 0, 0), Value: 1},
		{Box: unitBox(2, 0, 0), Value: 1},
		{Box: unitBox(1, 0, 0), Value: 1},
	}, sum)
	require.NoError(t, err)

	require.Equal(t, 1, tree.Len())
	require.Equal(t, 3, tree.Entries()[0].Value)
	require.NoError(t, tree.CheckInvariants())
}

func TestAddBoxesInvalidBox(t *testing.T) {
	tree := NewRTree[int](4)

	err := tree.AddBoxes([]Entry[int]{
		{Box: unitBox(0, 0, 0), Value: 1},
		{Box: NewBox(Vec3{2, 2, 2}, Vec3{1, 1, 1}), Value: 1},
	}, sum)
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypeIndexCorruption))
	require.Zero(t, tree.Len())
}

func TestIsMergeBeneficial(t *testing.T) {
	require.True(t, isMergeBeneficial(unitBox(0, 0, 0), unitBox(1, 0, 0), 0))
	require.True(t, isMergeBeneficial(unitBox(0, 0, 0), unitBox(0.5, 0, 0), 0))
	require.False(t, isMergeBeneficial(unitBox(0, 0, 0), unitBox(1, 1, 0), 0.4))
	require.True(t, isMergeBeneficial(unitBox(0, 0, 0), unitBox(1, 1, 0), 0.6))
}
