package placement

import (
	"testing"

	"github.com/driftfs/driftfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectTargetsFromSortsByAvailableSpaceDescending(t *testing.T) {
	active := []types.Node{
		{ID: "n1", AvailableSpace: 100},
		{ID: "n2", AvailableSpace: 500},
		{ID: "n3", AvailableSpace: 300},
	}

	got, err := SelectTargetsFrom(active, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n2", got[0].ID)
	assert.Equal(t, "n3", got[1].ID)
}

func TestSelectTargetsFromDropsExcluded(t *testing.T) {
	active := []types.Node{
		{ID: "n1", AvailableSpace: 100},
		{ID: "n2", AvailableSpace: 500},
	}

	got, err := SelectTargetsFrom(active, 1, map[string]bool{"n2": true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ID)
}

func TestSelectTargetsFromErrorsWhenShort(t *testing.T) {
	active := []types.Node{{ID: "n1", AvailableSpace: 100}}

	_, err := SelectTargetsFrom(active, 2, nil)
	require.ErrorIs(t, err, types.ErrNotEnoughNodes)
}

func TestSelectTargetsFromBreaksTiesByInsertionOrder(t *testing.T) {
	active := []types.Node{
		{ID: "first", AvailableSpace: 100},
		{ID: "second", AvailableSpace: 100},
	}

	got, err := SelectTargetsFrom(active, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)
}
