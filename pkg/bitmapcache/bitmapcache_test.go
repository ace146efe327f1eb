package bitmapcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenGetReturnsInstalledBitmap(t *testing.T) {
	c := New(nil, []int{10})
	bmp := &Bitmap{Width: 64, Height: 64, BPP: 16}
	require.NoError(t, c.Put(0, 3, bmp))

	got, ok := c.Get(0, 3)
	require.True(t, ok)
	require.Same(t, bmp, got)
}

func TestGetOnEmptySlotIsAbsentNotError(t *testing.T) {
	c := New(nil, []int{10})
	_, ok := c.Get(0, 5)
	require.False(t, ok)
}

func TestGetOutOfRangeIsAbsentNotPanic(t *testing.T) {
	c := New(nil, []int{10})
	_, ok := c.Get(5, 0)
	require.False(t, ok)
	_, ok = c.Get(0, 999)
	require.False(t, ok)
}

func TestPutOutOfRangeCellReturnsError(t *testing.T) {
	c := New(nil, []int{10})
	err := c.Put(5, 0, &Bitmap{})
	require.ErrorIs(t, err, ErrCellOutOfRange)
}

func TestPutOutOfRangeSlotReturnsError(t *testing.T) {
	c := New(nil, []int{10})
	err := c.Put(0, 999, &Bitmap{})
	require.ErrorIs(t, err, ErrSlotOutOfRange)
}

// TestWaitingListAliasing is spec §8 Scenario 4: cell 0 with capacity 10,
// put at WaitingListIndex stores into slot 10, and both WaitingListIndex
// and the literal index 10 read back the same bitmap.
func TestWaitingListAliasing(t *testing.T) {
	c := New(nil, []int{10})
	bmp := &Bitmap{Width: 32, Height: 32}
	require.NoError(t, c.Put(0, WaitingListIndex, bmp))

	got, ok := c.Get(0, WaitingListIndex)
	require.True(t, ok)
	require.Same(t, bmp, got)

	got, ok = c.Get(0, 10)
	require.True(t, ok)
	require.Same(t, bmp, got)
}

func TestPutFreesPriorOccupantExactlyOnce(t *testing.T) {
	c := New(nil, []int{10})
	first := &Bitmap{Width: 1, Height: 1, Key64: 111}
	second := &Bitmap{Width: 2, Height: 2, Key64: 222}

	require.NoError(t, c.Put(0, 0, first))
	require.NoError(t, c.Put(0, 0, second))

	got, ok := c.Get(0, 0)
	require.True(t, ok)
	require.Same(t, second, got)

	// The first bitmap's key must no longer resolve through GetByKey.
	_, ok = c.GetByKey(111)
	require.False(t, ok)
	got, ok = c.GetByKey(222)
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestGetByKeyUnknownKeyIsAbsent(t *testing.T) {
	c := New(nil, []int{10})
	_, ok := c.GetByKey(0xdeadbeef)
	require.False(t, ok)
}

func TestCoerceBPPDefaultsFromSessionColorDepth(t *testing.T) {
	require.Equal(t, 24, CoerceBPP(0, 24))
}

func TestCoerceBPPDowngrades16To15OnLowColorSession(t *testing.T) {
	require.Equal(t, 15, CoerceBPP(16, 15))
}

func TestCoerceBPPLeavesExplicitBPPAloneOtherwise(t *testing.T) {
	require.Equal(t, 32, CoerceBPP(32, 24))
}

func TestSnapshotSkipsEmptyAndUnkeyedEntries(t *testing.T) {
	c := New(nil, []int{4})
	require.NoError(t, c.Put(0, 0, &Bitmap{Key64: 1, Pixels: []byte{1, 2, 3}}))
	require.NoError(t, c.Put(0, 1, &Bitmap{Key64: 0, Pixels: []byte{4, 5}})) // unkeyed, v1-style

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 1, snap[0].Key64)
}
