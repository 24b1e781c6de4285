package rangelist

import (
	"testing"

	"github.com/grailbio/laik/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSingleIndexMerge checks that single-index entries (0,5),(0,6),(0,7),
// (1,10) freeze into two generic ranges.
func TestSingleIndexMerge(t *testing.T) {
	l := New(4)
	l.AddSingle(0, 5)
	l.AddSingle(0, 6)
	l.AddSingle(0, 7)
	l.AddSingle(1, 10)

	require.NoError(t, l.Freeze(2, FreezeOpts{}))

	tid0 := l.TaskRanges(0)
	require.Len(t, tid0, 1)
	assert.Equal(t, space.NewRange1D(5, 8), tid0[0].Range)

	tid1 := l.TaskRanges(1)
	require.Len(t, tid1, 1)
	assert.Equal(t, space.NewRange1D(10, 11), tid1[0].Range)
}

func TestFreezeSortsByTidThenTag(t *testing.T) {
	l := New(4)
	l.AddRange(1, space.NewRange1D(0, 1), 1)
	l.AddRange(0, space.NewRange1D(5, 6), 2)
	l.AddRange(0, space.NewRange1D(0, 1), 1)

	require.NoError(t, l.Freeze(2, FreezeOpts{}))
	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, 0, all[0].Tid)
	assert.Equal(t, 1, all[0].Tag)
	assert.Equal(t, 0, all[1].Tid)
	assert.Equal(t, 2, all[1].Tag)
	assert.Equal(t, 1, all[2].Tid)
}

func TestMapNoAssignment(t *testing.T) {
	l := New(4)
	// tid 0: tag 0 (own mapping), tag 0 (own mapping), tag 5, tag 5 (same mapping)
	l.AddRange(0, space.NewRange1D(0, 1), 0)
	l.AddRange(0, space.NewRange1D(1, 2), 0)
	l.AddRange(0, space.NewRange1D(2, 3), 5)
	l.AddRange(0, space.NewRange1D(3, 4), 5)

	require.NoError(t, l.Freeze(1, FreezeOpts{}))
	entries := l.TaskRanges(0)
	require.Len(t, entries, 4)
	assert.Equal(t, 0, entries[0].MapNo)
	assert.Equal(t, 1, entries[1].MapNo)
	assert.Equal(t, 2, entries[2].MapNo)
	assert.Equal(t, 2, entries[3].MapNo)
	assert.Equal(t, 3, l.NumMaps(0))
}

func TestFreezeRejectsOutOfRangeTid(t *testing.T) {
	l := New(4)
	l.AddRange(5, space.NewRange1D(0, 1), 0)
	err := l.Freeze(2, FreezeOpts{})
	require.Error(t, err)
}

func TestFreezeMerge(t *testing.T) {
	l := New(4)
	l.AddRange(0, space.NewRange1D(0, 3), 1)
	l.AddRange(0, space.NewRange1D(3, 6), 1)

	require.NoError(t, l.Freeze(1, FreezeOpts{Merge: true}))
	entries := l.TaskRanges(0)
	require.Len(t, entries, 1)
	assert.Equal(t, space.NewRange1D(0, 6), entries[0].Range)
}

func TestRemapRenumbersSurvivingTids(t *testing.T) {
	l := New(4)
	l.AddRange(0, space.NewRange1D(0, 4), 0)
	l.AddRange(1, space.NewRange1D(4, 8), 0)
	l.AddRange(2, space.NewRange1D(8, 12), 0)
	require.NoError(t, l.Freeze(3, FreezeOpts{}))

	// rank 1 is removed; ranks 0 and 2 renumber to 0 and 1.
	remapped, err := Remap(l, 2, func(oldTid int) (int, bool) {
		switch oldTid {
		case 0:
			return 0, true
		case 2:
			return 1, true
		default:
			return 0, false
		}
	})
	require.NoError(t, err)

	tid0 := remapped.TaskRanges(0)
	require.Len(t, tid0, 1)
	assert.Equal(t, space.NewRange1D(0, 4), tid0[0].Range)

	tid1 := remapped.TaskRanges(1)
	require.Len(t, tid1, 1)
	assert.Equal(t, space.NewRange1D(8, 12), tid1[0].Range)
}

func TestRemapRejectsNonEmptyRangeOnRemovedTid(t *testing.T) {
	l := New(4)
	l.AddRange(0, space.NewRange1D(0, 4), 0)
	l.AddRange(1, space.NewRange1D(4, 8), 0)
	require.NoError(t, l.Freeze(2, FreezeOpts{}))

	_, err := Remap(l, 1, func(oldTid int) (int, bool) {
		if oldTid == 0 {
			return 0, true
		}
		return 0, false
	})
	assert.Error(t, err)
}
