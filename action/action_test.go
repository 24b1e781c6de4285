package action

import (
	"testing"

	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowerProducesExpectedOpcodes(t *testing.T) {
	tr := &transition.Transition{
		Init:  []transition.InitEntry{{Range: space.NewRange1D(0, 4), Op: transition.OpSum, MapNo: 5}},
		Local: []transition.Local{{Range: space.NewRange1D(4, 8), FromMapNo: 1, ToMapNo: 2}},
		Send:  []transition.Send{{Range: space.NewRange1D(8, 12), To: 1, FromMapNo: 1}},
		Recv:  []transition.Recv{{Range: space.NewRange1D(12, 16), From: 2, ToMapNo: 3}},
		Red: []transition.Reduce{{
			Range: space.NewRange1D(0, 16), Op: transition.OpSum,
			InputGroup: []int{0, 1}, OutputGroup: []int{0}, Root: 0,
		}},
	}

	s := Lower(tr, 0, 3, nil)
	require.Len(t, s.actions, 5)
	assert.Equal(t, BufInit, s.actions[0].Op)
	assert.Equal(t, 5, s.actions[0].ToMapNo)
	assert.Equal(t, BufCopy, s.actions[1].Op)
	assert.Equal(t, MapSend, s.actions[2].Op)
	assert.Equal(t, 1, s.actions[2].Peer)
	assert.Equal(t, MapRecv, s.actions[3].Op)
	assert.Equal(t, 2, s.actions[3].Peer)
	assert.Equal(t, GroupReduce, s.actions[4].Op)
	assert.Equal(t, Building, s.State())
}

func TestLowerUsesPackWhenNotContiguous(t *testing.T) {
	tr := &transition.Transition{
		Local: []transition.Local{{Range: space.NewRange1D(0, 4), FromMapNo: 1, ToMapNo: 2}},
		Send:  []transition.Send{{Range: space.NewRange1D(4, 8), To: 1, FromMapNo: 1}},
		Recv:  []transition.Recv{{Range: space.NewRange1D(8, 12), From: 2, ToMapNo: 3}},
	}
	never := func(int, space.Range) bool { return false }
	s := Lower(tr, 0, 3, never)
	require.Len(t, s.actions, 4)
	assert.Equal(t, PackToBuf, s.actions[0].Op)
	assert.Equal(t, UnpackFromBuf, s.actions[1].Op)
	assert.Equal(t, MapPackAndSend, s.actions[2].Op)
	assert.Equal(t, MapRecvAndUnpack, s.actions[3].Op)
}

func TestAllocateBuffersSharesLocalPackUnpackBufID(t *testing.T) {
	tr := &transition.Transition{
		Local: []transition.Local{{Range: space.NewRange1D(0, 4), FromMapNo: 1, ToMapNo: 2}},
	}
	never := func(int, space.Range) bool { return false }
	s := Lower(tr, 0, 1, never)
	allocateBuffers(s)
	require.Len(t, s.actions, 2)
	assert.Equal(t, PackToBuf, s.actions[0].Op)
	assert.Equal(t, UnpackFromBuf, s.actions[1].Op)
	assert.Equal(t, s.actions[0].BufID, s.actions[1].BufID)
}

func TestFlattenPackingFusesPackAndSend(t *testing.T) {
	s := &Sequence{GroupLen: 2, actions: []Action{
		{Op: PackToBuf, FromMapNo: 1, BufID: 7, Range: space.NewRange1D(0, 4)},
		{Op: BufSend, Peer: 1, BufID: 7, Range: space.NewRange1D(0, 4)},
	}}
	changed := flattenPacking(s)
	assert.True(t, changed)
	require.Len(t, s.actions, 1)
	assert.Equal(t, PackAndSend, s.actions[0].Op)
	assert.Equal(t, 1, s.actions[0].FromMapNo)
	assert.Equal(t, 1, s.actions[0].Peer)
}

func TestFlattenPackingFusesRecvAndUnpack(t *testing.T) {
	s := &Sequence{GroupLen: 2, actions: []Action{
		{Op: BufRecv, Peer: 0, BufID: 3, Range: space.NewRange1D(0, 4)},
		{Op: UnpackFromBuf, ToMapNo: 2, BufID: 3, Range: space.NewRange1D(0, 4)},
	}}
	changed := flattenPacking(s)
	assert.True(t, changed)
	require.Len(t, s.actions, 1)
	assert.Equal(t, RecvAndUnpack, s.actions[0].Op)
	assert.Equal(t, 2, s.actions[0].ToMapNo)
}

func TestDetectAllReduceCollapsesFullGroup(t *testing.T) {
	s := &Sequence{GroupLen: 3, actions: []Action{
		{Op: GroupReduce, InputGroup: []int{0, 1, 2}, OutputGroup: []int{0, 1, 2}, Root: -1},
		{Op: GroupReduce, InputGroup: []int{0, 1}, OutputGroup: []int{0}, Root: 0},
	}}
	detectAllReduce(s)
	assert.Equal(t, Reduce, s.actions[0].Op)
	assert.Nil(t, s.actions[0].InputGroup)
	assert.Equal(t, GroupReduce, s.actions[1].Op)
}

func TestCombineActionsMergesAdjacentSends(t *testing.T) {
	s := &Sequence{GroupLen: 2, actions: []Action{
		{Op: MapSend, Peer: 1, FromMapNo: 0, Range: space.NewRange1D(0, 4)},
		{Op: MapSend, Peer: 1, FromMapNo: 0, Range: space.NewRange1D(4, 8)},
		{Op: MapSend, Peer: 1, FromMapNo: 0, Range: space.NewRange1D(9, 12)},
	}}
	changed := combineActions(s)
	assert.True(t, changed)
	require.Len(t, s.actions, 2)
	assert.Equal(t, space.NewRange1D(0, 8), s.actions[0].Range)
	assert.Equal(t, space.NewRange1D(9, 12), s.actions[1].Range)
}

func TestAllocateBuffersReusesFreedIds(t *testing.T) {
	s := &Sequence{GroupLen: 2, actions: []Action{
		{Op: PackToBuf, BufID: -1, Range: space.NewRange1D(0, 4)},
		{Op: BufSend, Peer: 1, BufID: -1, Range: space.NewRange1D(0, 4)},
		{Op: PackToBuf, BufID: -1, Range: space.NewRange1D(4, 8)},
		{Op: BufSend, Peer: 1, BufID: -1, Range: space.NewRange1D(4, 8)},
	}}
	allocateBuffers(s)
	assert.Equal(t, s.actions[0].BufID, s.actions[1].BufID)
	assert.Equal(t, s.actions[2].BufID, s.actions[3].BufID)
	assert.Equal(t, s.actions[0].BufID, s.actions[2].BufID)
}

func TestSplitReduceChunksLargeRange(t *testing.T) {
	s := &Sequence{GroupLen: 2, actions: []Action{
		{Op: Reduce, Range: space.NewRange1D(0, 10), Root: -1},
	}}
	splitReduce(s, 4)
	require.Len(t, s.actions, 3)
	assert.Equal(t, space.NewRange1D(0, 4), s.actions[0].Range)
	assert.Equal(t, space.NewRange1D(4, 8), s.actions[1].Range)
	assert.Equal(t, space.NewRange1D(8, 10), s.actions[2].Range)
}

func TestDeadlockAvoidSortOrdersByPhase(t *testing.T) {
	// me=1, size=4: send-to-2 -> phase 2; send-to-0 -> phase 4+0=4;
	// recv-from-0 -> phase 0; recv-from-3 -> phase 4+3=7.
	s := &Sequence{Me: 1, GroupLen: 4, actions: []Action{
		{Op: MapSend, Peer: 2, Range: space.NewRange1D(0, 1)},
		{Op: MapSend, Peer: 0, Range: space.NewRange1D(0, 1)},
		{Op: MapRecv, Peer: 0, Range: space.NewRange1D(0, 1)},
		{Op: MapRecv, Peer: 3, Range: space.NewRange1D(0, 1)},
	}}
	deadlockAvoidSort(s)
	var peers []int
	var ops []Op
	for _, a := range s.actions {
		peers = append(peers, a.Peer)
		ops = append(ops, a.Op)
	}
	assert.Equal(t, []int{0, 2, 0, 3}, peers)
	assert.Equal(t, []Op{MapRecv, MapSend, MapSend, MapRecv}, ops)
}

func mustGroup(t *testing.T, size, me int) *group.Group {
	g, err := group.New(size, me)
	require.NoError(t, err)
	return g
}

func mustSpace(t *testing.T) *space.Space {
	reg := space.NewRegistry()
	sp, err := reg.Create("s", space.NewRange1D(0, 12))
	require.NoError(t, err)
	return sp
}

func TestOptimizeEndToEndReachesReady(t *testing.T) {
	g := mustGroup(t, 2, 0)
	sp := mustSpace(t)
	from := rangelist.New(2)
	from.AddRange(0, space.NewRange1D(0, 6), 0)
	from.AddRange(1, space.NewRange1D(6, 12), 0)
	require.NoError(t, from.Freeze(2, rangelist.FreezeOpts{}))
	to := rangelist.New(2)
	to.AddRange(0, space.NewRange1D(0, 4), 0)
	to.AddRange(1, space.NewRange1D(4, 12), 0)
	require.NoError(t, to.Freeze(2, rangelist.FreezeOpts{}))

	tr := transition.Compute(0, g, sp, from, transition.Write, to, transition.Read)
	s := Lower(tr, 0, 2, nil)
	require.Equal(t, Building, s.State())

	s.Optimize(OptimizeOpts{})
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 1, s.Stats.Messages)

	s.BeginExec()
	assert.Equal(t, Executing, s.State())
	s.EndExec()
	assert.Equal(t, Ready, s.State())

	assert.Panics(t, func() { s.Optimize(OptimizeOpts{}) })
}
