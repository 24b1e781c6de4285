package single

import (
	"sync"
	"testing"

	"github.com/grailbio/laik/action"
	"github.com/grailbio/laik/data"
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/partitioner"
	"github.com/grailbio/laik/partitioning"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runAll drives one Data.Switch per rank concurrently, as real processes
// would, and waits for every rank to finish.
func runAll(t *testing.T, n int, fn func(rank int) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}

// TestAllToMasterSumsAcrossRanks reproduces a replicated array being
// summed down to rank 0: every rank owns a full local copy of [0,12),
// writes its rank number into every cell, then switches to a
// master-owned reduce-sum target. Rank 0 should see every cell equal to
// the sum of ranks 0..3 (0+1+2+3 = 6).
func TestAllToMasterSumsAcrossRanks(t *testing.T) {
	const n = 4
	reg := space.NewRegistry()
	sp, err := reg.Create("s", space.NewRange1D(0, 12))
	require.NoError(t, err)

	world := NewWorld(n)

	groups := make([]*group.Group, n)
	for i := range groups {
		g, err := group.New(n, i)
		require.NoError(t, err)
		groups[i] = g
	}

	all := partitioning.New("all", sp, groups[0], partitioner.All(), nil)
	master := partitioning.New("master", sp, groups[0], partitioner.Master(), nil)

	datas := make([]*data.Data, n)
	for i := 0; i < n; i++ {
		be := New(world, i)
		datas[i] = data.New("x", data.Int32Type, sp, groups[i], i, nil, be)
	}

	runAll(t, n, func(rank int) error {
		return datas[rank].Switch(all, transition.ReduceOutSum)
	})

	runAll(t, n, func(rank int) error {
		for _, m := range datas[rank].Mappings() {
			flat, ok := m.Layout.Slice(m.Buf, m.Required)
			if !ok {
				continue
			}
			fillInt32(flat, int32(rank))
		}
		return nil
	})

	runAll(t, n, func(rank int) error {
		return datas[rank].Switch(master, transition.Read)
	})

	for _, m := range datas[0].Mappings() {
		flat, ok := m.Layout.Slice(m.Buf, m.Required)
		require.True(t, ok)
		for i := 0; i+4 <= len(flat); i += 4 {
			v := int32(flat[i]) | int32(flat[i+1])<<8 | int32(flat[i+2])<<16 | int32(flat[i+3])<<24
			assert.Equal(t, int32(0+1+2+3), v)
		}
	}
}

// TestSwitchPreservesLocalCopyAcrossGenuineRepartition reproduces a
// repartition where the old mapping holding [0,2) and the new mapping
// holding [0,4) are both MapNo 0 (rangelist.assignMapNos numbers each
// task's first range MapNo 0, so it is the common case, not an edge
// case; the old partitioning keeps [2,4) in a second mapping so that it
// still covers the space) and the
// new required range does not fit inside the old allocation, forcing a
// fresh buffer rather than a donated one. Before mappingView carried
// separate old/new mapping sets, the backend's BufCopy resolved
// FromMapNo=0 against the new (fresh, zeroed) mapping instead of the old
// one and silently dropped the retained values.
func TestSwitchPreservesLocalCopyAcrossGenuineRepartition(t *testing.T) {
	reg := space.NewRegistry()
	sp, err := reg.Create("s", space.NewRange1D(0, 4))
	require.NoError(t, err)

	g, err := group.New(1, 0)
	require.NoError(t, err)

	small := &partitioner.Partitioner{Name: "small", Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv partitioner.Receiver) {
		recv.AddRange(0, space.NewRange1D(0, 2), 0)
		recv.AddRange(0, space.NewRange1D(2, 4), 0)
	}}
	big := &partitioner.Partitioner{Name: "big", Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv partitioner.Receiver) {
		recv.AddRange(0, space.NewRange1D(0, 4), 0)
	}}

	p1 := partitioning.New("small", sp, g, small, nil)
	p2 := partitioning.New("big", sp, g, big, nil)

	be := New(NewWorld(1), 0)
	d := data.New("x", data.Int32Type, sp, g, 0, nil, be)

	require.NoError(t, d.Switch(p1, transition.Write))
	for _, m := range d.Mappings() {
		flat, ok := m.Layout.Slice(m.Buf, m.Required)
		require.True(t, ok)
		fillInt32(flat, 42)
	}

	require.NoError(t, d.Switch(p2, transition.Read))

	mappings := d.Mappings()
	require.Len(t, mappings, 1)
	for _, m := range mappings {
		flat, ok := m.Layout.Slice(m.Buf, space.NewRange1D(0, 2))
		require.True(t, ok)
		v := int32(flat[0]) | int32(flat[1])<<8 | int32(flat[2])<<16 | int32(flat[3])<<24
		assert.Equal(t, int32(42), v)
	}
}

// fakeMappings is a minimal backend.Mappings double backed by two named
// byte slices, for exercising Exec directly against a hand-built
// Sequence without going through data.Data.
type fakeMappings struct {
	bufs map[int][]byte
}

func (f *fakeMappings) SliceFrom(mapNo int, r space.Range) []byte { return f.bufs[mapNo] }
func (f *fakeMappings) SliceTo(mapNo int, r space.Range) []byte   { return f.bufs[mapNo] }
func (f *fakeMappings) Pack(mapNo int, r space.Range) []byte {
	buf := f.bufs[mapNo]
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
func (f *fakeMappings) Unpack(mapNo int, r space.Range, buf []byte) {
	copy(f.bufs[mapNo], buf)
}

// TestExecLocalPackUnpackSharesScratchBuffer reproduces a non-contiguous
// local copy: PackToBuf and UnpackFromBuf emitted as a pair by Lower for
// the same transition.Local entry must share one BufID (allocateBuffers'
// pass), since UnpackFromBuf has nothing else to read from. Before
// allocateBuffers reused the opener's id here, this silently unpacked a
// nil buffer and dropped the copy.
func TestExecLocalPackUnpackSharesScratchBuffer(t *testing.T) {
	tr := &transition.Transition{
		Local: []transition.Local{{Range: space.NewRange1D(0, 4), FromMapNo: 1, ToMapNo: 2}},
	}
	s := action.Lower(tr, 0, 1, func(int, space.Range) bool { return false })
	s.Optimize(action.OptimizeOpts{})

	mappings := &fakeMappings{bufs: map[int][]byte{
		1: {1, 2, 3, 4},
		2: {0, 0, 0, 0},
	}}
	b := New(NewWorld(1), 0)
	require.NoError(t, b.Exec(s, mappings, data.Int32Type, 1))
	assert.Equal(t, []byte{1, 2, 3, 4}, mappings.bufs[2])
}

func fillInt32(buf []byte, v int32) {
	for i := 0; i+4 <= len(buf); i += 4 {
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
		buf[i+2] = byte(v >> 16)
		buf[i+3] = byte(v >> 24)
	}
}
