package data

import (
	"testing"

	"github.com/grailbio/laik/space"
	"github.com/stretchr/testify/assert"
)

func TestMappingCoversChecksContainment(t *testing.T) {
	m := &Mapping{
		MapNo:  0,
		Layout: NewLayout(space.NewRange1D(0, 10), 4),
	}
	assert.True(t, m.covers(space.NewRange1D(2, 8)))
	assert.False(t, m.covers(space.NewRange1D(2, 12)))
}

func TestMappingViewDelegatesToLayout(t *testing.T) {
	m := &Mapping{
		MapNo:  3,
		Layout: NewLayout(space.NewRange1D(0, 4), 4),
		Buf:    make([]byte, 16),
	}
	m.Buf[4] = 0xAB
	v := &mappingView{old: map[int]*Mapping{3: m}, new: map[int]*Mapping{3: m}}

	flat := v.SliceFrom(3, space.NewRange1D(1, 2))
	assert.Equal(t, []byte{0xAB, 0, 0, 0}, flat)

	packed := v.Pack(3, space.NewRange1D(0, 2))
	assert.Len(t, packed, 8)

	v.Unpack(3, space.NewRange1D(2, 3), []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, m.Buf[8:12])
}

func TestMappingViewUnknownMapNoIsNoop(t *testing.T) {
	v := &mappingView{old: map[int]*Mapping{}, new: map[int]*Mapping{}}
	assert.Nil(t, v.SliceFrom(9, space.NewRange1D(0, 1)))
	assert.Nil(t, v.SliceTo(9, space.NewRange1D(0, 1)))
	assert.Nil(t, v.Pack(9, space.NewRange1D(0, 1)))
	v.Unpack(9, space.NewRange1D(0, 1), []byte{1})
}

// TestMappingViewResolvesFromAndToAgainstDistinctSets pins the bug a
// repartition with a reused MapNo integer used to hit: Pack(FromMapNo)
// must read the OLD mapping even when the NEW set happens to have a
// different mapping registered under that same MapNo, and Unpack(ToMapNo)
// must write the NEW one even when the OLD set reuses that number too.
func TestMappingViewResolvesFromAndToAgainstDistinctSets(t *testing.T) {
	oldM := &Mapping{
		MapNo:  0,
		Layout: NewLayout(space.NewRange1D(0, 4), 4),
		Buf:    []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	newM := &Mapping{
		MapNo:  0,
		Layout: NewLayout(space.NewRange1D(0, 4), 4),
		Buf:    make([]byte, 16),
	}
	v := &mappingView{old: map[int]*Mapping{0: oldM}, new: map[int]*Mapping{0: newM}}

	packed := v.Pack(0, space.NewRange1D(0, 1))
	assert.Equal(t, []byte{1, 2, 3, 4}, packed)

	v.Unpack(0, space.NewRange1D(0, 1), packed)
	assert.Equal(t, []byte{1, 2, 3, 4}, newM.Buf[0:4])
	assert.Equal(t, byte(1), oldM.Buf[0], "old mapping must be untouched by Unpack")
}
