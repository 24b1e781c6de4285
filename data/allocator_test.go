package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocatorAllocatesZeroed(t *testing.T) {
	a := HeapAllocator{}
	buf, err := a.Alloc(8)
	require.NoError(t, err)
	assert.Len(t, buf, 8)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestPooledAllocatorReusesSameLengthBuffer(t *testing.T) {
	p := NewPooledAllocator()
	buf1, err := p.Alloc(16)
	require.NoError(t, err)
	buf1[0] = 0xFF
	p.Free(buf1)
	assert.Equal(t, 1, p.ApproxLen())

	buf2, err := p.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, 0, p.ApproxLen())
	assert.Equal(t, byte(0), buf2[0])
}

func TestPooledAllocatorDoesNotReuseAcrossLengths(t *testing.T) {
	p := NewPooledAllocator()
	buf, err := p.Alloc(8)
	require.NoError(t, err)
	p.Free(buf)

	_, err = p.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ApproxLen())
}

func TestMMapAllocatorRoundTrips(t *testing.T) {
	a := MMapAllocator{}
	buf, err := a.Alloc(4096)
	require.NoError(t, err)
	require.Len(t, buf, 4096)
	buf[0] = 42
	a.Free(buf)
}
