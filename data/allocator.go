package data

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Allocator reserves and releases raw backing storage for Mappings. Alloc
// must return a zeroed slice of exactly n bytes.
type Allocator interface {
	Alloc(n int64) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator is the default Allocator: a thin wrapper over make([]byte,
// n) with no reuse. Good enough for small or infrequently-switched
// mappings.
type HeapAllocator struct{}

// Alloc implements Allocator.
func (HeapAllocator) Alloc(n int64) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("data: negative allocation size %d", n)
	}
	return make([]byte, n), nil
}

// Free implements Allocator.
func (HeapAllocator) Free([]byte) {}

// PooledAllocator reuses freed buffers whose size exactly matches a new
// request, the same "give me something this shape or make a new one"
// contract a sync.Pool/FreePool gives a single object type, generalised
// to variable-size byte buffers keyed by their length.
type PooledAllocator struct {
	mu   sync.Mutex
	free map[int64][][]byte
}

// NewPooledAllocator returns an empty PooledAllocator.
func NewPooledAllocator() *PooledAllocator {
	return &PooledAllocator{free: make(map[int64][][]byte)}
}

// Alloc implements Allocator.
func (p *PooledAllocator) Alloc(n int64) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("data: negative allocation size %d", n)
	}
	p.mu.Lock()
	bufs := p.free[n]
	if len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		for i := range buf {
			buf[i] = 0
		}
		return buf, nil
	}
	p.mu.Unlock()
	return make([]byte, n), nil
}

// Free implements Allocator.
func (p *PooledAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	n := int64(len(buf))
	p.mu.Lock()
	p.free[n] = append(p.free[n], buf)
	p.mu.Unlock()
}

// ApproxLen returns the approximate number of buffers currently pooled,
// for tests that want to bound pool growth.
func (p *PooledAllocator) ApproxLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bufs := range p.free {
		n += len(bufs)
	}
	return n
}

// MMapAllocator backs mappings with anonymous mmap regions instead of the
// Go heap, avoiding GC scan pressure for large buffers — the same
// anonymous-mmap-for-a-big-table approach fusion's k-mer index table
// uses for its multi-gigabyte hash table.
type MMapAllocator struct {
	// Advise, if true, calls madvise(MADV_HUGEPAGE) after mapping.
	Advise bool
}

// Alloc implements Allocator.
func (a MMapAllocator) Alloc(n int64) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("data: negative allocation size %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	buf, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "data: mmap allocation failed")
	}
	if a.Advise {
		_ = unix.Madvise(buf, unix.MADV_HUGEPAGE)
	}
	return buf, nil
}

// Free implements Allocator.
func (a MMapAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munmap(buf)
}
