// Package dma stands in for the kernel's DMA region allocator, an
// external collaborator per spec.md §1: "DMA region allocator
// (dma_alloc(size, flags) -> region{virt, phys}, dma_free)". Paging
// and the real physical memory manager are out of scope; this package
// gives the virtio driver something concrete to allocate queues and
// buffers into so the module is runnable end to end.
//
// The arena is a single anonymous mmap standing in for guest physical
// RAM, sub-allocated with a bump allocator -- the same scheme internal
// hypervisor backends in the retrieval pack use to allocate MMIO
// regions above RAM -- extended with a free list so per-request
// buffers (the header/status/data regions the virtio driver allocates
// on every submit) can be returned and reused instead of permanently
// consuming arena bytes.
package dma

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is a DMA-mapped allocation: Virt is the host-addressable
// view (usable as virtio.GuestMemory-backed storage), Phys is its
// offset within the arena -- the only address the simulated device
// ever needs, per spec.md's note that the core only needs the DMA
// region's physical address.
type Region struct {
	Virt []byte
	Phys uint64
	size uint64
}

// Len returns the region's size in bytes.
func (r Region) Len() uint64 { return r.size }

// freeSpan is a reclaimed, reusable byte range within the arena,
// tracked by offset rather than by the Region that produced it -- once
// a Region has been passed to Free it must not be read from again.
type freeSpan struct {
	off  uint64
	size uint64
}

// Arena is a bump allocator over one mmap'd anonymous region, with a
// free list layered on top so Free'd spans are reused by later Allocs
// instead of the arena only ever growing.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	next uint64
	free []freeSpan
}

// NewArena allocates a page-aligned anonymous mapping of size bytes to
// back the arena.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: arena size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap arena: %w", err)
	}
	return &Arena{mem: mem}, nil
}

// Close releases the arena's backing mapping.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// reuseLocked looks for a free span that can satisfy size at the given
// alignment, first-fit. On success it consumes the span, splitting off
// any unused head/tail padding as smaller free spans, and returns the
// allocation's base offset. Callers must hold a.mu.
func (a *Arena) reuseLocked(size, align uint64) (uint64, bool) {
	for i, span := range a.free {
		base := alignUp(span.off, align)
		end := base + size
		spanEnd := span.off + span.size
		if end > spanEnd {
			continue
		}

		var leftover []freeSpan
		if base > span.off {
			leftover = append(leftover, freeSpan{off: span.off, size: base - span.off})
		}
		if end < spanEnd {
			leftover = append(leftover, freeSpan{off: end, size: spanEnd - end})
		}

		a.free = append(a.free[:i], append(leftover, a.free[i+1:]...)...)
		return base, true
	}
	return 0, false
}

// Alloc reserves size bytes aligned to align (a power of two; 0 means
// no special alignment beyond 8 bytes) within the arena, preferring to
// reuse a previously Free'd span before growing the arena's high-water
// mark. The returned Region's bytes are zeroed.
func (a *Arena) Alloc(size uint64, align uint64) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Region{}, fmt.Errorf("dma: cannot allocate zero-size region")
	}
	if align == 0 {
		align = 8
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("dma: alignment %d is not a power of 2", align)
	}

	base, ok := a.reuseLocked(size, align)
	if !ok {
		base = alignUp(a.next, align)
		end := base + size
		if end > uint64(len(a.mem)) {
			return Region{}, fmt.Errorf("dma: arena exhausted (want %d bytes at offset %d, arena is %d bytes)", size, base, len(a.mem))
		}
		a.next = end
	}

	buf := a.mem[base : base+size]
	for i := range buf {
		buf[i] = 0
	}

	return Region{Virt: buf, Phys: base, size: size}, nil
}

// Free returns r's bytes to the arena's free list so a later Alloc can
// reuse them. r must have come from this Arena; its Virt slice must
// not be touched again afterward. A span that ends up abutting the
// arena's high-water mark shrinks that mark back down instead of
// lingering as a free span, so the common alloc/free/alloc cycle one
// virtio request after another does not grow the arena at all.
func (a *Arena) Free(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	if r.Phys+r.size > a.next {
		return fmt.Errorf("dma: free region [%d,%d) outside allocated range (high-water mark is %d)", r.Phys, r.Phys+r.size, a.next)
	}

	a.free = append(a.free, freeSpan{off: r.Phys, size: r.size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	merged := a.free[:0]
	for _, span := range a.free {
		if n := len(merged); n > 0 && merged[n-1].off+merged[n-1].size == span.off {
			merged[n-1].size += span.size
		} else {
			merged = append(merged, span)
		}
	}
	a.free = merged

	if n := len(a.free); n > 0 {
		if last := a.free[n-1]; last.off+last.size == a.next {
			a.next = last.off
			a.free = a.free[:n-1]
		}
	}
	return nil
}

// ReadAt implements io.ReaderAt over the whole arena, the view a
// virtio driver needs to read descriptors/data the device wrote.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if off < 0 || off > int64(len(a.mem)) {
		return 0, fmt.Errorf("dma: read offset %d out of bounds (arena is %d bytes)", off, len(a.mem))
	}
	n := copy(p, a.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("dma: short read at offset %d: wanted %d, arena has %d remaining", off, len(p), n)
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the whole arena.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if off < 0 || off > int64(len(a.mem)) {
		return 0, fmt.Errorf("dma: write offset %d out of bounds (arena is %d bytes)", off, len(a.mem))
	}
	n := copy(a.mem[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("dma: short write at offset %d: wanted %d, arena has %d remaining", off, len(p), n)
	}
	return n, nil
}
