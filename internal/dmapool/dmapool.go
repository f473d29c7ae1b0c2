// Package dmapool implements the page-granular allocator over the fixed
// physical DMA region handed off by the pre-exit probe (spec.md §4.5).
//
// The free-page bitmap lives in the first pages of the region itself
// (original_source/dma-pool/src/lib.rs; SPEC_FULL.md §5 resolves the
// "bitmap or free-list" choice in spec.md §4.5 explicitly this way).
// Invoked only from the single-threaded main loop — no locking beyond
// what the cooperative scheduling model already guarantees (spec.md §5).
package dmapool

import (
	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
)

// Ownership is the buffer ownership state machine from spec.md §3.
type Ownership uint8

const (
	Free Ownership = iota
	DriverOwned
	DeviceOwned
)

// Region describes the physically contiguous, device-visible window the
// pool manages. CPUPtr == BusAddr for the identity-mapped, no-IOMMU
// target environment (spec.md §3 "DMA Region").
type Region struct {
	CPUPtr  uintptr
	BusAddr uintptr
	Size    uint64
}

// Pool allocates and tracks page ownership over a Region.
type Pool struct {
	region     Region
	bitmapPages int
	totalPages  int
	bitmap      []byte // 1 bit per page; 1 == allocated

	// owners tracks the ownership state of allocated buffer handles,
	// keyed by the stable starting page index — the driver<->pool
	// cyclic reference from spec.md §9 becomes an index lookup here.
	owners map[int]Ownership
}

// New constructs a Pool over region. The bitmap reserves
// ceil(pages/8/PageSize) pages up front so its own bookkeeping never
// competes with a caller's allocation.
func New(region Region) (*Pool, error) {
	if region.Size < config.MinDMARegionSize {
		return nil, coreerr.New(coreerr.ClassDmaTooSmall, "dma region below 2 MiB minimum")
	}
	if region.Size%config.PageSize != 0 {
		return nil, coreerr.New(coreerr.ClassAllocationFailed, "dma region size is not page-aligned")
	}

	totalPages := int(region.Size / config.PageSize)
	bitmapBytes := (totalPages + 7) / 8
	bitmapPages := int(bootio.AlignUp(uint64(bitmapBytes), config.PageSize) / config.PageSize)

	p := &Pool{
		region:      region,
		totalPages:  totalPages,
		bitmapPages: bitmapPages,
		bitmap:      make([]byte, bitmapBytes),
		owners:      make(map[int]Ownership),
	}
	for i := 0; i < bitmapPages; i++ {
		p.setBit(i, true)
	}
	return p, nil
}

func (p *Pool) setBit(page int, set bool) {
	if set {
		p.bitmap[page/8] |= 1 << uint(page%8)
	} else {
		p.bitmap[page/8] &^= 1 << uint(page%8)
	}
}

func (p *Pool) bitSet(page int) bool {
	return p.bitmap[page/8]&(1<<uint(page%8)) != 0
}

// AllocPages reserves n contiguous free pages and returns the buffer's
// starting (cpuPtr, busAddr) plus its stable index, entering DriverOwned
// state directly (spec.md §3: alloc Free -> DriverOwned).
func (p *Pool) AllocPages(n int) (cpuPtr, busAddr uintptr, index int, err error) {
	if n <= 0 {
		return 0, 0, 0, coreerr.New(coreerr.ClassAllocationFailed, "page count must be positive")
	}
	start := -1
	run := 0
	for i := p.bitmapPages; i < p.totalPages; i++ {
		if !p.bitSet(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				break
			}
		} else {
			run = 0
			start = -1
		}
	}
	if run < n {
		return 0, 0, 0, coreerr.New(coreerr.ClassAllocationFailed, "no contiguous free pages")
	}
	for i := start; i < start+n; i++ {
		p.setBit(i, true)
	}
	p.owners[start] = DriverOwned
	off := uint64(start) * config.PageSize
	return p.region.CPUPtr + uintptr(off), p.region.BusAddr + uintptr(off), start, nil
}

// FreePages releases n pages starting at index, transitioning
// DriverOwned -> Free. It is a bug (InvalidOwnership) to free pages that
// are DeviceOwned.
func (p *Pool) FreePages(index, n int) error {
	owner, ok := p.owners[index]
	if !ok {
		return coreerr.New(coreerr.ClassInvalidOwnership, "free of unknown buffer index")
	}
	if owner != DriverOwned {
		return coreerr.New(coreerr.ClassInvalidOwnership, "free of non-driver-owned buffer")
	}
	for i := index; i < index+n; i++ {
		p.setBit(i, false)
	}
	delete(p.owners, index)
	return nil
}

// Submit transitions a buffer DriverOwned -> DeviceOwned, the state a
// buffer enters once handed to the NIC's virtqueue (spec.md §3).
func (p *Pool) Submit(index int) error {
	return p.transition(index, DriverOwned, DeviceOwned)
}

// Complete transitions a buffer DeviceOwned -> DriverOwned once the
// device has finished with it (a used-ring entry was observed).
func (p *Pool) Complete(index int) error {
	return p.transition(index, DeviceOwned, DriverOwned)
}

func (p *Pool) transition(index int, from, to Ownership) error {
	owner, ok := p.owners[index]
	if !ok || owner != from {
		return coreerr.New(coreerr.ClassInvalidOwnership, "out-of-sequence buffer ownership transition")
	}
	p.owners[index] = to
	return nil
}

// Owner reports the current ownership state of the buffer at index.
func (p *Pool) Owner(index int) (Ownership, bool) {
	o, ok := p.owners[index]
	return o, ok
}

// FreePageCount reports how many pages remain unallocated, for
// diagnostics and tests.
func (p *Pool) FreePageCount() int {
	n := 0
	for i := p.bitmapPages; i < p.totalPages; i++ {
		if !p.bitSet(i) {
			n++
		}
	}
	return n
}
