package nic

import (
	"sync/atomic"

	"github.com/morpheusx/core/internal/config"
)

// descFlagNext marks a descriptor as chained to the next index (not used
// by the core: every TX/RX buffer is a single-descriptor chain per
// spec.md §4.6).
const descFlagNext = 1
const descFlagWrite = 2

// vqDescriptor mirrors the virtqueue descriptor-ring entry layout
// (spec.md §6 "Virtqueue").
type vqDescriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type vqAvailRing struct {
	Flags uint16
	Index uint16
	Ring  []uint16
}

type vqUsedElem struct {
	ID  uint32
	Len uint32
}

type vqUsedRing struct {
	Flags uint16
	Index uint16
	Ring  []vqUsedElem
}

// virtqueue is the per-queue state of spec.md §3 "Virtqueue State": ring
// bases are bus addresses; last_used_index/next_available_index track
// consumer/producer positions.
type virtqueue struct {
	size uint16

	desc  []vqDescriptor
	avail vqAvailRing
	used  vqUsedRing

	notifyAddr uintptr

	lastUsedIndex      uint16
	nextAvailableIndex uint16
}

func newVirtqueue(size uint16, notifyAddr uintptr) *virtqueue {
	return &virtqueue{
		size:       size,
		desc:       make([]vqDescriptor, size),
		avail:      vqAvailRing{Ring: make([]uint16, size)},
		used:       vqUsedRing{Ring: make([]vqUsedElem, size)},
		notifyAddr: notifyAddr,
	}
}

// hasAvailSpace reports whether the available ring has room for one more
// descriptor chain without overtaking the device.
func (q *virtqueue) hasAvailSpace() bool {
	return q.nextAvailableIndex-q.lastUsedIndex < q.size
}

// publish writes one single-descriptor chain referencing (busAddr, length)
// and advances the available ring. write marks the buffer as
// device-writable (RX) vs device-readable (TX).
func (q *virtqueue) publish(descIndex int, busAddr uint64, length uint32, write bool) uint16 {
	flags := uint16(0)
	if write {
		flags = descFlagWrite
	}
	q.desc[descIndex] = vqDescriptor{Addr: busAddr, Len: length, Flags: flags}

	slot := q.avail.Index % q.size
	q.avail.Ring[slot] = uint16(descIndex)

	// Store fence before the available-ring entry becomes visible,
	// then before the notify MMIO write (spec.md §4.6, §5 ordering
	// guarantee).
	atomic.StoreUint16(&q.avail.Index, q.avail.Index+1)
	q.nextAvailableIndex++
	return q.avail.Index
}

// notify performs the device-notify MMIO write. Real hardware access is
// abstracted behind notifyFn so the driver can be exercised against a
// fake device in tests.
func (q *virtqueue) notify(notifyFn func(addr uintptr)) {
	notifyFn(q.notifyAddr)
}

// popUsed returns the next unconsumed used-ring entry, if any. A load
// fence is implied by reading the atomically-stored index before reading
// the ring body (spec.md §4.6 ordering guarantee).
func (q *virtqueue) popUsed() (vqUsedElem, bool) {
	usedIndex := atomic.LoadUint16(&q.used.Index)
	if q.lastUsedIndex == usedIndex {
		return vqUsedElem{}, false
	}
	elem := q.used.Ring[q.lastUsedIndex%q.size]
	q.lastUsedIndex++
	return elem, true
}

// watermarkCrossed reports whether refilling has pushed the available
// index across a quarter-ring watermark, the signal to notify the device
// (spec.md §4.6 "notifies if the ring crossed a watermark").
func (q *virtqueue) watermarkCrossed(before, after uint16) bool {
	watermark := q.size / 4
	if watermark == 0 {
		watermark = 1
	}
	return before/watermark != after/watermark
}

// netHeader is the 12-byte paravirtualized-net header prefixing every
// frame (spec.md §4.6 "prefixed with the 12-byte paravirt net header").
type netHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

const netHeaderSize = 12

func init() {
	if sz := config.VirtqueueSize; sz&(sz-1) != 0 {
		panic("nic: VirtqueueSize must be a power of two")
	}
}
