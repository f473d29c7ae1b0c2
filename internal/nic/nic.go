// Package nic implements the paravirtualized NIC driver (spec.md §4.6):
// PCI capability walk, feature negotiation, virtqueue-based TX/RX, and
// buffer lifecycle over the DMA pool. A capability-set interface (Driver)
// lets the main loop dispatch across NIC families (spec.md §9
// "Polymorphism across NIC families") without a cyclic driver<->pool
// reference — buffer state lives in dmapool, keyed by stable index
// (spec.md §9 "Cyclic references").
package nic

import (
	"unsafe"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/dmapool"
)

// Family discriminates NIC driver variants. Only Paravirt has a full
// implementation in this core; Intel/Realtek/Broadcom are named by
// spec.md §4.4 as devices the pre-exit probe may *locate* but hardware
// drivers other than paravirtual are out of scope (spec.md §1).
type Family int

const (
	FamilyParavirt Family = iota
	FamilyIntel
	FamilyRealtek
	FamilyBroadcom
)

// Driver is the capability set every NIC family variant implements,
// dispatched at the main-loop boundary (spec.md §9).
type Driver interface {
	MACAddress() [6]byte
	CanTransmit() bool
	Transmit(frame []byte) error
	CanReceive() bool
	Receive(buf []byte) (int, error)
	RefillRXQueue()
	CollectTXCompletions()
}

// Feature bits negotiated against policy (spec.md §4.6).
const (
	FeatureVersion1      uint64 = 1 << 32
	FeatureIOMMUPlatform uint64 = 1 << 33
	FeatureMAC           uint64 = 1 << 5
	FeatureStatus        uint64 = 1 << 16
	FeatureMrgRxbuf      uint64 = 1 << 15
	FeatureCsum          uint64 = 1 << 0
)

const requiredFeatures = FeatureVersion1 | FeatureMAC | FeatureStatus

// deviceStatus bits for the status progression
// ACKNOWLEDGE -> DRIVER -> FEATURES_OK -> DRIVER_OK (spec.md §4.6).
const (
	statusAcknowledge uint8 = 1
	statusDriver      uint8 = 2
	statusFeaturesOK  uint8 = 8
	statusDriverOK    uint8 = 4
)

// capabilityOffsets caches the PCI capability list offsets discovered
// during init, instead of re-walking the capability list on every access
// (SPEC_FULL.md §5, grounded on original_source/network/src/pci).
type capabilityOffsets struct {
	commonCfg uint32
	notifyCfg uint32
	isrCfg    uint32
	deviceCfg uint32
}

// Transport abstracts the PCI-transport MMIO accesses the driver needs,
// so the driver itself can be exercised against a fake in tests without
// real hardware.
type Transport interface {
	ReadCapabilities() (capabilityOffsets, error)
	NegotiateFeatures(offer uint64) (accepted uint64, err error)
	WriteStatus(status uint8)
	ReadMAC() [6]byte
	Notify(queueNotifyOff uint32)
}

// ParavirtDriver implements Driver against the paravirtualized PCI
// transport (spec.md §4.6).
type ParavirtDriver struct {
	transport Transport
	pool      *dmapool.Pool
	caps      capabilityOffsets
	mac       [6]byte
	features  uint64

	rx *virtqueue
	tx *virtqueue

	rxBufIndex []int // stable dmapool index per rx ring slot
	txBufIndex []int

	rxBufPtr []uintptr // cpuPtr for each rx ring slot's DMA buffer
	txBufPtr []uintptr

	rxFree []int // free-list of rx ring slots with a Free buffer
	txFree []int
}

// New brings a paravirtualized NIC up through the full status progression
// and sets up the RX/TX virtqueues in DMA memory (spec.md §4.6).
func New(transport Transport, pool *dmapool.Pool) (*ParavirtDriver, error) {
	d := &ParavirtDriver{transport: transport, pool: pool}

	d.transport.WriteStatus(statusAcknowledge)
	d.transport.WriteStatus(statusAcknowledge | statusDriver)

	caps, err := d.transport.ReadCapabilities()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassDeviceError, "read pci capability list", err)
	}
	d.caps = caps

	offer := FeatureVersion1 | FeatureMAC | FeatureStatus | FeatureMrgRxbuf | FeatureCsum
	accepted, err := d.transport.NegotiateFeatures(offer)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassDeviceError, "negotiate features", err)
	}
	if accepted&requiredFeatures != requiredFeatures {
		return nil, coreerr.New(coreerr.ClassDeviceError, "device rejected required feature bits")
	}
	d.features = accepted
	d.transport.WriteStatus(statusAcknowledge | statusDriver | statusFeaturesOK)

	d.mac = d.transport.ReadMAC()

	size := uint16(config.VirtqueueSize)
	d.rx = newVirtqueue(size, 0)
	d.tx = newVirtqueue(size, 0)

	if err := d.setupBuffers(size); err != nil {
		return nil, err
	}

	d.transport.WriteStatus(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
	return d, nil
}

func (d *ParavirtDriver) setupBuffers(size uint16) error {
	const bufPages = 1 // one 4 KiB page comfortably fits a netHeader + max Ethernet frame

	d.rxBufIndex = make([]int, size)
	d.txBufIndex = make([]int, size)
	d.rxBufPtr = make([]uintptr, size)
	d.txBufPtr = make([]uintptr, size)
	d.rxFree = make([]int, 0, size)
	d.txFree = make([]int, 0, size)

	for i := uint16(0); i < size; i++ {
		cpuPtr, _, idx, err := d.pool.AllocPages(bufPages)
		if err != nil {
			return coreerr.Wrap(coreerr.ClassAllocationFailed, "allocate rx buffer", err)
		}
		d.rxBufIndex[i] = idx
		d.rxBufPtr[i] = cpuPtr
		d.rxFree = append(d.rxFree, int(i))
	}
	for i := uint16(0); i < size; i++ {
		cpuPtr, _, idx, err := d.pool.AllocPages(bufPages)
		if err != nil {
			return coreerr.Wrap(coreerr.ClassAllocationFailed, "allocate tx buffer", err)
		}
		d.txBufIndex[i] = idx
		d.txBufPtr[i] = cpuPtr
		d.txFree = append(d.txFree, int(i))
	}
	return nil
}

// dmaBuffer views a DMA buffer's cpuPtr as a directly addressable byte
// slice the size of one page (same unsafe.Slice pattern
// cmd/morpheus-core's page allocator adapter uses).
func dmaBuffer(cpuPtr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(cpuPtr)), config.PageSize)
}

// MACAddress returns the device MAC (spec.md §4.6, §9 open question (a):
// read from device config space rather than defaulted).
func (d *ParavirtDriver) MACAddress() [6]byte { return d.mac }

// CanTransmit reports whether a TX buffer and ring slot are both free
// (spec.md §4.6).
func (d *ParavirtDriver) CanTransmit() bool {
	return len(d.txFree) > 0 && d.tx.hasAvailSpace()
}

// Transmit is fire-and-forget: it copies frame into a TX buffer prefixed
// with the paravirt net header, submits a single-descriptor chain, and
// notifies. It never waits for completion (spec.md §4.6).
func (d *ParavirtDriver) Transmit(frame []byte) error {
	if !d.CanTransmit() {
		return coreerr.New(coreerr.ClassQueueFull, "no free tx buffer or ring space")
	}
	if len(frame) > config.PageSize-netHeaderSize {
		return coreerr.New(coreerr.ClassFrameTooLarge, "frame exceeds tx buffer capacity")
	}

	slot := d.txFree[len(d.txFree)-1]
	d.txFree = d.txFree[:len(d.txFree)-1]
	bufIdx := d.txBufIndex[slot]

	if err := d.pool.Submit(bufIdx); err != nil {
		return coreerr.Wrap(coreerr.ClassInvalidOwnership, "submit tx buffer", err)
	}

	// Prefix the frame with a zeroed netHeader (no offload requested) and
	// copy both into the DMA buffer the device will read from.
	dma := dmaBuffer(d.txBufPtr[slot])
	for i := 0; i < netHeaderSize; i++ {
		dma[i] = 0
	}
	copy(dma[netHeaderSize:], frame)

	before := d.tx.avail.Index
	after := d.tx.publish(slot, uint64(bufIdx)*config.PageSize, uint32(len(frame)+netHeaderSize), false)
	d.tx.notify(func(addr uintptr) { d.transport.Notify(d.caps.notifyCfg) })
	_ = d.tx.watermarkCrossed(before, after)
	return nil
}

// CanReceive reports whether a used RX descriptor is waiting.
func (d *ParavirtDriver) CanReceive() bool {
	return d.rx.used.Index != d.rx.lastUsedIndex
}

// Receive pulls one used RX descriptor, copies the payload past the
// paravirt header into buf, and returns to Free once consumed.
func (d *ParavirtDriver) Receive(buf []byte) (int, error) {
	elem, ok := d.rx.popUsed()
	if !ok {
		return 0, nil
	}
	length := int(elem.Len) - netHeaderSize
	if length < 0 {
		length = 0
	}
	if len(buf) < length {
		return 0, coreerr.New(coreerr.ClassBufferTooSmall, "receive buffer smaller than frame")
	}

	slot := int(elem.ID)
	bufIdx := d.rxBufIndex[slot]
	if err := d.pool.Complete(bufIdx); err != nil {
		return 0, coreerr.Wrap(coreerr.ClassInvalidOwnership, "complete rx buffer", err)
	}

	dma := dmaBuffer(d.rxBufPtr[slot])
	copy(buf[:length], dma[netHeaderSize:netHeaderSize+length])

	d.rxFree = append(d.rxFree, slot)
	return length, nil
}

// RefillRXQueue publishes every Free RX buffer back onto the available
// ring (spec.md §4.6).
func (d *ParavirtDriver) RefillRXQueue() {
	before := d.rx.avail.Index
	for len(d.rxFree) > 0 && d.rx.hasAvailSpace() {
		slot := d.rxFree[len(d.rxFree)-1]
		d.rxFree = d.rxFree[:len(d.rxFree)-1]
		bufIdx := d.rxBufIndex[slot]
		if err := d.pool.Submit(bufIdx); err != nil {
			continue
		}
		d.rx.publish(slot, uint64(bufIdx)*config.PageSize, config.PageSize, true)
	}
	after := d.rx.avail.Index
	if d.rx.watermarkCrossed(before, after) {
		d.rx.notify(func(addr uintptr) { d.transport.Notify(d.caps.notifyCfg) })
	}
}

// CollectTXCompletions drains used TX entries and returns their buffers
// to the free pool.
func (d *ParavirtDriver) CollectTXCompletions() {
	for {
		elem, ok := d.tx.popUsed()
		if !ok {
			return
		}
		slot := int(elem.ID)
		bufIdx := d.txBufIndex[slot]
		if err := d.pool.Complete(bufIdx); err != nil {
			continue
		}
		d.txFree = append(d.txFree, slot)
	}
}
