package nic

import (
	"unsafe"

	"github.com/morpheusx/core/internal/coreerr"
)

// virtioPCITransport implements Transport against a real virtio-pci
// modern device (SPEC_FULL.md §5, grounded on original_source/network/
// src/pci and the VIRTIO 1.0 PCI transport's capability-list layout).
// It is the one Transport implementation this core links against actual
// MMIO instead of nic_test.go's fake; the rest of the package
// (ParavirtDriver and Transport itself, in nic.go) stays hardware-agnostic.
type virtioPCITransport struct {
	bus, device, function uint8
	bar0MMIO              uint64
	discovered            capabilityOffsets
}

var _ Transport = (*virtioPCITransport)(nil)

// NewVirtioPCITransport constructs a Transport bound to the PCI device
// at bus:device:function whose BAR0 is mapped at mmioBase. The pre-exit
// probe's PCI enumeration (internal/firmware) supplies both.
func NewVirtioPCITransport(bus, device, function uint8, mmioBase uint64) Transport {
	return &virtioPCITransport{bus: bus, device: device, function: function, bar0MMIO: mmioBase}
}

// VIRTIO PCI capability type values (VIRTIO 1.0 §4.1.4).
const (
	virtioCapCommonCfg = 1
	virtioCapNotifyCfg = 2
	virtioCapISRCfg    = 3
	virtioCapDeviceCfg = 4
)

// ReadCapabilities walks the PCI capability list looking for the four
// virtio-pci capability structures and records their MMIO offsets from
// BAR0 (VIRTIO 1.0 §4.1.4 "Virtio Structure PCI Capabilities").
func (t *virtioPCITransport) ReadCapabilities() (capabilityOffsets, error) {
	var caps capabilityOffsets

	status := uint16(pciCfgRead32(t.bus, t.device, t.function, 0x04) >> 16)
	if status&0x10 == 0 { // capabilities list bit
		return caps, coreerr.New(coreerr.ClassDeviceError, "device has no pci capability list")
	}

	next := uint8(pciCfgRead32(t.bus, t.device, t.function, 0x34))
	for next != 0 {
		header := pciCfgRead32(t.bus, t.device, t.function, next)
		capID := uint8(header)
		capNext := uint8(header >> 8)
		if capID == 0x09 { // vendor-specific: virtio-pci capability
			capType := uint8(header >> 24) // cfg_type, byte 3 of the capability
			offsetWord := pciCfgRead32(t.bus, t.device, t.function, next+8)
			switch capType {
			case virtioCapCommonCfg:
				caps.commonCfg = offsetWord
			case virtioCapNotifyCfg:
				caps.notifyCfg = offsetWord
			case virtioCapISRCfg:
				caps.isrCfg = offsetWord
			case virtioCapDeviceCfg:
				caps.deviceCfg = offsetWord
			}
		}
		next = capNext
	}

	if caps.commonCfg == 0 {
		return caps, coreerr.New(coreerr.ClassDeviceError, "common configuration capability not found")
	}
	t.discovered = caps
	return caps, nil
}

// Common configuration structure field offsets within the common_cfg
// capability (VIRTIO 1.0 §4.1.4.3).
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonGuestFeatureSelect  = 0x08
	commonGuestFeature        = 0x0C
	commonDeviceStatus        = 0x14
)

func (t *virtioPCITransport) mmio32(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(t.bar0MMIO) + uintptr(offset)))
}

func (t *virtioPCITransport) mmio8(offset uint32) *uint8 {
	return (*uint8)(unsafe.Pointer(uintptr(t.bar0MMIO) + uintptr(offset)))
}

// NegotiateFeatures reads the device's offered feature bits (selecting
// the high and low 32-bit halves in turn), ANDs them against offer, and
// writes the result back as the accepted guest feature set (VIRTIO 1.0
// §3.1.1).
func (t *virtioPCITransport) NegotiateFeatures(offer uint64) (uint64, error) {
	commonBase := t.caps().commonCfg

	*t.mmio32(commonBase + commonDeviceFeatureSelect) = 0
	lo := *t.mmio32(commonBase + commonDeviceFeature)
	*t.mmio32(commonBase + commonDeviceFeatureSelect) = 1
	hi := *t.mmio32(commonBase + commonDeviceFeature)
	deviceOffer := uint64(lo) | uint64(hi)<<32

	accepted := deviceOffer & offer

	*t.mmio32(commonBase + commonGuestFeatureSelect) = 0
	*t.mmio32(commonBase + commonGuestFeature) = uint32(accepted)
	*t.mmio32(commonBase + commonGuestFeatureSelect) = 1
	*t.mmio32(commonBase + commonGuestFeature) = uint32(accepted >> 32)

	return accepted, nil
}

// caps returns the offsets ReadCapabilities discovered, re-walking the
// capability list if this transport somehow hasn't done so yet.
func (t *virtioPCITransport) caps() capabilityOffsets {
	if t.discovered.commonCfg == 0 {
		t.discovered, _ = t.ReadCapabilities()
	}
	return t.discovered
}

// WriteStatus writes the device status byte (VIRTIO 1.0 §2.1 "Device
// Status Field").
func (t *virtioPCITransport) WriteStatus(status uint8) {
	*t.mmio8(t.caps().commonCfg + commonDeviceStatus) = status
}

// ReadMAC reads the device-specific configuration's mac field, which for
// virtio-net sits at device_cfg offset 0 (VIRTIO 1.0 §5.1.4 "Device
// configuration layout").
func (t *virtioPCITransport) ReadMAC() [6]byte {
	var mac [6]byte
	base := t.caps().deviceCfg
	for i := 0; i < 6; i++ {
		mac[i] = *t.mmio8(base + uint32(i))
	}
	return mac
}

// Notify writes the queue's notification value into the notify_cfg
// region (VIRTIO 1.0 §4.1.4.4).
func (t *virtioPCITransport) Notify(queueNotifyOff uint32) {
	*t.mmio32(t.caps().notifyCfg + queueNotifyOff*2) = 0
}

func pciCfgRead32(bus, device, function uint8, offset uint8) uint32 {
	addr := uint32(1)<<31 |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x7)<<8 |
		uint32(offset&0xfc)
	pciOutl(0xCF8, addr)
	return pciInl(0xCFC)
}

func pciOutl(port uint16, value uint32)
func pciInl(port uint16) uint32
