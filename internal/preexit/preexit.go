// Package preexit implements the Pre-Exit Probe (spec.md §4.4): PCI
// enumeration, NIC/block device discovery, framebuffer query, DMA region
// allocation, TSC calibration against the 8254 PIT, memory-map snapshot,
// and the atomic ExitBootServices call. Firmware is a narrow interface so
// the probe's sequencing and Handoff Record assembly can be tested
// without real UEFI protocol bindings (the same boundary pattern as
// nic.Transport and netstack.Stack).
package preexit

import (
	efi "github.com/canonical/go-efilib"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/handoff"
)

// DeviceFamily classifies a discovered PCI device by the handoff record's
// family enums (spec.md §4.4 "paravirtualized, Intel, Realtek, or
// Broadcom vendor").
type DeviceFamily int

const (
	FamilyUnknown DeviceFamily = iota
	FamilyNICParavirt
	FamilyNICIntel
	FamilyNICRealtek
	FamilyNICBroadcom
	FamilyBlockParavirt
	FamilyBlockAHCI
)

// PCIDevice is one entry the PCI config-space walk yields.
type PCIDevice struct {
	Bus, Device, Function uint8
	VendorID, DeviceID    uint16
	MMIOBase              uint64
	Family                DeviceFamily
}

// FramebufferInfo is what the firmware graphics protocol reports (spec.md
// §4.4 "framebuffer base, resolution, stride, and pixel format").
type FramebufferInfo struct {
	Base   uint64
	Width  uint32
	Height uint32
	Stride uint32
	Format handoff.PixelFormat
}

// Firmware is the set of pre-ExitBootServices operations the probe drives.
// The concrete implementation backing this in a real UEFI application
// binds the PCI I/O, Graphics Output, and Boot Services protocols; it
// cannot be exercised without a running firmware, so ProbeWith is tested
// against a fake satisfying this interface instead.
type Firmware interface {
	EnumeratePCI() ([]PCIDevice, error)
	QueryFramebuffer() (FramebufferInfo, bool, error)
	AllocatePages(n int) (cpuPtr, busAddr uint64, err error)
	CalibrateTSCHz() (uint64, error)
	MemoryMapSnapshot() (ptr, size, descSize uint64, mapKey uint64, err error)
	ExitBootServices(mapKey uint64) error
	StackTop() (ptr, size uint64)
}

// Probe runs the full sequence spec.md §4.4 describes and returns the
// populated, validated Handoff Record, with ExitBootServices already
// called. Firmware service access is impossible after this returns.
func Probe(fw Firmware) (*handoff.Record, error) {
	devices, err := fw.EnumeratePCI()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassDeviceError, "enumerate pci configuration space", err)
	}

	var nic, block *PCIDevice
	for i := range devices {
		d := &devices[i]
		switch d.Family {
		case FamilyNICParavirt, FamilyNICIntel, FamilyNICRealtek, FamilyNICBroadcom:
			if nic == nil {
				nic = d
			}
		case FamilyBlockParavirt, FamilyBlockAHCI:
			if block == nil {
				block = d
			}
		}
	}
	if nic == nil {
		return nil, coreerr.New(coreerr.ClassNoNIC, "no supported nic found during pci enumeration")
	}

	rec := handoff.New()
	rec.NICMMIOBase = nic.MMIOBase
	rec.NICBus, rec.NICDevice, rec.NICFunction = nic.Bus, nic.Device, nic.Function
	rec.NICFamily = uint8(nicHandoffFamily(nic.Family))

	if block != nil {
		rec.BlockMMIOBase = block.MMIOBase
		rec.BlockBus, rec.BlockDevice, rec.BlockFunction = block.Bus, block.Device, block.Function
		rec.BlockFamily = uint8(blockHandoffFamily(block.Family))
	}

	if fb, ok, err := fw.QueryFramebuffer(); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassDeviceError, "query graphics protocol", err)
	} else if ok {
		rec.FramebufferBase = fb.Base
		rec.FramebufferWidth, rec.FramebufferHeight, rec.FramebufferStride = fb.Width, fb.Height, fb.Stride
		rec.FramebufferFormat = uint32(fb.Format)
	}

	cpuPtr, busAddr, err := fw.AllocatePages(int(config.MinDMARegionSize / config.PageSize))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassAllocationFailed, "allocate dma region", err)
	}
	rec.DMACPUPtr, rec.DMABusAddr, rec.DMASize = cpuPtr, busAddr, config.MinDMARegionSize

	hz, err := fw.CalibrateTSCHz()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassDeviceError, "calibrate tsc against 8254 pit", err)
	}
	rec.TSCFrequencyHz = hz

	stackTop, stackSize := fw.StackTop()
	rec.StackTop, rec.StackSize = stackTop, stackSize

	mmPtr, mmSize, mmDescSize, mapKey, err := fw.MemoryMapSnapshot()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassMemoryMapSnapshot, "snapshot firmware memory map", err)
	}
	rec.MemoryMapPtr, rec.MemoryMapSize, rec.MemoryMapDescSize = mmPtr, mmSize, mmDescSize

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := fw.ExitBootServices(mapKey); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassExitBootServicesFail, "exit boot services", err)
	}

	return rec, nil
}

func nicHandoffFamily(f DeviceFamily) handoff.NICFamily {
	switch f {
	case FamilyNICIntel:
		return handoff.NICFamilyIntel
	case FamilyNICRealtek:
		return handoff.NICFamilyRealtek
	case FamilyNICBroadcom:
		return handoff.NICFamilyBroadcom
	default:
		return handoff.NICFamilyParavirt
	}
}

func blockHandoffFamily(f DeviceFamily) handoff.BlockFamily {
	if f == FamilyBlockAHCI {
		return handoff.BlockFamilyAHCI
	}
	return handoff.BlockFamilyParavirt
}

// secureBootGUID is EFI_GLOBAL_VARIABLE, the namespace the "SecureBoot"
// variable lives in (UEFI spec §3.3).
var secureBootGUID = efi.MakeGUID(0x8be4df61, 0x93ca, 0x11d2, 0xaa0d, [6]uint8{0x00, 0xe0, 0x98, 0x03, 0x2b, 0x8c})

// ReadSecureBootState reads the firmware's "SecureBoot" variable via
// go-efilib purely for diagnostic logging ahead of ExitBootServices: it
// has no bearing on probe outcome, but a student boot log recording
// whether secure boot is enabled is useful context when debugging a
// hung handoff (SPEC_FULL.md §4 "domain stack wiring" for go-efilib).
func ReadSecureBootState() (enabled bool, err error) {
	data, _, err := efi.ReadVariable("SecureBoot", secureBootGUID)
	if err != nil {
		return false, coreerr.Wrap(coreerr.ClassDeviceError, "read SecureBoot variable", err)
	}
	if len(data) != 1 {
		return false, coreerr.New(coreerr.ClassDeviceError, "unexpected SecureBoot variable size")
	}
	return data[0] == 1, nil
}
