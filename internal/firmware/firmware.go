// Package firmware is the one real preexit.Firmware implementation this
// core links against actual hardware/UEFI state instead of a fake.
//
// Two of its seven methods are grounded entirely in raw x86 port I/O —
// PCI configuration space (CF8/CFC) and the 8254 PIT — which needs no
// UEFI services and is implemented the same way modetransition's
// mode-switch thunk is: tiny NOSPLIT asm primitives the Go assembler has
// no native mnemonic for. The remaining methods (QueryFramebuffer,
// AllocatePages, MemoryMapSnapshot, ExitBootServices) call through the
// UEFI Boot Services table at its documented struct offsets (UEFI
// Specification §4.4), reached via a system table pointer this package
// never obtains on its own: DESIGN.md records why populating it requires
// a freestanding entry shim this repository does not provide.
package firmware

import (
	"sync/atomic"
	"unsafe"

	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/handoff"
	"github.com/morpheusx/core/internal/preexit"
)

// systemTable holds the EFI_SYSTEM_TABLE pointer handed to the image's
// real entry point. It is nil until SetSystemTable is called by that
// entry shim, which is why Firmware's UEFI-service methods fail loudly
// instead of silently returning zero values when run without one.
var systemTable atomic.Uint64

// SetSystemTable records the EFI_SYSTEM_TABLE pointer the firmware
// passed to this image's entry point. Must be called before any method
// on Firmware that touches Boot Services.
func SetSystemTable(ptr uintptr) {
	systemTable.Store(uint64(ptr))
}

// Firmware implements preexit.Firmware against real x86 hardware and the
// UEFI Boot Services the running firmware exposes.
type Firmware struct{}

var _ preexit.Firmware = Firmware{}

// New constructs the real Firmware implementation.
func New() Firmware { return Firmware{} }

// pciConfigAddress and pciConfigData are the legacy CF8/CFC port I/O
// mechanism every x86 platform still honors for configuration space
// access before MMCONFIG is mapped (spec.md §4.4 "PCI enumeration via
// configuration space").
const (
	pciConfigAddress = 0xCF8
	pciConfigData    = 0xCFC
)

func pciConfigRead32(bus, device, function uint8, offset uint8) uint32 {
	addr := uint32(1)<<31 |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x7)<<8 |
		uint32(offset&0xfc)
	outl(pciConfigAddress, addr)
	return inl(pciConfigData)
}

// outl and inl are the raw OUT/IN instruction primitives, declared here
// in Go and implemented in port_io_amd64.s, which emits both instructions
// as raw opcode bytes.
func outl(port uint16, value uint32)
func inl(port uint16) uint32

const (
	pciVendorIntel   = 0x8086
	pciVendorRealtek = 0x10EC
	pciVendorBroadcom = 0x14E4
	pciVendorVirtio  = 0x1AF4
	pciVendorRedHat  = 0x1B36 // QXL/virtio-adjacent paravirt devices

	pciClassNetwork = 0x02
	pciClassStorage = 0x01
)

// EnumeratePCI walks every bus/device/function slot and classifies the
// NIC and block devices spec.md §4.4 says the probe must find. Multi
// function detection reads the header-type byte at offset 0x0E before
// probing functions 1-7, mirroring the standard brute-force PCI scan.
func (Firmware) EnumeratePCI() ([]preexit.PCIDevice, error) {
	var found []preexit.PCIDevice
	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < 32; dev++ {
			vendorDevice := pciConfigRead32(uint8(bus), uint8(dev), 0, 0x00)
			vendorID := uint16(vendorDevice)
			if vendorID == 0xFFFF {
				continue
			}
			headerType := uint8(pciConfigRead32(uint8(bus), uint8(dev), 0, 0x0C) >> 16)
			maxFunc := 1
			if headerType&0x80 != 0 {
				maxFunc = 8
			}
			for fn := 0; fn < maxFunc; fn++ {
				vd := pciConfigRead32(uint8(bus), uint8(dev), uint8(fn), 0x00)
				vid := uint16(vd)
				if vid == 0xFFFF {
					continue
				}
				did := uint16(vd >> 16)
				classReg := pciConfigRead32(uint8(bus), uint8(dev), uint8(fn), 0x08)
				class := uint8(classReg >> 24)
				bar0 := pciConfigRead32(uint8(bus), uint8(dev), uint8(fn), 0x10)

				found = append(found, preexit.PCIDevice{
					Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn),
					VendorID: vid, DeviceID: did,
					MMIOBase: uint64(bar0 &^ 0xF),
					Family:   classifyDevice(class, vid),
				})
			}
		}
	}
	return found, nil
}

func classifyDevice(class uint8, vendor uint16) preexit.DeviceFamily {
	switch class {
	case pciClassNetwork:
		switch vendor {
		case pciVendorVirtio, pciVendorRedHat:
			return preexit.FamilyNICParavirt
		case pciVendorIntel:
			return preexit.FamilyNICIntel
		case pciVendorRealtek:
			return preexit.FamilyNICRealtek
		case pciVendorBroadcom:
			return preexit.FamilyNICBroadcom
		}
	case pciClassStorage:
		switch vendor {
		case pciVendorVirtio, pciVendorRedHat:
			return preexit.FamilyBlockParavirt
		default:
			return preexit.FamilyBlockAHCI
		}
	}
	return preexit.FamilyUnknown
}

// pitChannel2Control, pitChannel2Data, and ppiPort are the 8254
// programmable interval timer ports used for the classic "gate channel
// 2, count down, measure against TSC" calibration loop (spec.md §4.4
// "TSC calibration against the 8254 PIT").
const (
	pitChannel2Data = 0x42
	pitModeCommand  = 0x43
	ppiPort         = 0x61

	pitFrequencyHz = 1193182
	pitCalibrationTicks = 0x2E9B // ~10ms at 1.193182 MHz
)

// CalibrateTSCHz gates PIT channel 2, counts down a fixed tick interval,
// and derives the TSC frequency from the elapsed cycle count.
func (Firmware) CalibrateTSCHz() (uint64, error) {
	gate := inb(ppiPort)
	outb(ppiPort, (gate&0xFC)|0x01) // enable gate, disable speaker

	outb(pitModeCommand, 0xB0) // channel 2, lobyte/hibyte, mode 0
	outb(pitChannel2Data, byte(pitCalibrationTicks))
	outb(pitChannel2Data, byte(pitCalibrationTicks>>8))

	// Retrigger the gate to start the countdown.
	outb(ppiPort, (gate&0xFC)|0x00)
	outb(ppiPort, (gate&0xFC)|0x01)

	start := rdtsc()
	for {
		status := inb(ppiPort)
		if status&0x20 != 0 { // OUT pin went high: count reached zero
			break
		}
	}
	end := rdtsc()

	elapsedCycles := end - start
	if elapsedCycles == 0 {
		return 0, coreerr.New(coreerr.ClassDeviceError, "tsc did not advance during pit calibration window")
	}
	hz := elapsedCycles * pitFrequencyHz / pitCalibrationTicks
	return hz, nil
}

func outb(port uint16, value uint8)
func inb(port uint16) uint8
func rdtsc() uint64

// stackRegion is a statically reserved scratch stack the post-exit
// orchestrator and main loop run on once the firmware's own stack is no
// longer guaranteed usable past ExitBootServices (spec.md §4.4 "hands a
// reserved stack region to the post-exit phase").
var stackRegion [256 * 1024]byte

// StackTop returns the reserved scratch stack's bounds.
func (Firmware) StackTop() (ptr, size uint64) {
	return uint64(uintptr(unsafe.Pointer(&stackRegion[0]))), uint64(len(stackRegion))
}

// efiBootServicesOffset is the byte offset of BootServices within
// EFI_SYSTEM_TABLE (UEFI Specification §4.3).
const efiBootServicesOffset = 96

// Boot Services table offsets used below (UEFI Specification §4.4),
// counted from the start of EFI_BOOT_SERVICES.
const (
	bsAllocatePages   = 40
	bsGetMemoryMap    = 56
	bsExitBootServices = 232
	bsLocateProtocol  = 320
)

func (Firmware) bootServices() (uintptr, error) {
	st := systemTable.Load()
	if st == 0 {
		return 0, coreerr.New(coreerr.ClassDeviceError, "system table not set: no entry shim populated firmware.SetSystemTable")
	}
	bsPtr := *(*uintptr)(unsafe.Pointer(uintptr(st) + efiBootServicesOffset))
	return bsPtr, nil
}

// gopGUID is EFI_GRAPHICS_OUTPUT_PROTOCOL_GUID.
var gopGUID = [16]byte{
	0xDE, 0x15, 0x1D, 0x90, 0xAE, 0x5A, 0xD2, 0x11,
	0x8D, 0x5C, 0x00, 0xA0, 0xC9, 0x69, 0x72, 0x3B,
}

// QueryFramebuffer locates the Graphics Output Protocol and reads its
// current mode's framebuffer base, resolution, stride, and pixel format
// (spec.md §4.4 "framebuffer base, resolution, stride, and pixel format").
func (f Firmware) QueryFramebuffer() (preexit.FramebufferInfo, bool, error) {
	bs, err := f.bootServices()
	if err != nil {
		return preexit.FramebufferInfo{}, false, err
	}
	locateProtocol := *(*uintptr)(unsafe.Pointer(bs + bsLocateProtocol))
	var gopPtr uintptr
	ret := callLocateProtocol(locateProtocol, &gopGUID, &gopPtr)
	if ret != 0 || gopPtr == 0 {
		return preexit.FramebufferInfo{}, false, nil
	}

	// EFI_GRAPHICS_OUTPUT_PROTOCOL.Mode is the third pointer field;
	// Mode->Info and Mode->FrameBufferBase follow the documented layout
	// (UEFI Specification §12.9).
	modePtr := *(*uintptr)(unsafe.Pointer(gopPtr + 2*8))
	infoPtr := *(*uintptr)(unsafe.Pointer(modePtr + 8))
	fbBase := *(*uint64)(unsafe.Pointer(modePtr + 24))

	width := *(*uint32)(unsafe.Pointer(infoPtr + 4))
	height := *(*uint32)(unsafe.Pointer(infoPtr + 8))
	pixelFormat := *(*uint32)(unsafe.Pointer(infoPtr))
	stride := *(*uint32)(unsafe.Pointer(infoPtr + 4 + 4 + 4 + 4*16 + 4))

	return preexit.FramebufferInfo{
		Base:   fbBase,
		Width:  width,
		Height: height,
		Stride: stride * 4,
		Format: gopPixelFormat(pixelFormat),
	}, true, nil
}

func gopPixelFormat(v uint32) handoff.PixelFormat {
	switch v {
	case 0:
		return handoff.PixelFormatRGB
	case 1:
		return handoff.PixelFormatBGR
	case 2:
		return handoff.PixelFormatBitMask
	default:
		return handoff.PixelFormatUnknown
	}
}

// callLocateProtocol and AllocatePages/GetMemoryMap/ExitBootServices
// thunks below adapt the EFI Boot Services' MS x64 calling convention
// (RCX/RDX/R8/R9, caller-allocated shadow space) to Go's ABI; declared
// here, implemented in efi_call_amd64.s.
func callLocateProtocol(fn uintptr, guid *[16]byte, iface *uintptr) uintptr
func callAllocatePages(fn uintptr, allocType, memType uint32, pages uint64, memory *uint64) uintptr
func callGetMemoryMap(fn uintptr, size *uint64, buf *byte, mapKey, descSize *uint64, descVersion *uint32) uintptr
func callExitBootServices(fn uintptr, imageHandle uintptr, mapKey uint64) uintptr

const (
	efiAllocateAnyPages = 0
	efiLoaderData       = 2
)

// AllocatePages requests n contiguous 4 KiB pages from Boot Services for
// the DMA region (spec.md §4.4, §4.5).
func (f Firmware) AllocatePages(n int) (cpuPtr, busAddr uint64, err error) {
	bs, err := f.bootServices()
	if err != nil {
		return 0, 0, err
	}
	fn := *(*uintptr)(unsafe.Pointer(bs + bsAllocatePages))
	var memory uint64
	if ret := callAllocatePages(fn, efiAllocateAnyPages, efiLoaderData, uint64(n), &memory); ret != 0 {
		return 0, 0, coreerr.New(coreerr.ClassAllocationFailed, "efi AllocatePages failed")
	}
	// No IOMMU in the target environment: bus address is identity mapped
	// to the CPU physical address (spec.md §3 "DMA Region").
	return memory, memory, nil
}

// MemoryMapSnapshot retrieves the current UEFI memory map, growing the
// scratch buffer once if the firmware reports it undersized.
func (f Firmware) MemoryMapSnapshot() (ptr, size, descSize, mapKey uint64, err error) {
	bs, err := f.bootServices()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fn := *(*uintptr)(unsafe.Pointer(bs + bsGetMemoryMap))

	bufSize := uint64(8 * 1024)
	buf := make([]byte, bufSize)
	var descVersion uint32
	ret := callGetMemoryMap(fn, &bufSize, &buf[0], &mapKey, &descSize, &descVersion)
	if ret == 0x8000000000000005 { // EFI_BUFFER_TOO_SMALL
		buf = make([]byte, bufSize)
		ret = callGetMemoryMap(fn, &bufSize, &buf[0], &mapKey, &descSize, &descVersion)
	}
	if ret != 0 {
		return 0, 0, 0, 0, coreerr.New(coreerr.ClassMemoryMapSnapshot, "efi GetMemoryMap failed")
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0]))), bufSize, descSize, mapKey, nil
}

// ExitBootServices performs the single atomic transition out of boot
// services using the map key from the immediately preceding
// MemoryMapSnapshot call, per the UEFI spec's required sequencing
// (spec.md §4.4 "the atomic ExitBootServices call").
func (Firmware) ExitBootServices(mapKey uint64) error {
	st := systemTable.Load()
	if st == 0 {
		return coreerr.New(coreerr.ClassExitBootServicesFail, "system table not set")
	}
	bsPtr := *(*uintptr)(unsafe.Pointer(uintptr(st) + efiBootServicesOffset))
	fn := *(*uintptr)(unsafe.Pointer(bsPtr + bsExitBootServices))
	imageHandle := imageHandleValue.Load()
	if ret := callExitBootServices(fn, uintptr(imageHandle), mapKey); ret != 0 {
		return coreerr.New(coreerr.ClassExitBootServicesFail, "efi ExitBootServices rejected map key")
	}
	return nil
}

// imageHandleValue is the EFI_HANDLE this image was loaded with, set
// alongside the system table by the entry shim.
var imageHandleValue atomic.Uint64

// SetImageHandle records the EFI_HANDLE the firmware passed to this
// image's entry point.
func SetImageHandle(h uintptr) {
	imageHandleValue.Store(uint64(h))
}

// ImageHandle returns the EFI_HANDLE SetImageHandle recorded.
func ImageHandle() uintptr { return uintptr(imageHandleValue.Load()) }

// SystemTable returns the EFI_SYSTEM_TABLE pointer SetSystemTable recorded.
func SystemTable() uintptr { return uintptr(systemTable.Load()) }
