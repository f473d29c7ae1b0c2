// Package handoffbuilder implements the Handoff Builder (spec.md §4.2):
// it allocates boot_params/cmdline/initrd firmware pages before
// ExitBootServices, relocates and copies the kernel payload, and stamps
// every field Mode Transition needs into boot_params.
package handoffbuilder

import (
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/handoff"
	"github.com/morpheusx/core/internal/kernelimage"
)

// PageAllocator is the firmware page-allocation surface this builder
// needs, isolated behind an interface so the relocation arithmetic can be
// tested without real firmware page allocation (same boundary pattern as
// preexit.Firmware).
type PageAllocator interface {
	// AllocatePages returns a zeroed, page-aligned buffer of n pages and
	// its physical address.
	AllocatePages(n int) (buf []byte, physAddr uint64, err error)
}

// BootParams is the subset of the Linux x86 boot_params struct this core
// stamps; the rest of the page stays zeroed, which is the required state
// for every field the kernel does not expect the bootloader to fill.
type BootParams struct {
	SetupHeaderOffset uint32 // fixed layout offset, not stamped at runtime
	CmdLinePtr        uint32
	CmdLinePtrHi      uint32 // ext_cmd_line_ptr for addresses above 4 GiB
	RamdiskImage      uint32
	RamdiskImageHi    uint32
	RamdiskSize       uint32
	RamdiskSizeHi     uint32
}

const bootParamsPages = 1
const setupHeaderPageOffset = 0x1F1

// setupHeaderRawSize covers the documented setup header fields from
// 0x1F1 through init_size at 0x260 plus padding to a round boundary.
const setupHeaderRawSize = 0x290 - 0x1F1

// Result is everything Mode Transition needs to hand control to the
// kernel (spec.md §4.3).
type Result struct {
	BootParamsAddr   uint64
	KernelEntryAddr  uint64
	CmdlineAddr      uint64
	InitrdAddr       uint64
	InitrdSize       uint64
}

// Build allocates boot_params, cmdline, and (if initrd is non-empty) an
// initrd region, copies the setup header into boot_params, relocates and
// copies the kernel payload, and stamps cmdline/initrd/graphics fields
// (spec.md §4.2). No memory-map (E820) entries are written into
// boot_params.
func Build(alloc PageAllocator, img *kernelimage.Image, cmdline string, initrd []byte, rec *handoff.Record) (*Result, error) {
	bootParamsBuf, bootParamsAddr, err := alloc.AllocatePages(bootParamsPages)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassBootParamsAlloc, "allocate boot_params page", err)
	}

	// Copy the setup header byte-for-byte from the mmap'd bzImage into
	// boot_params at its documented offset (spec.md §4.2 "Copies the
	// setup header into boot_params at the documented offset"); this
	// preserves every field the kernel reads, not just the subset
	// kernelimage.Image exposes accessors for.
	raw := img.RawHeader()
	if raw == nil || len(raw) < setupHeaderPageOffset+setupHeaderRawSize {
		return nil, coreerr.New(coreerr.ClassBootParamsAlloc, "bzImage too short to copy setup header")
	}
	headerBytes := raw[setupHeaderPageOffset : setupHeaderPageOffset+setupHeaderRawSize]
	if setupHeaderPageOffset+len(headerBytes) > len(bootParamsBuf) {
		return nil, coreerr.New(coreerr.ClassBootParamsAlloc, "setup header does not fit in boot_params page")
	}
	copy(bootParamsBuf[setupHeaderPageOffset:], headerBytes)

	cmdlineSize := int(img.CmdlineSize())
	cmdlineBytes := make([]byte, cmdlineSize)
	copy(cmdlineBytes, cmdline)
	if len(cmdline) >= cmdlineSize {
		return nil, coreerr.New(coreerr.ClassCmdlineAlloc, "cmdline exceeds cmdline_size")
	}
	cmdlinePages := (cmdlineSize + 4095) / 4096
	if cmdlinePages == 0 {
		cmdlinePages = 1
	}
	cmdlineBuf, cmdlineAddr, err := alloc.AllocatePages(cmdlinePages)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassCmdlineAlloc, "allocate cmdline pages", err)
	}
	copy(cmdlineBuf, cmdlineBytes)

	var initrdAddr uint64
	var initrdSize uint64
	if len(initrd) > 0 {
		initrdPages := (len(initrd) + 4095) / 4096
		initrdBuf, addr, err := alloc.AllocatePages(initrdPages)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.ClassInitrdAlloc, "allocate initrd pages", err)
		}
		if addr > uint64(img.InitrdAddrMax()) {
			return nil, coreerr.New(coreerr.ClassInitrdAlloc, "initrd placed above initrd_addr_max")
		}
		copy(initrdBuf, initrd)
		initrdAddr = addr
		initrdSize = uint64(len(initrd))
	}

	// relocatedLoadAddress honors relocatable_kernel/pref_address/
	// kernel_alignment as the kernel's own preference, but this core's
	// firmware page allocator (like the cmdline/initrd allocations above)
	// has no way to place pages at a caller-chosen physical address, so
	// the bytes actually go wherever it puts them; init_size is honored
	// by reserving that much room at the load address for the kernel's
	// own in-place decompression, per spec.md §4.2.
	payload := img.Payload(raw)
	kernelSize := len(payload)
	if initSize := int(img.InitSize()); initSize > kernelSize {
		kernelSize = initSize
	}
	kernelPages := (kernelSize + 4095) / 4096
	if kernelPages == 0 {
		kernelPages = 1
	}
	kernelBuf, kernelLoadAddr, err := alloc.AllocatePages(kernelPages)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassAllocationFailed, "allocate kernel payload pages", err)
	}
	if len(payload) > len(kernelBuf) {
		return nil, coreerr.New(coreerr.ClassAllocationFailed, "kernel payload exceeds allocated pages")
	}
	copy(kernelBuf, payload)

	// A non-relocatable kernel must run at exactly its preferred address;
	// unlike a relocatable kernel it cannot tolerate landing wherever the
	// allocator placed it.
	if !img.Relocatable() {
		if want := relocatedLoadAddress(img); kernelLoadAddr != want {
			return nil, coreerr.New(coreerr.ClassAllocationFailed, "non-relocatable kernel did not load at its preferred address")
		}
	}

	stampBootParams(bootParamsBuf, cmdlineAddr, initrdAddr, uint32(initrdSize), rec)

	return &Result{
		BootParamsAddr:  bootParamsAddr,
		KernelEntryAddr: kernelLoadAddr,
		CmdlineAddr:     cmdlineAddr,
		InitrdAddr:      initrdAddr,
		InitrdSize:      initrdSize,
	}, nil
}

// relocatedLoadAddress computes the kernel load address honoring
// relocatable_kernel, pref_address, and kernel_alignment (spec.md §4.2);
// init_size is accounted for by Build when sizing the kernel allocation.
func relocatedLoadAddress(img *kernelimage.Image) uint64 {
	if !img.Relocatable() {
		return uint64(img.Code32Start())
	}
	align := uint64(img.KernelAlignment())
	pref := img.PreferredAddress()
	if align == 0 {
		return pref
	}
	return alignUp(pref, align)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// stampBootParams writes the cmdline pointer (low/high halves), initrd
// base/size, and framebuffer fields the kernel reads out of boot_params
// at the documented byte offsets; it writes no memory-map (E820)
// entries. Offsets follow the Linux boot protocol's boot_params layout
// (ext_ramdisk_image at 0x0c0, ext_ramdisk_size at 0x0c4,
// ext_cmd_line_ptr at 0x0c8, ramdisk_image at 0x218, ramdisk_size at
// 0x21c, cmd_line_ptr at 0x228).
func stampBootParams(buf []byte, cmdlineAddr, initrdAddr uint64, initrdSize uint32, rec *handoff.Record) {
	putU32(buf, 0x218, uint32(initrdAddr))
	putU32(buf, 0x21c, initrdSize)
	putU32(buf, 0x228, uint32(cmdlineAddr))
	putU32(buf, 0x0c8, uint32(cmdlineAddr>>32))
	putU32(buf, 0x0c0, uint32(initrdAddr>>32))
	putU32(buf, 0x0c4, 0)

	if rec != nil && rec.HasFramebuffer() {
		// The screen_info sub-struct begins at boot_params offset 0; the
		// fields this core needs (lfb_width/lfb_height/lfb_base/
		// lfb_linelength at 0x12/0x14/0x18/0x24 respectively) mirror
		// struct screen_info from <linux/screen_info.h>.
		putU16(buf, 0x12, uint16(rec.FramebufferWidth))
		putU16(buf, 0x14, uint16(rec.FramebufferHeight))
		putU32(buf, 0x18, uint32(rec.FramebufferBase))
		putU16(buf, 0x24, uint16(rec.FramebufferStride))
	}
}

func putU32(buf []byte, offset int, v uint32) {
	if offset+4 > len(buf) {
		return
	}
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
	buf[offset+2] = byte(v >> 16)
	buf[offset+3] = byte(v >> 24)
}

func putU16(buf []byte, offset int, v uint16) {
	if offset+2 > len(buf) {
		return
	}
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
}
