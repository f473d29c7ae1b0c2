// Package kernelimage validates a Linux bzImage and exposes its setup
// header fields to the Handoff Builder (spec.md §3 "Setup Header", §4.1).
//
// Grounded on CircleCashTeam-magiskboot_go's bootimg.go: that teacher reads
// a family of boot-image header variants with mmap + encoding/binary into
// a DynImgHdr-style accessor struct and validates magic/version before use.
// This package keeps that shape — mmap the file, binary.Read the fixed
// header at a known offset, validate magic/version, expose read-only
// accessors — and replaces the Android boot-image header family with the
// single Linux x86 setup header.
package kernelimage

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/coreerr"
)

// setupHeaderOffset is the documented offset of the setup header in a
// bzImage, inside the first 512-byte sector (the header runs past the
// boot sector signature at 0x1FE).
const setupHeaderOffset = 0x1F1

// minBzImageSize is spec.md §4.1's length floor: 4 KiB, comfortably
// larger than setupHeaderOffset plus the decoded header's size.
const minBzImageSize = 4 * 1024

// xloadflagsEFIHandover (xloadflags bit 3) signals 64-bit EFI handover
// support.
const xloadflagsEFIHandover = 1 << 3

// setupHeader is the subset of the Linux x86 boot protocol setup header
// the core reads (spec.md §3 "Setup Header"). Field offsets within the
// struct follow the documented layout starting at 0x1F1; unused
// documented fields between the ones we need are kept as padding so
// binary.Read lands later fields at the right offset.
type setupHeader struct {
	SetupSects    uint8
	RootFlags     uint16
	SysSize       uint32
	RAMSize       uint16
	VidMode       uint16
	RootDev       uint16
	BootFlag      uint16 // boot sector signature, not the "HdrS" magic
	Jump          uint16
	HeaderMagic   [4]byte // "HdrS" at 0x202
	Version       uint16
	RealModeSwtch uint32
	StartSysSeg   uint16
	KernelVersion uint16
	TypeOfLoader  uint8
	LoadFlags     uint8
	SetupMoveSize uint16
	Code32Start   uint32
	RamdiskImage  uint32
	RamdiskSize   uint32
	BootSectKludge uint32
	HeapEndPtr    uint16
	ExtLoaderVer  uint8
	ExtLoaderType uint8
	CmdLinePtr    uint32
	InitrdAddrMax uint32
	KernelAlignment uint32
	RelocatableKernel uint8
	MinAlignment    uint8
	XLoadFlags      uint16
	CmdlineSize     uint32
	HardwareSubarch uint32
	HardwareSubarchData uint64
	PayloadOffset   uint32
	PayloadLength   uint32
	SetupData       uint64
	PrefAddress     uint64
	InitSize        uint32
	HandoverOffset  uint32
}

// Image is a parsed, read-only handle onto a bzImage file.
type Image struct {
	data   mmap.MMap
	file   *os.File
	header setupHeader

	kernelPayloadOffset uint32
}

// Open mmaps path, validates it as a bzImage, and parses the setup
// header. The source buffer is never mutated (spec.md §4.1).
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassKernelParse, "open bzImage", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, coreerr.Wrap(coreerr.ClassKernelParse, "mmap bzImage", err)
	}
	img, err := Parse(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}
	img.data = data
	img.file = f
	return img, nil
}

// Parse validates and parses setup-header fields directly out of an
// in-memory byte slice (spec.md §4.1 "Inputs: a byte slice").
func Parse(data []byte) (*Image, error) {
	if len(data) < minBzImageSize {
		return nil, coreerr.New(coreerr.ClassKernelParse, "bzImage shorter than minimum 4 KiB")
	}

	img := &Image{}
	var hdr setupHeader
	if err := bootio.ReadStruct(data, setupHeaderOffset, &hdr); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassKernelParse, "decode setup header", err)
	}
	if string(hdr.HeaderMagic[:]) != "HdrS" {
		return nil, coreerr.New(coreerr.ClassKernelParse, "invalid setup header magic")
	}
	if hdr.Version < 0x0200 {
		return nil, coreerr.New(coreerr.ClassKernelParse, "unsupported boot protocol version")
	}

	img.header = hdr
	setupSects := uint32(hdr.SetupSects)
	if setupSects == 0 {
		setupSects = 4 // documented default when the field is zero
	}
	img.kernelPayloadOffset = (setupSects + 1) * 512
	if int(img.kernelPayloadOffset) >= len(data) {
		return nil, coreerr.New(coreerr.ClassKernelParse, "kernel payload offset exceeds image length")
	}
	return img, nil
}

// Close releases the mmap and file handle, if any (no-op for images
// parsed directly from a byte slice via Parse).
func (img *Image) Close() error {
	var err error
	if img.data != nil {
		err = img.data.Unmap()
	}
	if img.file != nil {
		if cerr := img.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Version returns the boot protocol version, e.g. 0x020C.
func (img *Image) Version() uint16 { return img.header.Version }

// SetupSects returns the number of 512-byte setup sectors.
func (img *Image) SetupSects() uint8 { return img.header.SetupSects }

// Relocatable reports whether the kernel may be loaded at any
// alignment-respecting address.
func (img *Image) Relocatable() bool { return img.header.RelocatableKernel != 0 }

// PreferredAddress is the kernel's preferred load address.
func (img *Image) PreferredAddress() uint64 { return img.header.PrefAddress }

// KernelAlignment is the required load-address alignment.
func (img *Image) KernelAlignment() uint32 {
	if img.header.KernelAlignment == 0 {
		return 1 << 21 // 2 MiB documented default
	}
	return img.header.KernelAlignment
}

// InitSize is the amount of memory the kernel needs reserved above its
// load address, honored when relocating (spec.md §4.2).
func (img *Image) InitSize() uint32 { return img.header.InitSize }

// Code32Start is the 32-bit protected-mode entry point (spec.md §4.3).
func (img *Image) Code32Start() uint32 { return img.header.Code32Start }

// CmdlineSize is the maximum accepted command-line length.
func (img *Image) CmdlineSize() uint32 {
	if img.header.CmdlineSize == 0 {
		return 255 // pre-2.06 default
	}
	return img.header.CmdlineSize
}

// InitrdAddrMax is the highest address the initrd may be loaded at.
func (img *Image) InitrdAddrMax() uint32 {
	if img.header.InitrdAddrMax == 0 {
		return 0x37FFFFFF // documented default
	}
	return img.header.InitrdAddrMax
}

// HandoverOffset is the EFI handover entry point's offset from the
// relocated kernel load address.
func (img *Image) HandoverOffset() uint32 { return img.header.HandoverOffset }

// SupportsEFIHandover reports whether the kernel advertises the 64-bit
// EFI handover entry (spec.md §3 invariant, §4.3): xloadflags bit 3 set
// and handover_offset nonzero.
func (img *Image) SupportsEFIHandover() bool {
	return img.header.XLoadFlags&xloadflagsEFIHandover != 0 && img.header.HandoverOffset != 0
}

// KernelPayloadOffset returns (setup_sects+1)*512, the byte offset of the
// compressed kernel payload within the bzImage (spec.md §4.1).
func (img *Image) KernelPayloadOffset() uint32 { return img.kernelPayloadOffset }

// Payload returns the raw kernel payload bytes following the setup
// sectors, read-only, taken from the backing mmap or the original slice
// passed to Parse.
func (img *Image) Payload(data []byte) []byte {
	return data[img.kernelPayloadOffset:]
}

// RawHeader exposes the mmap'd file bytes for callers that opened via
// Open; nil when the Image was built from Parse directly.
func (img *Image) RawHeader() []byte {
	if img.data == nil {
		return nil
	}
	return img.data
}
