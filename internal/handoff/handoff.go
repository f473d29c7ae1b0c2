// Package handoff defines the Boot Handoff Contract: the fixed 4 KiB
// little-endian record passed across the ExitBootServices boundary
// (spec.md §3, §6). It is built exactly once by the pre-exit probe and
// read exactly once by the post-exit orchestrator; nobody mutates it in
// between.
package handoff

import (
	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
)

// NICFamily discriminates the NIC driver variant the pre-exit probe found.
type NICFamily uint8

const (
	NICFamilyNone NICFamily = iota
	NICFamilyParavirt
	NICFamilyIntel
	NICFamilyRealtek
	NICFamilyBroadcom
)

// BlockFamily discriminates the optional block device variant.
type BlockFamily uint8

const (
	BlockFamilyNone BlockFamily = iota
	BlockFamilyParavirt
	BlockFamilyAHCI
)

// PixelFormat mirrors the firmware graphics output protocol's pixel
// format discriminant.
type PixelFormat uint32

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB
	PixelFormatBGR
	PixelFormatBitMask
)

// Record is the 4096-byte little-endian Boot Handoff record (spec.md §6).
// Field order and sizes match the external interface exactly; Reserved
// pads the struct out to one page.
type Record struct {
	Magic   uint32
	Version uint32
	Size    uint32

	NICMMIOBase uint64
	NICBus      uint8
	NICDevice   uint8
	NICFunction uint8
	NICFamily   uint8
	NICMAC      [6]byte
	_           [2]byte

	BlockMMIOBase    uint64
	BlockBus         uint8
	BlockDevice      uint8
	BlockFunction    uint8
	BlockFamily      uint8
	BlockSectorSize  uint32
	BlockTotalSectors uint64

	DMACPUPtr uint64
	DMABusAddr uint64
	DMASize    uint64

	TSCFrequencyHz uint64

	StackTop  uint64
	StackSize uint64

	FramebufferBase   uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferStride uint32
	FramebufferFormat uint32

	MemoryMapPtr       uint64
	MemoryMapSize      uint64
	MemoryMapDescSize  uint64

	// 152 bytes precede this field; Reserved pads the record to exactly
	// one 4 KiB page (spec.md §3, §6).
	Reserved [3944]byte
}

// New stamps a zeroed record with the current magic, version, and size —
// the only constructor the pre-exit probe should use (spec.md §3).
func New() *Record {
	r := &Record{
		Magic:   config.HandoffMagic,
		Version: config.HandoffVersion,
		Size:    config.HandoffSize,
	}
	return r
}

// HasFramebuffer reports whether a GOP framebuffer was found. An all-zero
// descriptor means display is absent, not malformed (SPEC_FULL.md §5,
// grounded on original_source/display/src/fb_backend.rs).
func (r *Record) HasFramebuffer() bool {
	return r.FramebufferBase != 0 && r.FramebufferWidth != 0 && r.FramebufferHeight != 0
}

// HasBlockDevice reports whether the pre-exit probe located a block
// device in addition to the NIC.
func (r *Record) HasBlockDevice() bool {
	return BlockFamily(r.BlockFamily) != BlockFamilyNone && r.BlockMMIOBase != 0
}

// Marshal encodes the record to its 4096-byte little-endian wire form.
func (r *Record) Marshal() ([]byte, error) {
	buf, err := bootio.WriteStruct(r)
	if err != nil {
		return nil, err
	}
	if len(buf) != config.HandoffSize {
		return nil, coreerr.New(coreerr.ClassInvalidSize, "encoded handoff record is not one page")
	}
	return buf, nil
}

// Unmarshal decodes a 4096-byte little-endian buffer into a Record
// without validating it — callers must call Validate separately, mirroring
// the Post-Exit Orchestrator's two-step "decode then reject" contract
// (spec.md §3).
func Unmarshal(buf []byte) (*Record, error) {
	if len(buf) < config.HandoffSize {
		return nil, coreerr.New(coreerr.ClassInvalidSize, "handoff buffer shorter than one page")
	}
	r := new(Record)
	if err := bootio.ReadStruct(buf, 0, r); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassInvalidSize, "decode handoff record", err)
	}
	return r, nil
}

// Validate enforces every invariant the Post-Exit Orchestrator must check
// before trusting the handoff (spec.md §3, scenario 1 in §8):
//   - magic must equal config.HandoffMagic
//   - version must equal config.HandoffVersion
//   - size must equal config.HandoffSize
//   - DMA size must be at least config.MinDMARegionSize
//   - NIC MMIO base must be nonzero
func (r *Record) Validate() error {
	if r.Magic != config.HandoffMagic {
		return coreerr.New(coreerr.ClassInvalidMagic, "handoff magic mismatch")
	}
	if r.Version != config.HandoffVersion {
		return coreerr.New(coreerr.ClassInvalidVersion, "handoff version mismatch")
	}
	if r.Size != config.HandoffSize {
		return coreerr.New(coreerr.ClassInvalidSize, "handoff size mismatch")
	}
	if r.DMASize < config.MinDMARegionSize {
		return coreerr.New(coreerr.ClassDmaTooSmall, "dma region below 2 MiB minimum")
	}
	if r.NICMMIOBase == 0 {
		return coreerr.New(coreerr.ClassNoNIC, "nic mmio base is zero")
	}
	return nil
}
