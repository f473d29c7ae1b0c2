package handoffbuilder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/handoff"
	"github.com/morpheusx/core/internal/kernelimage"
)

// fakeSetupHeader mirrors the unexported setupHeader layout in
// kernelimage just closely enough to stamp the fields Build reads
// (relocatable_kernel, pref_address, kernel_alignment, code32_start,
// cmdline_size, initrd_addr_max) at their documented offsets.
type fakeSetupHeader struct {
	SetupSects     uint8
	RootFlags      uint16
	SysSize        uint32
	RAMSize        uint16
	VidMode        uint16
	RootDev        uint16
	BootFlag       uint16
	Jump           uint16
	HeaderMagic    [4]byte
	Version        uint16
	RealModeSwtch  uint32
	StartSysSeg    uint16
	KernelVersion  uint16
	TypeOfLoader   uint8
	LoadFlags      uint8
	SetupMoveSize  uint16
	Code32Start    uint32
	RamdiskImage   uint32
	RamdiskSize    uint32
	BootSectKludge uint32
	HeapEndPtr     uint16
	ExtLoaderVer   uint8
	ExtLoaderType  uint8
	CmdLinePtr     uint32
	InitrdAddrMax  uint32
	KernelAlignment uint32
	RelocatableKernel uint8
	MinAlignment   uint8
	XLoadFlags     uint16
	CmdlineSize    uint32
	HardwareSubarch uint32
	HardwareSubarchData uint64
	PayloadOffset  uint32
	PayloadLength  uint32
	SetupData      uint64
	PrefAddress    uint64
	InitSize       uint32
	HandoverOffset uint32
}

func buildBzImageFile(t *testing.T) string {
	t.Helper()
	hdr := fakeSetupHeader{
		SetupSects:        4,
		Version:           0x020C,
		Code32Start:       0x100000,
		RelocatableKernel: 1,
		KernelAlignment:   0x200000,
		PrefAddress:       0x1000000,
		CmdlineSize:       256,
		InitrdAddrMax:     0x37FFFFFF,
		XLoadFlags:        1 << 3,
		HandoverOffset:    0x200,
		InitSize:          0x600000,
	}
	copy(hdr.HeaderMagic[:], "HdrS")

	encoded, err := bootio.WriteStruct(&hdr)
	if err != nil {
		t.Fatalf("WriteStruct: %v", err)
	}
	buf := make([]byte, 16*1024)
	copy(buf[0x1F1:], encoded)

	dir := t.TempDir()
	path := filepath.Join(dir, "bzImage")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

type fakeAllocator struct {
	next uint64
	bufs map[uint64][]byte
}

func (a *fakeAllocator) AllocatePages(n int) ([]byte, uint64, error) {
	addr := a.next
	a.next += uint64(n) * 4096
	buf := make([]byte, n*4096)
	if a.bufs == nil {
		a.bufs = make(map[uint64][]byte)
	}
	a.bufs[addr] = buf
	return buf, addr, nil
}

func (a *fakeAllocator) bufAt(addr uint64) []byte {
	return a.bufs[addr]
}

func TestBuildRelocatesAndStampsCmdline(t *testing.T) {
	path := buildBzImageFile(t)
	img, err := kernelimage.Open(path)
	if err != nil {
		t.Fatalf("kernelimage.Open: %v", err)
	}
	defer img.Close()

	alloc := &fakeAllocator{next: 0x8000_0000}
	rec := handoff.New()

	res, err := Build(alloc, img, "console=ttyS0", nil, rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.BootParamsAddr == 0 {
		t.Fatalf("expected nonzero boot_params address")
	}
	// boot_params takes the first page (0x8000_0000), cmdline the second
	// (0x8000_1000); the kernel is relocatable, so its entry is wherever
	// the allocator placed its payload pages next (0x8000_2000), not the
	// image's pref_address — the bytes actually live there.
	if res.KernelEntryAddr != 0x8000_2000 {
		t.Fatalf("entry = %#x, want allocated kernel load address 0x8000_2000", res.KernelEntryAddr)
	}
	if res.CmdlineAddr == 0 {
		t.Fatalf("expected nonzero cmdline address")
	}
}

func TestBuildCopiesKernelPayloadToAllocatedAddress(t *testing.T) {
	path := buildBzImageFile(t)
	img, err := kernelimage.Open(path)
	if err != nil {
		t.Fatalf("kernelimage.Open: %v", err)
	}
	defer img.Close()

	alloc := &fakeAllocator{next: 0x8000_0000}
	res, err := Build(alloc, img, "console=ttyS0", nil, handoff.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	kernelBuf := alloc.bufAt(res.KernelEntryAddr)
	if kernelBuf == nil {
		t.Fatalf("no allocation recorded at entry address %#x", res.KernelEntryAddr)
	}
	wantPayload := img.Payload(img.RawHeader())
	if !bytes.Equal(kernelBuf[:len(wantPayload)], wantPayload) {
		t.Fatalf("kernel payload not copied to allocated buffer")
	}
}

func TestBuildRejectsOversizedCmdline(t *testing.T) {
	path := buildBzImageFile(t)
	img, err := kernelimage.Open(path)
	if err != nil {
		t.Fatalf("kernelimage.Open: %v", err)
	}
	defer img.Close()

	longCmdline := make([]byte, 300)
	for i := range longCmdline {
		longCmdline[i] = 'a'
	}

	alloc := &fakeAllocator{next: 0x8000_0000}
	_, err = Build(alloc, img, string(longCmdline), nil, handoff.New())
	if err == nil {
		t.Fatalf("expected error for oversized cmdline")
	}
}
