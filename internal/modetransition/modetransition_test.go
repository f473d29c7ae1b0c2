package modetransition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/handoffbuilder"
	"github.com/morpheusx/core/internal/kernelimage"
)

// fakeSetupHeader mirrors kernelimage's unexported setup header layout
// closely enough to exercise Select's xloadflags/handover_offset check.
type fakeSetupHeader struct {
	SetupSects        uint8
	RootFlags         uint16
	SysSize           uint32
	RAMSize           uint16
	VidMode           uint16
	RootDev           uint16
	BootFlag          uint16
	Jump              uint16
	HeaderMagic       [4]byte
	Version           uint16
	RealModeSwtch     uint32
	StartSysSeg       uint16
	KernelVersion     uint16
	TypeOfLoader      uint8
	LoadFlags         uint8
	SetupMoveSize     uint16
	Code32Start       uint32
	RamdiskImage      uint32
	RamdiskSize       uint32
	BootSectKludge    uint32
	HeapEndPtr        uint16
	ExtLoaderVer      uint8
	ExtLoaderType     uint8
	CmdLinePtr        uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	HardwareSubarch   uint32
	HardwareSubarchData uint64
	PayloadOffset     uint32
	PayloadLength     uint32
	SetupData         uint64
	PrefAddress       uint64
	InitSize          uint32
	HandoverOffset    uint32
}

func buildImage(t *testing.T, xloadFlags uint16, handoverOffset uint32) *kernelimage.Image {
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
		XLoadFlags:        xloadFlags,
		HandoverOffset:    handoverOffset,
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
	img, err := kernelimage.Open(path)
	if err != nil {
		t.Fatalf("kernelimage.Open: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestSelectPrefersEFIHandoverWhenSupported(t *testing.T) {
	img := buildImage(t, 1<<3, 0x200)
	if got := Select(img); got != ProtocolEFIHandover {
		t.Fatalf("Select() = %v, want %v", got, ProtocolEFIHandover)
	}
}

func TestSelectFallsBackWithoutHandoverSupport(t *testing.T) {
	img := buildImage(t, 0, 0)
	if got := Select(img); got != ProtocolProtectedModeFallback {
		t.Fatalf("Select() = %v, want %v", got, ProtocolProtectedModeFallback)
	}
}

func TestEFIHandoverEntryAppliesArchBias(t *testing.T) {
	res := &handoffbuilder.Result{KernelEntryAddr: 0x1000000}
	if got := EFIHandoverEntry(res); got != 0x1000000+efiHandoverArchBias {
		t.Fatalf("EFIHandoverEntry() = %#x, want %#x", got, 0x1000000+efiHandoverArchBias)
	}
}

func TestProtocolString(t *testing.T) {
	if ProtocolEFIHandover.String() != "efi-handover" {
		t.Fatalf("unexpected String() for ProtocolEFIHandover")
	}
	if ProtocolProtectedModeFallback.String() != "protected-mode-fallback" {
		t.Fatalf("unexpected String() for ProtocolProtectedModeFallback")
	}
}
