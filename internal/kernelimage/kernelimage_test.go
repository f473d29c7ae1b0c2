package kernelimage

import (
	"testing"

	"github.com/morpheusx/core/internal/bootio"
	"github.com/morpheusx/core/internal/coreerr"
)

// buildBzImage constructs a minimal byte slice with a setup header at
// 0x1F1 suitable for Parse, following spec.md §8 scenario 2.
func buildBzImage(magic string, version uint16, xloadflags uint16, handoverOffset uint32) []byte {
	hdr := setupHeader{
		SetupSects:     4,
		Version:        version,
		XLoadFlags:     xloadflags,
		HandoverOffset: handoverOffset,
	}
	copy(hdr.HeaderMagic[:], magic)

	encoded, err := bootio.WriteStruct(&hdr)
	if err != nil {
		panic(err)
	}
	buf := make([]byte, minBzImageSize)
	copy(buf[setupHeaderOffset:], encoded)
	return buf
}

func TestParseEFIHandoverSupported(t *testing.T) {
	buf := buildBzImage("HdrS", 0x020C, 1<<3, 0x200)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !img.SupportsEFIHandover() {
		t.Fatalf("expected EFI handover support")
	}
	if img.Version() != 0x020C {
		t.Fatalf("version = %#x", img.Version())
	}
}

func TestParseInvalidMagic(t *testing.T) {
	buf := buildBzImage("XxxX", 0x020C, 1<<3, 0x200)
	_, err := Parse(buf)
	if !coreerr.Is(err, coreerr.ClassKernelParse) {
		t.Fatalf("expected kernel-parse error, got %v", err)
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 16))
	if !coreerr.Is(err, coreerr.ClassKernelParse) {
		t.Fatalf("expected kernel-parse error, got %v", err)
	}
}

func TestParseNoHandoverWithoutFlag(t *testing.T) {
	buf := buildBzImage("HdrS", 0x020C, 0, 0x200)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.SupportsEFIHandover() {
		t.Fatalf("expected no EFI handover support")
	}
}
