package preexit

import (
	"testing"

	"github.com/morpheusx/core/internal/coreerr"
)

type fakeFirmware struct {
	devices     []PCIDevice
	fb          FramebufferInfo
	haveFB      bool
	tscHz       uint64
	exitCalled  bool
	exitMapKey  uint64
	failExit    bool
}

func (f *fakeFirmware) EnumeratePCI() ([]PCIDevice, error) { return f.devices, nil }
func (f *fakeFirmware) QueryFramebuffer() (FramebufferInfo, bool, error) {
	return f.fb, f.haveFB, nil
}
func (f *fakeFirmware) AllocatePages(n int) (uint64, uint64, error) {
	return 0x4000_0000, 0x4000_0000, nil
}
func (f *fakeFirmware) CalibrateTSCHz() (uint64, error) { return f.tscHz, nil }
func (f *fakeFirmware) MemoryMapSnapshot() (ptr, size, descSize, mapKey uint64, err error) {
	return 0x5000_0000, 4096, 48, 0xDEADBEEF, nil
}
func (f *fakeFirmware) ExitBootServices(mapKey uint64) error {
	f.exitCalled = true
	f.exitMapKey = mapKey
	if f.failExit {
		return coreerr.New(coreerr.ClassExitBootServicesFail, "boot service busy, retry")
	}
	return nil
}
func (f *fakeFirmware) StackTop() (uint64, uint64) { return 0x7000_0000, 64 * 1024 }

func validFirmware() *fakeFirmware {
	return &fakeFirmware{
		devices: []PCIDevice{
			{Bus: 0, Device: 3, Function: 0, MMIOBase: 0xFEB00000, Family: FamilyNICParavirt},
		},
		tscHz: 2_000_000_000,
	}
}

func TestProbeHappyPath(t *testing.T) {
	fw := validFirmware()
	rec, err := Probe(fw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rec.NICMMIOBase != 0xFEB00000 {
		t.Fatalf("nic mmio base = %#x", rec.NICMMIOBase)
	}
	if rec.DMASize == 0 {
		t.Fatalf("expected dma size populated")
	}
	if !fw.exitCalled {
		t.Fatalf("expected ExitBootServices called")
	}
	if fw.exitMapKey != 0xDEADBEEF {
		t.Fatalf("map key = %#x, want 0xDEADBEEF", fw.exitMapKey)
	}
}

func TestProbeFailsWithoutNIC(t *testing.T) {
	fw := validFirmware()
	fw.devices = nil
	_, err := Probe(fw)
	if !coreerr.Is(err, coreerr.ClassNoNIC) {
		t.Fatalf("expected no-nic error, got %v", err)
	}
	if fw.exitCalled {
		t.Fatalf("ExitBootServices must not be called when probe fails")
	}
}

func TestProbeIncludesOptionalBlockDevice(t *testing.T) {
	fw := validFirmware()
	fw.devices = append(fw.devices, PCIDevice{Bus: 0, Device: 4, MMIOBase: 0xFEC00000, Family: FamilyBlockAHCI})
	rec, err := Probe(fw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !rec.HasBlockDevice() {
		t.Fatalf("expected block device recorded")
	}
}

func TestProbePropagatesExitBootServicesFailure(t *testing.T) {
	fw := validFirmware()
	fw.failExit = true
	_, err := Probe(fw)
	if !coreerr.Is(err, coreerr.ClassExitBootServicesFail) {
		t.Fatalf("expected exit-boot-services-fail, got %v", err)
	}
}
