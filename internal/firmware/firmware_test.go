package firmware

import (
	"testing"

	"github.com/morpheusx/core/internal/preexit"
)

func TestClassifyDeviceNetwork(t *testing.T) {
	cases := []struct {
		vendor uint16
		want   preexit.DeviceFamily
	}{
		{pciVendorVirtio, preexit.FamilyNICParavirt},
		{pciVendorRedHat, preexit.FamilyNICParavirt},
		{pciVendorIntel, preexit.FamilyNICIntel},
		{pciVendorRealtek, preexit.FamilyNICRealtek},
		{pciVendorBroadcom, preexit.FamilyNICBroadcom},
		{0x1234, preexit.FamilyUnknown},
	}
	for _, c := range cases {
		if got := classifyDevice(pciClassNetwork, c.vendor); got != c.want {
			t.Errorf("classifyDevice(network, %#x) = %v, want %v", c.vendor, got, c.want)
		}
	}
}

func TestClassifyDeviceStorage(t *testing.T) {
	if got := classifyDevice(pciClassStorage, pciVendorVirtio); got != preexit.FamilyBlockParavirt {
		t.Errorf("classifyDevice(storage, virtio) = %v, want FamilyBlockParavirt", got)
	}
	if got := classifyDevice(pciClassStorage, 0x1234); got != preexit.FamilyBlockAHCI {
		t.Errorf("classifyDevice(storage, unknown) = %v, want FamilyBlockAHCI", got)
	}
}

func TestClassifyDeviceUnrelatedClass(t *testing.T) {
	if got := classifyDevice(0x0C, pciVendorIntel); got != preexit.FamilyUnknown {
		t.Errorf("classifyDevice(other class) = %v, want FamilyUnknown", got)
	}
}

func TestGopPixelFormat(t *testing.T) {
	if gopPixelFormat(1) != 2 { // BGR maps to PixelFormatBGR
		t.Errorf("gopPixelFormat(1) = %v, want PixelFormatBGR", gopPixelFormat(1))
	}
	if gopPixelFormat(99) != 0 { // unknown GOP value maps to PixelFormatUnknown
		t.Errorf("gopPixelFormat(99) = %v, want PixelFormatUnknown", gopPixelFormat(99))
	}
}
