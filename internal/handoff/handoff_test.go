package handoff

import (
	"testing"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
)

func validRecord() *Record {
	r := New()
	r.DMASize = 4 * 1024 * 1024
	r.NICMMIOBase = 0xFEBF0000
	return r
}

func TestValidateOK(t *testing.T) {
	if err := validRecord().Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestValidateBadVersion(t *testing.T) {
	r := validRecord()
	r.Version = 2
	err := r.Validate()
	if !coreerr.Is(err, coreerr.ClassInvalidVersion) {
		t.Fatalf("expected invalid-version, got %v", err)
	}
}

func TestValidateDMATooSmall(t *testing.T) {
	r := validRecord()
	r.DMASize = 1 * 1024 * 1024
	err := r.Validate()
	if !coreerr.Is(err, coreerr.ClassDmaTooSmall) {
		t.Fatalf("expected dma-too-small, got %v", err)
	}
}

func TestValidateNoNIC(t *testing.T) {
	r := validRecord()
	r.NICMMIOBase = 0
	err := r.Validate()
	if !coreerr.Is(err, coreerr.ClassNoNIC) {
		t.Fatalf("expected no-nic, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	r := validRecord()
	r.NICMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	buf, err := r.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(buf) != config.HandoffSize {
		t.Fatalf("expected %d bytes, got %d", config.HandoffSize, len(buf))
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *r {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}
