package chunkstore

import (
	"testing"

	"github.com/google/uuid"
)

// writeFakeManifest writes a manifest directly into fs under
// config.ESPManifestDir via writeManifestFile, bypassing the chunk
// Writer's partition bookkeeping so List's cap/decode logic can be
// exercised in isolation.
func writeFakeManifest(t *testing.T, fs manifestFS, name string) {
	t.Helper()
	m := &Manifest{
		Version:   1,
		Name:      name,
		TotalSize: 10,
		Chunks: []ChunkEntry{
			{PartitionGUID: uuid.New(), SizeBytes: 10},
		},
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := writeManifestFile(fs, name, data); err != nil {
		t.Fatalf("writeManifestFile: %v", err)
	}
}

func TestManagerListCapsAtSixteen(t *testing.T) {
	fs := newFakeManifestFS()
	for i := 0; i < 20; i++ {
		writeFakeManifest(t, fs, "iso"+itoa(i))
	}

	out, err := listManifests(fs)
	if err != nil {
		t.Fatalf("listManifests: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("count = %d, want 16", len(out))
	}
	for _, iso := range out {
		if iso.TotalSize != 10 {
			t.Fatalf("unexpected total size %d", iso.TotalSize)
		}
	}
}

func TestManifestPathRoundTripsThroughWriteRead(t *testing.T) {
	fs := newFakeManifestFS()
	m := sampleManifest()
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := writeManifestFile(fs, m.Name, data); err != nil {
		t.Fatalf("writeManifestFile: %v", err)
	}
	got, err := readManifestFile(fs, m.Name)
	if err != nil {
		t.Fatalf("readManifestFile: %v", err)
	}
	if got.Name != m.Name {
		t.Fatalf("name mismatch after round trip")
	}
}

func TestListSkipsTombstonedManifest(t *testing.T) {
	fs := newFakeManifestFS()
	writeFakeManifest(t, fs, "present")
	if err := writeManifestFile(fs, "removed", nil); err != nil {
		t.Fatalf("writeManifestFile: %v", err)
	}

	out, err := listManifests(fs)
	if err != nil {
		t.Fatalf("listManifests: %v", err)
	}
	if len(out) != 1 || out[0].Name != "present" {
		t.Fatalf("expected only the non-tombstoned manifest, got %+v", out)
	}
}
