// Package chunkstore implements the Chunk Writer, Chunk Reader/virtual
// block device, Manifest Codec, and Storage Manager (spec.md §4.11–§4.14):
// the engine that splits an ISO byte stream across FAT32 partitions that
// individually stay under FAT32's 4 GiB per-file ceiling, and reassembles
// it for read-only mounting.
package chunkstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/diskio/fat32"
	"github.com/morpheusx/core/internal/diskio/gpt"
)

// manifestMagic is 'MISO' (spec.md §6 "Manifest file format").
const manifestMagic uint32 = 0x4D49534F

// ChunkEntry is one row of the manifest's chunk list: which partition
// holds the fragment, and how many bytes it holds.
type ChunkEntry struct {
	PartitionGUID uuid.UUID
	SizeBytes     uint64
}

// Manifest is the persisted description of one chunked ISO (spec.md §3
// "Chunk Manifest"): manifest presence is the invariant witness that a
// complete, verified ISO set exists.
type Manifest struct {
	Version     uint32
	Name        string
	TotalSize   uint64
	SHA256      [32]byte
	Chunks      []ChunkEntry
}

// Encode serializes m into the on-disk manifest format: magic, version,
// name length + bytes, total size, chunk count, SHA-256, then per-chunk
// partition GUID + chunk size, with a trailing CRC-32 over everything
// preceding it (spec.md §6 "Manifest file format").
func (m *Manifest) Encode() ([]byte, error) {
	if len(m.Chunks) > config.MaxChunks {
		return nil, coreerr.New(coreerr.ClassManifestCorrupt, fmt.Sprintf("chunk count %d exceeds max %d", len(m.Chunks), config.MaxChunks))
	}
	nameBytes := []byte(m.Name)
	if len(nameBytes) > 0xFFFF {
		return nil, coreerr.New(coreerr.ClassManifestCorrupt, "name too long")
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, manifestMagic)
	binary.Write(&buf, binary.LittleEndian, m.Version)
	binary.Write(&buf, binary.LittleEndian, uint16(len(nameBytes)))
	buf.Write(nameBytes)
	binary.Write(&buf, binary.LittleEndian, m.TotalSize)
	binary.Write(&buf, binary.LittleEndian, uint32(len(m.Chunks)))
	buf.Write(m.SHA256[:])
	for _, c := range m.Chunks {
		guidBytes, err := c.PartitionGUID.MarshalBinary()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.ClassManifestCorrupt, "marshal partition guid", err)
		}
		buf.Write(guidBytes)
		binary.Write(&buf, binary.LittleEndian, c.SizeBytes)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, crc)
	return buf.Bytes(), nil
}

// DecodeManifest parses a manifest image previously produced by Encode,
// validating magic, CRC, and the sum-of-chunk-sizes invariant.
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(data) < 4+4+2+8+4+32+4 {
		return nil, coreerr.New(coreerr.ClassManifestCorrupt, "manifest too short")
	}
	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return nil, coreerr.New(coreerr.ClassManifestCRC, "manifest crc mismatch")
	}

	r := bytes.NewReader(body)
	var magic, version uint32
	binary.Read(r, binary.LittleEndian, &magic)
	if magic != manifestMagic {
		return nil, coreerr.New(coreerr.ClassInvalidMagic, "bad manifest magic")
	}
	binary.Read(r, binary.LittleEndian, &version)

	var nameLen uint16
	binary.Read(r, binary.LittleEndian, &nameLen)
	nameBytes := make([]byte, nameLen)
	if _, err := r.Read(nameBytes); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassManifestCorrupt, "read name", err)
	}

	var totalSize uint64
	binary.Read(r, binary.LittleEndian, &totalSize)
	var chunkCount uint32
	binary.Read(r, binary.LittleEndian, &chunkCount)
	if chunkCount > uint32(config.MaxChunks) {
		return nil, coreerr.New(coreerr.ClassManifestCorrupt, "chunk count exceeds max")
	}

	var sha [32]byte
	if _, err := r.Read(sha[:]); err != nil {
		return nil, coreerr.Wrap(coreerr.ClassManifestCorrupt, "read sha256", err)
	}

	chunks := make([]ChunkEntry, 0, chunkCount)
	var sum uint64
	for i := uint32(0); i < chunkCount; i++ {
		guidBytes := make([]byte, 16)
		if _, err := r.Read(guidBytes); err != nil {
			return nil, coreerr.Wrap(coreerr.ClassManifestCorrupt, "read partition guid", err)
		}
		id, err := uuid.FromBytes(guidBytes)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.ClassManifestCorrupt, "parse partition guid", err)
		}
		var size uint64
		binary.Read(r, binary.LittleEndian, &size)
		chunks = append(chunks, ChunkEntry{PartitionGUID: id, SizeBytes: size})
		sum += size
	}
	if sum != totalSize {
		return nil, coreerr.New(coreerr.ClassManifestCorrupt, "sum of chunk sizes does not equal total size")
	}

	return &Manifest{
		Version:   version,
		Name:      string(nameBytes),
		TotalSize: totalSize,
		SHA256:    sha,
		Chunks:    chunks,
	}, nil
}

// parsePartitionGUID parses the string-form GUID go-diskfs's gpt.Partition
// carries into the binary uuid.UUID the manifest codec stores.
func parsePartitionGUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, coreerr.Wrap(coreerr.ClassManifestCorrupt, "parse partition guid", err)
	}
	return id, nil
}

// sanitizeName strips path separators from an ISO name so it is safe to
// use as a manifest file's base name (spec.md §6 "<sanitized>.manifest").
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ManifestPath returns the ESP-relative path a manifest for name is
// persisted at (spec.md §6).
func ManifestPath(name string) string {
	return filepath.Join(config.ESPManifestDir, sanitizeName(name)+".manifest")
}

// manifestFile is the read/write/close surface a manifest persists
// through, satisfied by *fat32.File; narrowed to an interface so the
// codec can be exercised against a fake in tests without a real disk
// image (same boundary pattern as handoffbuilder.PageAllocator).
type manifestFile interface {
	io.Writer
	io.Reader
	io.Closer
}

// manifestFS is the FAT32 partition surface the manifest codec and
// storage manager need.
type manifestFS interface {
	CreateFile(name string) (manifestFile, error)
	OpenFile(name string) (manifestFile, error)
	Mkdir(path string) error
	DirExists(path string) bool
	ReadDirNames(path string) ([]string, error)
}

// fatManifestFS adapts *fat32.Partition to manifestFS; the adapter, not
// *fat32.Partition itself, is what satisfies the interface, since Go
// requires the declared return type (manifestFile) to match exactly.
type fatManifestFS struct{ p *fat32.Partition }

func (a fatManifestFS) CreateFile(name string) (manifestFile, error) { return a.p.CreateFile(name) }
func (a fatManifestFS) OpenFile(name string) (manifestFile, error)   { return a.p.OpenFile(name) }
func (a fatManifestFS) Mkdir(path string) error                      { return a.p.Mkdir(path) }
func (a fatManifestFS) DirExists(path string) bool                   { return a.p.DirExists(path) }
func (a fatManifestFS) ReadDirNames(path string) ([]string, error)   { return a.p.ReadDirNames(path) }

// openESPFS opens diskPath's GPT, locates the EFI System Partition, and
// returns a manifestFS onto it plus a func releasing both handles
// (spec.md §6: the manifest directory lives on the ESP, not the host).
func openESPFS(diskPath string) (manifestFS, func() error, error) {
	d, err := gpt.Open(diskPath)
	if err != nil {
		return nil, nil, err
	}
	esp, err := d.FindESP()
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	fp, err := fat32.Open(diskPath, int64(esp.StartLBA)*512, int64(esp.SizeBytes))
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return fatManifestFS{fp}, func() error {
		fpErr := fp.Close()
		if dErr := d.Close(); dErr != nil {
			return dErr
		}
		return fpErr
	}, nil
}

// ensureManifestDir walks config.ESPManifestDir one path component at a
// time, creating whatever doesn't already exist: go-diskfs's fat32
// driver requires each parent directory to exist before Mkdir-ing a
// child.
func ensureManifestDir(fs manifestFS) error {
	dir := ""
	for _, part := range strings.Split(strings.Trim(config.ESPManifestDir, "/"), "/") {
		dir += "/" + part
		if fs.DirExists(dir) {
			continue
		}
		if err := fs.Mkdir(dir); err != nil {
			return err
		}
	}
	return nil
}

// WriteManifestFile persists data as name's manifest file under
// config.ESPManifestDir on diskPath's EFI System Partition (spec.md §6).
func WriteManifestFile(diskPath, name string, data []byte) error {
	fs, closeFn, err := openESPFS(diskPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return writeManifestFile(fs, name, data)
}

func writeManifestFile(fs manifestFS, name string, data []byte) error {
	if err := ensureManifestDir(fs); err != nil {
		return err
	}
	f, err := fs.CreateFile(ManifestPath(name))
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

// ReadManifestFile reads and decodes name's manifest file from diskPath's
// EFI System Partition.
func ReadManifestFile(diskPath, name string) (*Manifest, error) {
	fs, closeFn, err := openESPFS(diskPath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return readManifestFile(fs, name)
}

func readManifestFile(fs manifestFS, name string) (*Manifest, error) {
	return readManifestAt(fs, ManifestPath(name))
}

func readManifestAt(fs manifestFS, path string) (*Manifest, error) {
	f, err := fs.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := readAllManifestBytes(f)
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}

// tombstoneManifestFile truncates name's manifest file to zero bytes:
// go-diskfs's fat32 writer supports create/truncate but not unlink, and a
// zero-length file already fails DecodeManifest's length check, so List
// treats it the same as a removed entry (spec.md §4.14 "Deleting an ISO
// removes the manifest").
func tombstoneManifestFile(diskPath, name string) error {
	fs, closeFn, err := openESPFS(diskPath)
	if err != nil {
		return err
	}
	defer closeFn()
	f, err := fs.CreateFile(ManifestPath(name))
	if err != nil {
		return err
	}
	return f.Close()
}

func readAllManifestBytes(f manifestFile) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "read manifest file", err)
		}
	}
	return buf.Bytes(), nil
}
