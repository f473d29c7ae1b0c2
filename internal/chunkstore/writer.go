package chunkstore

import (
	"crypto/sha256"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/diskio/fat32"
	"github.com/morpheusx/core/internal/diskio/gpt"
)

// chunkFileName is the fixed 8.3 short name every chunk partition's sole
// file carries; the chunk's identity lives in the partition, not the
// file name (spec.md §4.11).
const chunkFileName = "CHUNK.BIN"

// Writer streams an incoming byte stream across successive FAT32 chunk
// partitions, never letting a single chunk exceed chunkSize (spec.md
// §4.11). Invariant: sum of per-chunk bytes written equals total bytes
// written, checked at Finalize.
type Writer struct {
	diskPath  string
	disk      *gpt.Disk
	name      string
	chunkSize uint64

	chunks       []ChunkEntry
	curPart      gpt.Partition
	curFile      *fat32.File
	curPartition *fat32.Partition
	curWritten   uint64

	totalWritten uint64
	hash         hasher
}

type hasher interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
}

// NewWriter opens diskPath's GPT for chunk-partition creation. chunkSize
// must not exceed config.MaxChunkFileSize (4 GiB − 4 KiB, FAT32's
// per-file ceiling).
func NewWriter(diskPath, name string, chunkSize uint64) (*Writer, error) {
	if chunkSize == 0 || chunkSize > config.MaxChunkFileSize {
		return nil, coreerr.New(coreerr.ClassChunkOverflow, "chunk size must be in (0, 4GiB-4KiB]")
	}
	d, err := gpt.Open(diskPath)
	if err != nil {
		return nil, err
	}
	return &Writer{diskPath: diskPath, disk: d, name: name, chunkSize: chunkSize, hash: sha256.New()}, nil
}

// Write appends b to the logical ISO stream, transparently opening new
// chunk partitions as the current one fills (spec.md §4.11 "On crossing
// the current chunk's size limit, closes the file, advances to the next
// pre-created partition").
func (w *Writer) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		if w.curFile == nil {
			if err := w.openNextChunk(); err != nil {
				return total, err
			}
		}

		remaining := w.chunkSize - w.curWritten
		n := uint64(len(b))
		if n > remaining {
			n = remaining
		}

		written, err := w.curFile.Write(b[:n])
		if err != nil {
			return total, err
		}
		w.hash.Write(b[:written])
		w.curWritten += uint64(written)
		w.totalWritten += uint64(written)
		total += written
		b = b[written:]

		if w.curWritten >= w.chunkSize {
			if err := w.closeCurrentChunk(); err != nil {
				return total, err
			}
		}
		if written == 0 {
			break
		}
	}
	return total, nil
}

func (w *Writer) openNextChunk() error {
	index := len(w.chunks)
	part, err := w.disk.CreateChunkPartition(chunkPartitionLabel(w.name, index), w.chunkSize)
	if err != nil {
		return err
	}
	startBytes := int64(part.StartLBA) * 512
	sizeBytes := int64(part.SizeBytes)
	fp, err := fat32.Format(w.diskPath, startBytes, sizeBytes, chunkPartitionLabel(w.name, index))
	if err != nil {
		return err
	}
	file, err := fp.CreateFile(chunkFileName)
	if err != nil {
		return err
	}
	w.curPart = part
	w.curPartition = fp
	w.curFile = file
	w.curWritten = 0
	return nil
}

func (w *Writer) closeCurrentChunk() error {
	if w.curFile == nil {
		return nil
	}
	if err := w.curFile.Close(); err != nil {
		return err
	}
	guid, err := parsePartitionGUID(w.curPart.GUID)
	if err != nil {
		return err
	}
	w.chunks = append(w.chunks, ChunkEntry{PartitionGUID: guid, SizeBytes: w.curWritten})
	if err := w.curPartition.Close(); err != nil {
		return err
	}
	w.curFile = nil
	w.curPartition = nil
	return nil
}

// Finalize flushes the current chunk, checks the sum-of-chunk-bytes
// invariant, builds the manifest, and persists it via the manifest codec
// (spec.md §4.11 "hands the completed manifest to the Manifest Codec").
func (w *Writer) Finalize() error {
	if w.curFile != nil {
		if err := w.closeCurrentChunk(); err != nil {
			return err
		}
	}

	var sum uint64
	for _, c := range w.chunks {
		sum += c.SizeBytes
	}
	if sum != w.totalWritten {
		return coreerr.New(coreerr.ClassChunkOverflow, "sum of chunk sizes does not equal bytes written")
	}

	m := &Manifest{
		Version:   config.ManifestVersion,
		Name:      w.name,
		TotalSize: w.totalWritten,
		Chunks:    w.chunks,
	}
	copy(m.SHA256[:], w.hash.Sum(nil))

	data, err := m.Encode()
	if err != nil {
		return err
	}
	return WriteManifestFile(w.diskPath, w.name, data)
}

// Abort discards every chunk partition written for this attempt, closed
// ones and the in-progress one alike, so a failed download (checksum
// mismatch or a recv-body error) leaves no orphaned chunk partitions on
// disk. Safe to call with no chunks opened yet; idempotent if called
// more than once.
func (w *Writer) Abort() error {
	if w.curFile != nil {
		w.curFile.Close()
		w.curPartition.Close()
		w.curFile = nil
		w.curPartition = nil
	}

	parts, err := w.disk.Scan()
	if err != nil {
		return err
	}
	byGUID := make(map[string]int, len(parts))
	for _, p := range parts {
		byGUID[p.GUID] = p.Index
	}

	if w.curPart.GUID != "" {
		if idx, ok := byGUID[w.curPart.GUID]; ok {
			if err := w.disk.DeletePartition(idx); err != nil {
				return err
			}
		}
		w.curPart = gpt.Partition{}
	}

	for _, c := range w.chunks {
		idx, ok := byGUID[c.PartitionGUID.String()]
		if !ok {
			continue // already gone; abort is idempotent per partition
		}
		if err := w.disk.DeletePartition(idx); err != nil {
			return err
		}
	}
	w.chunks = nil
	return nil
}

func chunkPartitionLabel(name string, index int) string {
	return "CHUNK" + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
