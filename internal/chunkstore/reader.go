package chunkstore

import (
	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/diskio/fat32"
	"github.com/morpheusx/core/internal/diskio/gpt"
)

// chunkHandle resolves one manifest chunk entry to its open FAT32 file.
type chunkHandle struct {
	partition *fat32.Partition
	file      *fat32.File
	size      uint64
	// startOffset is this chunk's first byte's offset within the logical
	// ISO stream.
	startOffset uint64
}

// Reader resolves a manifest's chunks to block-I/O handles and exposes
// ReadAt over the reassembled logical ISO (spec.md §4.12). It also
// implements a block-device adapter with a fixed 2048-byte block size so
// an ISO-9660 mount can treat the reassembled stream as a single device.
type Reader struct {
	manifest *Manifest
	chunks   []chunkHandle
}

// OpenReader resolves every chunk's partition identifier against diskPath's
// GPT, opening each chunk's FAT32 file for read (spec.md §4.12 "resolves
// each chunk's partition identifier to a block-I/O handle").
func OpenReader(diskPath string, m *Manifest) (*Reader, error) {
	d, err := gpt.Open(diskPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	parts, err := d.Scan()
	if err != nil {
		return nil, err
	}
	byGUID := make(map[string]gpt.Partition, len(parts))
	for _, p := range parts {
		byGUID[p.GUID] = p
	}

	r := &Reader{manifest: m}
	var offset uint64
	for _, c := range m.Chunks {
		p, ok := byGUID[c.PartitionGUID.String()]
		if !ok {
			return nil, coreerr.New(coreerr.ClassPartitionNotFound, "manifest references missing partition "+c.PartitionGUID.String())
		}
		startBytes := int64(p.StartLBA) * 512
		sizeBytes := int64(p.SizeBytes)
		fp, err := fat32.Open(diskPath, startBytes, sizeBytes)
		if err != nil {
			return nil, err
		}
		f, err := fp.OpenFile(chunkFileName)
		if err != nil {
			return nil, err
		}
		r.chunks = append(r.chunks, chunkHandle{partition: fp, file: f, size: c.SizeBytes, startOffset: offset})
		offset += c.SizeBytes
	}
	return r, nil
}

// Close closes every underlying chunk partition handle.
func (r *Reader) Close() error {
	var firstErr error
	for _, c := range r.chunks {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.partition.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the logical ISO's total byte size.
func (r *Reader) Size() uint64 { return r.manifest.TotalSize }

// ReadAt maps [offset, offset+len(buf)) onto one or more (chunk_index,
// in-chunk offset) pairs, issuing sequential reads against the underlying
// FAT32 file and copying into buf (spec.md §4.12).
func (r *Reader) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || uint64(offset) >= r.manifest.TotalSize {
		return 0, coreerr.New(coreerr.ClassFAT32IO, "read past end of logical iso")
	}
	total := 0
	want := uint64(offset)
	for total < len(buf) {
		idx, inChunkOff, ok := r.locate(want + uint64(total))
		if !ok {
			break
		}
		c := r.chunks[idx]
		toRead := buf[total:]
		maxInChunk := c.size - inChunkOff
		if uint64(len(toRead)) > maxInChunk {
			toRead = toRead[:maxInChunk]
		}
		n, err := c.file.ReadAt(toRead, int64(inChunkOff))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (r *Reader) locate(logicalOffset uint64) (chunkIndex int, inChunkOffset uint64, ok bool) {
	for i, c := range r.chunks {
		if logicalOffset >= c.startOffset && logicalOffset < c.startOffset+c.size {
			return i, logicalOffset - c.startOffset, true
		}
	}
	return 0, 0, false
}

// BlockSize is the fixed logical block size the ISO-9660 mount expects
// (spec.md §4.12).
func (r *Reader) BlockSize() int { return config.ISOSectorSize }

// ReadBlock reads the block at lba into buf, which must be exactly
// BlockSize() bytes.
func (r *Reader) ReadBlock(lba uint64, buf []byte) error {
	if len(buf) != config.ISOSectorSize {
		return coreerr.New(coreerr.ClassBufferTooSmall, "block buffer must be exactly 2048 bytes")
	}
	n, err := r.ReadAt(buf, int64(lba)*config.ISOSectorSize)
	if err != nil {
		return err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}
