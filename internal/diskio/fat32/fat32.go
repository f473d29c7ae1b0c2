// Package fat32 implements FAT32 format and 8.3 short-name file
// operations (spec.md §4.10) for one chunk partition, wrapping
// github.com/diskfs/go-diskfs's disk and filesystem/fat32 backends.
// Long file names are out of scope per spec.md §4.10.
package fat32

import (
	"io"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/morpheusx/core/internal/coreerr"
)

// Partition formats and manipulates one FAT32-filesystem partition,
// addressed by byte offset/size within the backing disk image (spec.md
// §4.10 "FAT32 format writes ... per partition size").
type Partition struct {
	d            *disk.Disk
	startBytes   int64
	sizeBytes    int64
	fs           filesystem.FileSystem
}

// Open wraps an already-formatted FAT32 partition living at
// [startBytes, startBytes+sizeBytes) within the disk image at path.
func Open(path string, startBytes, sizeBytes int64) (*Partition, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "open disk", err)
	}
	fs, err := d.GetFilesystem(partitionIndexForOffset(d, startBytes))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "get filesystem", err)
	}
	return &Partition{d: d, startBytes: startBytes, sizeBytes: sizeBytes, fs: fs}, nil
}

// Format writes a FAT32 boot sector (computed cluster size per partition
// size, 32 reserved sectors, two FATs, backup boot sector, FSInfo, and a
// root-directory cluster — spec.md §4.10 "FAT32 format") onto the region
// [startBytes, startBytes+sizeBytes) of the disk image at path, labeled
// volLabel.
func Format(path string, startBytes, sizeBytes int64, volLabel string) (*Partition, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32Format, "open disk", err)
	}
	spec := disk.FilesystemSpec{
		Partition:   partitionIndexForOffset(d, startBytes),
		FSType:      filesystem.TypeFat32,
		VolumeLabel: volLabel,
	}
	fs, err := d.CreateFilesystem(spec)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32Format, "format fat32", err)
	}
	return &Partition{d: d, startBytes: startBytes, sizeBytes: sizeBytes, fs: fs}, nil
}

// Close releases the underlying disk handle.
func (p *Partition) Close() error {
	if p.d.File != nil {
		return p.d.File.Close()
	}
	return nil
}

// CreateFile creates name (an 8.3 short name) and returns a handle opened
// for write-through append (spec.md §4.10 "write-through append").
func (p *Partition) CreateFile(name string) (*File, error) {
	f, err := p.fs.OpenFile(name, os_O_RDWR_CREATE_TRUNC())
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "create file", err)
	}
	return &File{f: f}, nil
}

// OpenFile opens an existing file for read, walking its cluster chain.
func (p *Partition) OpenFile(name string) (*File, error) {
	f, err := p.fs.OpenFile(name, os_O_RDONLY())
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "open file", err)
	}
	return &File{f: f}, nil
}

// Exists reports whether name exists at the root directory.
func (p *Partition) Exists(name string) bool {
	entries, err := p.fs.ReadDir("/")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() == name {
			return true
		}
	}
	return false
}

// Mkdir creates a directory at path. go-diskfs's fat32 driver requires
// each parent component to already exist, so callers walk a nested path
// one component at a time.
func (p *Partition) Mkdir(path string) error {
	if err := p.fs.Mkdir(path); err != nil {
		return coreerr.Wrap(coreerr.ClassFAT32IO, "mkdir", err)
	}
	return nil
}

// DirExists reports whether path names an existing directory.
func (p *Partition) DirExists(path string) bool {
	_, err := p.fs.ReadDir(path)
	return err == nil
}

// ReadDirNames lists the non-directory entry names directly under path.
func (p *Partition) ReadDirNames(path string) ([]string, error) {
	entries, err := p.fs.ReadDir(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ClassFAT32IO, "read directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// File wraps the filesystem.File handle go-diskfs returns, narrowed to
// the read/write/close surface the chunk writer and reader need.
type File struct {
	f filesystem.File
}

// Write appends b, write-through (no buffering beyond go-diskfs's own),
// per spec.md §4.10.
func (f *File) Write(b []byte) (int, error) {
	n, err := f.f.Write(b)
	if err != nil {
		return n, coreerr.Wrap(coreerr.ClassFAT32IO, "write file", err)
	}
	return n, nil
}

// Read reads from the current offset.
func (f *File) Read(b []byte) (int, error) {
	n, err := f.f.Read(b)
	if err != nil && err != io.EOF {
		return n, coreerr.Wrap(coreerr.ClassFAT32IO, "read file", err)
	}
	return n, err
}

// ReadAt reads exactly len(b) bytes starting at off, or fewer at EOF.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if seeker, ok := f.f.(io.Seeker); ok {
		if _, err := seeker.Seek(off, io.SeekStart); err != nil {
			return 0, coreerr.Wrap(coreerr.ClassFAT32IO, "seek file", err)
		}
	}
	return f.Read(b)
}

// Close closes the file handle.
func (f *File) Close() error {
	if closer, ok := f.f.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// partitionIndexForOffset resolves the 1-based go-diskfs partition index
// whose GPT entry starts at startBytes by walking d.GetPartitionTable().
// It returns 1 when the disk has no GPT or no entry starts there. This
// helper exists so Partition/File stay decoupled from the gpt package's
// own Partition type.
func partitionIndexForOffset(d *disk.Disk, startBytes int64) int {
	table, err := d.GetPartitionTable()
	if err != nil {
		return 1
	}
	gt, ok := table.(*gpt.Table)
	if !ok {
		return 1
	}
	sectorSize := uint64(d.LogicalBlocksize)
	wantLBA := uint64(startBytes) / sectorSize
	for i, part := range gt.Partitions {
		if part.Start == wantLBA {
			return i + 1
		}
	}
	return 1
}

func os_O_RDWR_CREATE_TRUNC() int { return osORDWR | osOCREATE | osOTRUNC }
func os_O_RDONLY() int            { return osORDONLY }

const (
	osORDONLY = 0
	osORDWR   = 2
	osOCREATE = 64
	osOTRUNC  = 512
)
