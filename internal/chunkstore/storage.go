package chunkstore

import (
	"sort"
	"strings"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/diskio/gpt"
)

// StoredISO is one entry the Storage Manager reports to callers listing
// what's available to boot.
type StoredISO struct {
	Name      string
	TotalSize uint64
	Path      string
}

// Manager enumerates and deletes chunked ISOs recorded on the ESP
// (spec.md §4.14).
type Manager struct {
	diskPath string
}

// NewManager constructs a Manager over the disk image/device at
// diskPath, whose ESP carries /EFI/morpheus/isos.
func NewManager(diskPath string) *Manager {
	return &Manager{diskPath: diskPath}
}

// List enumerates every "*.manifest" file under the ESP manifest
// directory, deserializes it, and returns a capped list of at most
// config.MaxStoredISOs entries (spec.md §4.14 "a capped list (16
// entries)").
func (m *Manager) List() ([]StoredISO, error) {
	fs, closeFn, err := openESPFS(m.diskPath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return listManifests(fs)
}

func listManifests(fs manifestFS) ([]StoredISO, error) {
	if !fs.DirExists(config.ESPManifestDir) {
		return nil, nil
	}
	entries, err := fs.ReadDirNames(config.ESPManifestDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !strings.HasSuffix(e, ".manifest") {
			continue
		}
		names = append(names, e)
	}
	sort.Strings(names)

	out := make([]StoredISO, 0, len(names))
	for _, name := range names {
		if len(out) >= config.MaxStoredISOs {
			break
		}
		path := config.ESPManifestDir + "/" + name
		mf, err := readManifestAt(fs, path)
		if err != nil {
			continue // a corrupt or tombstoned manifest is skipped, not fatal to listing
		}
		out = append(out, StoredISO{Name: mf.Name, TotalSize: mf.TotalSize, Path: path})
	}
	return out, nil
}

// Delete removes the manifest for name and frees every chunk partition it
// references (spec.md §4.14 "Deleting an ISO removes the manifest and
// frees the corresponding chunk partitions").
func (m *Manager) Delete(name string) error {
	mf, err := ReadManifestFile(m.diskPath, name)
	if err != nil {
		return err
	}

	d, err := gpt.Open(m.diskPath)
	if err != nil {
		return err
	}
	defer d.Close()

	parts, err := d.Scan()
	if err != nil {
		return err
	}
	byGUID := make(map[string]int, len(parts))
	for _, p := range parts {
		byGUID[p.GUID] = p.Index
	}

	for _, c := range mf.Chunks {
		idx, ok := byGUID[c.PartitionGUID.String()]
		if !ok {
			continue // already gone; deletion is idempotent per partition
		}
		if err := d.DeletePartition(idx); err != nil {
			return err
		}
	}

	return tombstoneManifestFile(m.diskPath, name)
}
