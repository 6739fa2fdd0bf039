package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/fs"
	"github.com/dracoos/draco/kernel/fs/gpt"
)

// eoc is the FAT32 end-of-cluster-chain marker; any FAT entry whose
// (28-bit-masked) value is at least this large ends the chain.
const eoc = 0x0FFFFFF8

var errNotFound = &kernel.Error{Module: "fat32", Message: "path not found"}

// FileSystem is a mounted FAT32 volume: its boot sector, the partition it
// lives in, a read-into-memory copy of the FAT, and the block device it
// reads through.
type FileSystem struct {
	bootSector Fat32BootSector
	partition  gpt.PartitionEntry
	fatArea    fatArea
	dev        fs.BlockDevice
}

// ReadFromDisk reads partition's boot sector and FAT into memory.
func ReadFromDisk(partition gpt.PartitionEntry, dev fs.BlockDevice) (*FileSystem, *kernel.Error) {
	bootSector, err := readBootSector(dev, partition)
	if err != nil {
		return nil, err
	}

	fa, err := readFatArea(dev, partition, &bootSector)
	if err != nil {
		return nil, err
	}

	return &FileSystem{bootSector: bootSector, partition: partition, fatArea: fa, dev: dev}, nil
}

// FindEntry resolves a '/'-separated path, starting at the root directory,
// matching each component's 8.3 name case-insensitively.
func (f *FileSystem) FindEntry(path string) (DirectoryEntry, *kernel.Error) {
	cluster := f.bootSector.RootClusterNumber
	var found DirectoryEntry
	ok := false

	for _, part := range splitPath(path) {
		walker := newDirectoryWalker(cluster, &f.fatArea, f.dev)
		found, ok = walker.find(func(e DirectoryEntry) bool {
			return strings.EqualFold(e.FileName(), part)
		})
		if !ok {
			return DirectoryEntry{}, errNotFound
		}
		cluster = found.Cluster()
	}

	if !ok {
		return DirectoryEntry{}, errNotFound
	}
	return found, nil
}

// ReadFile reads entry's full contents by walking its cluster chain.
func (f *FileSystem) ReadFile(entry DirectoryEntry) ([]byte, *kernel.Error) {
	out := make([]byte, 0, entry.Size)
	it := f.fatArea.clusterChain(entry.Cluster())
	for it.Next() {
		if uint32(len(out)) >= entry.Size {
			break
		}
		sector, err := f.fatArea.readDataSector(f.dev, it.Cluster())
		if err != nil {
			return nil, err
		}
		remaining := entry.Size - uint32(len(out))
		if remaining > uint32(len(sector)) {
			remaining = uint32(len(sector))
		}
		out = append(out, sector[:remaining]...)
	}
	return out, nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// fatArea owns a full in-memory copy of the FAT plus the derived sector
// geometry needed to translate cluster numbers into partition-relative
// sectors.
type fatArea struct {
	startSector     uint32
	sectorSize      uint32
	fatStartSector  uint32
	sectorsPerFat   uint32
	firstDataSector uint32
	fat             []byte
}

func readFatArea(dev fs.BlockDevice, partition gpt.PartitionEntry, bs *Fat32BootSector) (fatArea, *kernel.Error) {
	fa := fatArea{
		startSector:     uint32(partition.StartingLBA),
		sectorSize:      uint32(bs.BPB.BytesPerSector),
		fatStartSector:  uint32(bs.BPB.ReservedSectors),
		sectorsPerFat:   bs.SectorsPerFAT,
		firstDataSector: bs.firstDataSector(),
	}

	fa.fat = make([]byte, 0, fa.sectorsPerFat*fs.SectorSize)
	for i := uint32(0); i < fa.sectorsPerFat; i++ {
		var sector [fs.SectorSize]byte
		lba := uint64(fa.startSector + fa.fatStartSector + i)
		if err := fs.ReadSector(dev, lba, &sector); err != nil {
			return fatArea{}, err
		}
		fa.fat = append(fa.fat, sector[:]...)
	}

	return fa, nil
}

// readDataSector reads the sector backing cluster.
func (fa *fatArea) readDataSector(dev fs.BlockDevice, cluster uint32) ([]byte, *kernel.Error) {
	var sector [fs.SectorSize]byte
	lba := uint64(fa.startSector + cluster + fa.firstDataSector)
	if err := fs.ReadSector(dev, lba, &sector); err != nil {
		return nil, err
	}
	return sector[:], nil
}

// clusterChainIterator walks a chain of cluster numbers through the FAT,
// starting before the first cluster; call Next before the first Cluster.
type clusterChainIterator struct {
	fa      *fatArea
	next    uint32
	current uint32
	done    bool
}

// clusterChain returns an iterator over cluster chain's cluster numbers in
// order, starting at cluster, stopping once the FAT reports an
// end-of-chain marker (or cluster itself is already one).
func (fa *fatArea) clusterChain(cluster uint32) *clusterChainIterator {
	return &clusterChainIterator{fa: fa, next: cluster}
}

// Next advances the iterator, reporting whether a cluster remains.
func (it *clusterChainIterator) Next() bool {
	if it.done || it.next >= eoc {
		it.done = true
		return false
	}
	it.current = it.next
	offset := it.current * 4
	it.next = binary.LittleEndian.Uint32(it.fa.fat[offset:offset+4]) & 0x0FFFFFFF
	return true
}

// Cluster returns the cluster number Next most recently advanced to.
func (it *clusterChainIterator) Cluster() uint32 { return it.current }

// directoryWalker iterates the 8.3 entries in a directory's cluster chain;
// long-name fragments are skipped.
type directoryWalker struct {
	fatArea *fatArea
	dev     fs.BlockDevice
	cluster uint32
}

func newDirectoryWalker(cluster uint32, fa *fatArea, dev fs.BlockDevice) *directoryWalker {
	return &directoryWalker{fatArea: fa, dev: dev, cluster: cluster}
}

// find returns the first entry matching pred.
func (w *directoryWalker) find(pred func(DirectoryEntry) bool) (DirectoryEntry, bool) {
	var found DirectoryEntry
	ok := false
	w.each(func(e DirectoryEntry) bool {
		if pred(e) {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// each calls visit for every non-long-name entry in the directory, in
// on-disk order, stopping early if visit returns false.
func (w *directoryWalker) each(visit func(DirectoryEntry) bool) {
	it := w.fatArea.clusterChain(w.cluster)
	for it.Next() {
		sector, err := w.fatArea.readDataSector(w.dev, it.Cluster())
		if err != nil {
			return
		}
		for offset := 0; offset+dirEntrySize <= len(sector); offset += dirEntrySize {
			entry, ok := parseDirectoryEntry(sector, offset)
			if !ok {
				if sector[offset] == 0x00 {
					return
				}
				continue
			}
			if entry.IsLongName() {
				continue
			}
			if !visit(entry) {
				return
			}
		}
	}
}
