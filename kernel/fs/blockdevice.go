// Package fs defines the block-device contract GPT and FAT32 read through,
// shared by kernel/fs/gpt and kernel/fs/fat32 so neither imports kernel/nvme
// directly.
package fs

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
)

// SectorSize is the fixed logical sector size the GPT header, partition
// entries and FAT32 boot sector are defined in terms of.
const SectorSize = 512

// BlockDevice is the read side of a storage controller, satisfied by
// kernel/nvme.Controller. lba addresses SectorSize-byte sectors regardless
// of the device's own namespace LBA format.
type BlockDevice interface {
	ReadBlocks(lba uint64, count uint16, buf unsafe.Pointer) *kernel.Error
}

// ReadSector reads a single SectorSize-byte sector into buf.
func ReadSector(dev BlockDevice, lba uint64, buf *[SectorSize]byte) *kernel.Error {
	return dev.ReadBlocks(lba, 1, unsafe.Pointer(buf))
}
