// Package fat32 reads a FAT32 volume: the boot sector, the in-memory FAT,
// directory traversal and cluster-chain file reads. Nothing here writes to
// disk; filesystem mutation is out of scope.
package fat32

import (
	"encoding/binary"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/fs"
	"github.com/dracoos/draco/kernel/fs/gpt"
)

// BiosParameterBlock is the common BPB every FAT variant starts with. It is
// parsed field-by-field from the raw sector rather than overlaid as a Go
// struct: its 3-byte jump field throws every following multi-byte field off
// Go's natural alignment, and Go has no repr(packed) equivalent.
type BiosParameterBlock struct {
	BootJump             [3]byte
	OEMIdentifier        [8]byte
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	ReservedSectors      uint16
	FATCount             uint8
	RootDirectoriesCount uint16
	TotalSectorsShort    uint16
	MediaDescriptorType  uint8
	SectorsPerFAT16      uint16
	SectorsPerTrack      uint16
	HeadCount            uint16
	HiddenSectorCount    uint32
	LargeSectorCount     uint32
}

const bpbSize = 36

func parseBPB(b []byte) BiosParameterBlock {
	var bpb BiosParameterBlock
	copy(bpb.BootJump[:], b[0:3])
	copy(bpb.OEMIdentifier[:], b[3:11])
	bpb.BytesPerSector = binary.LittleEndian.Uint16(b[11:13])
	bpb.SectorsPerCluster = b[13]
	bpb.ReservedSectors = binary.LittleEndian.Uint16(b[14:16])
	bpb.FATCount = b[16]
	bpb.RootDirectoriesCount = binary.LittleEndian.Uint16(b[17:19])
	bpb.TotalSectorsShort = binary.LittleEndian.Uint16(b[19:21])
	bpb.MediaDescriptorType = b[21]
	bpb.SectorsPerFAT16 = binary.LittleEndian.Uint16(b[22:24])
	bpb.SectorsPerTrack = binary.LittleEndian.Uint16(b[24:26])
	bpb.HeadCount = binary.LittleEndian.Uint16(b[26:28])
	bpb.HiddenSectorCount = binary.LittleEndian.Uint32(b[28:32])
	bpb.LargeSectorCount = binary.LittleEndian.Uint32(b[32:36])
	return bpb
}

// Fat32BootSector is the FAT32-specific extension of the boot sector,
// following the BPB.
type Fat32BootSector struct {
	BPB                    BiosParameterBlock
	SectorsPerFAT          uint32
	Flags                  uint16
	FATVersion             uint16
	RootClusterNumber      uint32
	FSInfoSectorNumber     uint16
	BackupBootSectorNumber uint16
	DriveNumber            uint8
	WindowsNTFlags         uint8
	Signature              uint8
	VolumeID               uint32
	VolumeLabel            [11]byte
	SystemIdentifier       [8]byte
}

func parseBootSector(sector []byte) Fat32BootSector {
	bs := Fat32BootSector{BPB: parseBPB(sector[0:bpbSize])}

	b := sector[bpbSize:]
	bs.SectorsPerFAT = binary.LittleEndian.Uint32(b[0:4])
	bs.Flags = binary.LittleEndian.Uint16(b[4:6])
	bs.FATVersion = binary.LittleEndian.Uint16(b[6:8])
	bs.RootClusterNumber = binary.LittleEndian.Uint32(b[8:12])
	bs.FSInfoSectorNumber = binary.LittleEndian.Uint16(b[12:14])
	bs.BackupBootSectorNumber = binary.LittleEndian.Uint16(b[14:16])
	// b[16:28] is a 12-byte reserved region.
	bs.DriveNumber = b[28]
	bs.WindowsNTFlags = b[29]
	bs.Signature = b[30]
	bs.VolumeID = binary.LittleEndian.Uint32(b[31:35])
	copy(bs.VolumeLabel[:], b[35:46])
	copy(bs.SystemIdentifier[:], b[46:54])
	return bs
}

// readBootSector reads the boot sector from partition.StartingLBA.
func readBootSector(dev fs.BlockDevice, partition gpt.PartitionEntry) (Fat32BootSector, *kernel.Error) {
	var sector [fs.SectorSize]byte
	if err := fs.ReadSector(dev, partition.StartingLBA, &sector); err != nil {
		return Fat32BootSector{}, err
	}
	return parseBootSector(sector[:]), nil
}

// rootDirSectors returns the number of sectors the (FAT12/16-only) root
// directory occupies; always 0 for FAT32, whose root directory lives in the
// regular cluster chain.
func (bs *Fat32BootSector) rootDirSectors() uint32 {
	bytesPerSector := uint32(bs.BPB.BytesPerSector)
	return (uint32(bs.BPB.RootDirectoriesCount)*32 + bytesPerSector - 1) / bytesPerSector
}

// firstDataSector returns the partition-relative base that a cluster number
// is added to in order to find that cluster's sector: the first sector after
// the FATs and root directory, minus RootClusterNumber. With the usual root
// cluster of 2, cluster 2's data begins at firstDataSector()+2.
func (bs *Fat32BootSector) firstDataSector() uint32 {
	return uint32(bs.BPB.ReservedSectors) +
		uint32(bs.BPB.FATCount)*bs.SectorsPerFAT +
		bs.rootDirSectors() -
		bs.RootClusterNumber
}
