// Command mkdiskimage builds a GPT-partitioned, FAT32-formatted raw disk
// image for running the kernel's GPT/FAT32/NVMe read path under QEMU. It
// writes a single boot partition containing one file, placed so its layout
// matches exactly what kernel/fs/gpt and kernel/fs/fat32 expect to read:
// one sector per cluster, root directory in cluster 2, file data starting
// in cluster 3. This keeps the host-side writer and the kernel-side reader
// walking the same, simple geometry instead of a general-purpose formatter
// neither side actually needs.
//
// This tool runs on the build host; it never links into the kernel binary.
package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const sectorSize = 512

// Fixed geometry: boot sector at LBA 0 of the partition, one-sector FAT at
// LBA 1, root directory's single cluster at LBA 2, file data starting at
// LBA 3. kernel/fs/fat32 derives the same offsets from the BPB fields this
// tool writes, so nothing here is hand-tuned to match the reader; both
// sides compute it from the same formula (firstDataSector = reserved +
// fatCount*sectorsPerFAT + rootDirSectors - rootCluster).
const (
	partitionStartLBA = 2048 // leaves room for the protective MBR and GPT tables
	reservedSectors   = 1
	fatCount          = 1
	sectorsPerFAT     = 1
	rootCluster       = 2
	partitionEntryLBA = 2
	partitionEntrySize = 128
	partitionEntryCount = 128
	gptHeaderLBA      = 1
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkdiskimage] error: %s\n", err.Error())
	os.Exit(1)
}

// to8dot3 renders a path component as a space-padded 8.3 name, uppercased,
// splitting on the last '.'.
func to8dot3(name string) (base [8]byte, ext [3]byte) {
	for i := range base {
		base[i] = ' '
	}
	for i := range ext {
		ext[i] = ' '
	}
	upper := strings.ToUpper(name)
	stem, extension, hasExt := strings.Cut(upper, ".")
	copy(base[:], stem)
	if hasExt {
		copy(ext[:], extension)
	}
	return base, ext
}

func writeBootSector(img []byte, lba uint64, totalSectors uint32) {
	off := lba * sectorSize
	sector := img[off : off+sectorSize]

	sector[0] = 0xEB
	sector[1] = 0x58
	sector[2] = 0x90
	copy(sector[3:11], "MKDISKIM")
	binary.LittleEndian.PutUint16(sector[11:13], sectorSize)
	sector[13] = 1 // sectors per cluster
	binary.LittleEndian.PutUint16(sector[14:16], reservedSectors)
	sector[16] = fatCount
	binary.LittleEndian.PutUint16(sector[17:19], 0) // FAT32 root dir count is always 0
	binary.LittleEndian.PutUint16(sector[19:21], 0)
	sector[21] = 0xF8
	binary.LittleEndian.PutUint16(sector[22:24], 0) // SectorsPerFAT16, unused by FAT32
	binary.LittleEndian.PutUint32(sector[32:36], totalSectors)

	// FAT32-specific fields, starting right after the 36-byte BPB.
	binary.LittleEndian.PutUint32(sector[36:40], sectorsPerFAT)
	binary.LittleEndian.PutUint32(sector[44:48], rootCluster)
	sector[66] = 0x29 // extended boot signature
	copy(sector[82:90], "FAT32   ")
	sector[510], sector[511] = 0x55, 0xAA
}

func writeFAT(img []byte, lba uint64, fileClusterCount int) {
	off := lba * sectorSize
	fat := img[off : off+sectorSize]

	// Cluster 0 and 1 entries are reserved; cluster 2 (root dir) ends its
	// own one-cluster chain.
	binary.LittleEndian.PutUint32(fat[0*4:1*4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[1*4:2*4], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[2*4:3*4], 0x0FFFFFF8)

	// File clusters start at 3 and chain sequentially, ending in EOC.
	for i := 0; i < fileClusterCount; i++ {
		cluster := 3 + i
		entry := uint32(0x0FFFFFF8)
		if i < fileClusterCount-1 {
			entry = uint32(cluster + 1)
		}
		binary.LittleEndian.PutUint32(fat[cluster*4:cluster*4+4], entry)
	}
}

func writeRootDirectory(img []byte, lba uint64, name string, size uint32) {
	off := lba * sectorSize
	dir := img[off : off+sectorSize]

	base, ext := to8dot3(name)
	copy(dir[0:8], base[:])
	copy(dir[8:11], ext[:])
	dir[11] = 0x20 // ATTR_ARCHIVE
	binary.LittleEndian.PutUint16(dir[20:22], 0)   // cluster high word
	binary.LittleEndian.PutUint16(dir[26:28], 3)   // cluster low word: first file cluster
	binary.LittleEndian.PutUint32(dir[28:32], size)
}

func writeFileData(img []byte, startLBA uint64, data []byte) {
	off := startLBA * sectorSize
	copy(img[off:], data)
}

// guidBytes converts a uuid.UUID's big-endian layout into the GPT on-disk
// mixed-endian encoding, the inverse of kernel/fs/gpt's decodeGUID.
func guidBytes(u uuid.UUID) [16]byte {
	var raw [16]byte
	raw[0], raw[1], raw[2], raw[3] = u[3], u[2], u[1], u[0]
	raw[4], raw[5] = u[5], u[4]
	raw[6], raw[7] = u[7], u[6]
	copy(raw[8:], u[8:])
	return raw
}

func writeGPT(img []byte, totalSectors uint64, diskGUID, partGUID uuid.UUID, partitionSectors uint64) {
	entriesSector := partitionEntryLBA * sectorSize
	entry := img[entriesSector : entriesSector+partitionEntrySize]

	typeGUID := guidBytes(partGUID) // a real image would use a well-known "Linux filesystem data" type GUID
	copy(entry[0:16], typeGUID[:])
	unique := guidBytes(partGUID)
	copy(entry[16:32], unique[:])
	binary.LittleEndian.PutUint64(entry[32:40], partitionStartLBA)
	binary.LittleEndian.PutUint64(entry[40:48], partitionStartLBA+partitionSectors-1)

	entriesCRC := crc32.ChecksumIEEE(img[entriesSector : entriesSector+partitionEntryCount*partitionEntrySize])

	headerOff := gptHeaderLBA * sectorSize
	header := img[headerOff : headerOff+sectorSize]
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[8:12], 0x00010000) // revision 1.0
	binary.LittleEndian.PutUint32(header[12:16], 92)         // header size
	binary.LittleEndian.PutUint64(header[24:32], gptHeaderLBA)
	binary.LittleEndian.PutUint64(header[32:40], totalSectors-1)
	binary.LittleEndian.PutUint64(header[40:48], partitionStartLBA)
	binary.LittleEndian.PutUint64(header[48:56], totalSectors-2)
	diskGUIDRaw := guidBytes(diskGUID)
	copy(header[56:72], diskGUIDRaw[:])
	binary.LittleEndian.PutUint64(header[72:80], partitionEntryLBA)
	binary.LittleEndian.PutUint32(header[80:84], partitionEntryCount)
	binary.LittleEndian.PutUint32(header[84:88], partitionEntrySize)
	binary.LittleEndian.PutUint32(header[88:92], entriesCRC)

	// HeaderCRC32 is computed over the header with its own CRC field
	// zeroed, then written back in.
	binary.LittleEndian.PutUint32(header[16:20], 0)
	headerCRC := crc32.ChecksumIEEE(header[:92])
	binary.LittleEndian.PutUint32(header[16:20], headerCRC)
}

func run() error {
	out := pflag.StringP("out", "o", "disk.img", "path to write the raw disk image to")
	sizeMiB := pflag.Int64("size-mib", 16, "total image size in MiB")
	bootFile := pflag.String("boot-file", "", "host path of the file to place at /INIT on the boot partition")
	partitionGUID := pflag.String("partition-guid", "", "GUID to stamp as both the partition type and unique GUID (random if empty)")
	diskGUIDFlag := pflag.String("disk-guid", "", "GUID to stamp as the disk GUID (random if empty)")
	pflag.Parse()

	if *bootFile == "" {
		return fmt.Errorf("-boot-file is required")
	}

	data, err := os.ReadFile(*bootFile)
	if err != nil {
		return err
	}

	partGUID := uuid.New()
	if *partitionGUID != "" {
		partGUID, err = uuid.Parse(*partitionGUID)
		if err != nil {
			return fmt.Errorf("parsing -partition-guid: %w", err)
		}
	}
	diskGUID := uuid.New()
	if *diskGUIDFlag != "" {
		diskGUID, err = uuid.Parse(*diskGUIDFlag)
		if err != nil {
			return fmt.Errorf("parsing -disk-guid: %w", err)
		}
	}

	totalSectors := *sizeMiB * (1 << 20) / sectorSize
	img := make([]byte, totalSectors*sectorSize)

	fileClusterCount := (len(data) + sectorSize - 1) / sectorSize
	if fileClusterCount == 0 {
		fileClusterCount = 1
	}
	partitionSectors := uint64(reservedSectors + fatCount*sectorsPerFAT + 1 + fileClusterCount)

	writeGPT(img, uint64(totalSectors), diskGUID, partGUID, partitionSectors)

	partBase := partitionStartLBA * sectorSize
	partImg := img[partBase:]
	writeBootSector(partImg, 0, uint32(partitionSectors))
	writeFAT(partImg, reservedSectors, fileClusterCount)
	writeRootDirectory(partImg, reservedSectors+fatCount*sectorsPerFAT, "INIT", uint32(len(data)))
	writeFileData(partImg, uint64(reservedSectors+fatCount*sectorsPerFAT+1), data)

	if err := os.WriteFile(*out, img, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s: %d sectors, boot partition GUID %s, disk GUID %s\n", *out, totalSectors, partGUID, diskGUID)
	return nil
}

func main() {
	if err := run(); err != nil {
		exit(err)
	}
}
