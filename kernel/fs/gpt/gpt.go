// Package gpt reads a GUID Partition Table from a block device: the fixed
// 92-byte header at LBA 1 and the partition entry array it points to. It
// never writes; partition table mutation is out of scope.
package gpt

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/fs"
	"github.com/google/uuid"
)

var (
	errBadSignature = &kernel.Error{Module: "gpt", Message: "GPT header signature mismatch"}
	errNoPartition  = &kernel.Error{Module: "gpt", Message: "no partition matched the requested GUIDs"}
)

const headerSignature = "EFI PART"

const (
	headerLBA        = 1
	partitionEntrySize = 128
)

// Header is the fixed portion of a GPT header (EFI spec table "GPT Header").
type Header struct {
	Signature            [8]byte
	Revision             uint32
	HeaderSize           uint32
	HeaderCRC32          uint32
	reserved             uint32
	HeaderLBA            uint64
	AlternateLBA         uint64
	FirstUsableLBA       uint64
	LastUsableLBA        uint64
	DiskGUID             [16]byte
	PartitionEntryLBA    uint64
	PartitionEntryCount  uint32
	PartitionEntrySize   uint32
	PartitionEntryCRC32  uint32
}

// rawPartitionEntry mirrors one 128-byte GPT partition entry record as laid
// out on disk, before GUID byte-swapping.
type rawPartitionEntry struct {
	TypeGUID       [16]byte
	UniqueGUID     [16]byte
	StartingLBA    uint64
	EndingLBA      uint64
	Attributes     uint64
	PartitionName  [36]uint16 // UTF-16LE
}

// PartitionEntry is a GPT partition entry with both GUIDs decoded into
// uuid.UUID and the name decoded from UTF-16.
type PartitionEntry struct {
	TypeGUID      uuid.UUID
	UniqueGUID    uuid.UUID
	StartingLBA   uint64
	EndingLBA     uint64
	Attributes    uint64
	Name          string
}

// Table is the result of reading a disk's GPT: the validated header and the
// full partition entry array.
type Table struct {
	Header     Header
	Partitions []PartitionEntry
}

// Read parses the GPT header at LBA 1 and every partition entry it
// references.
func Read(dev fs.BlockDevice) (*Table, *kernel.Error) {
	var sector [fs.SectorSize]byte
	if err := fs.ReadSector(dev, headerLBA, &sector); err != nil {
		return nil, err
	}

	header := *(*Header)(unsafe.Pointer(&sector[0]))
	if string(header.Signature[:]) != headerSignature {
		return nil, errBadSignature
	}

	partitions, err := readPartitionEntries(dev, &header)
	if err != nil {
		return nil, err
	}

	return &Table{Header: header, Partitions: partitions}, nil
}

// FindByGUID returns the first partition whose unique GUID equals
// partitionGUID. Only the partition GUID is compared; the disk GUID and the
// partition type GUID are not checked.
func (t *Table) FindByGUID(partitionGUID uuid.UUID) (PartitionEntry, *kernel.Error) {
	for _, p := range t.Partitions {
		if p.UniqueGUID == partitionGUID {
			return p, nil
		}
	}
	return PartitionEntry{}, errNoPartition
}

func readPartitionEntries(dev fs.BlockDevice, header *Header) ([]PartitionEntry, *kernel.Error) {
	entriesPerSector := fs.SectorSize / partitionEntrySize
	sectorsNeeded := (header.PartitionEntryCount + uint32(entriesPerSector) - 1) / uint32(entriesPerSector)

	entries := make([]PartitionEntry, 0, header.PartitionEntryCount)
	for s := uint32(0); s < sectorsNeeded; s++ {
		var sector [fs.SectorSize]byte
		if err := fs.ReadSector(dev, header.PartitionEntryLBA+uint64(s), &sector); err != nil {
			return nil, err
		}

		for i := 0; i < entriesPerSector && uint32(len(entries)) < header.PartitionEntryCount; i++ {
			raw := (*rawPartitionEntry)(unsafe.Pointer(&sector[i*partitionEntrySize]))
			if isZeroGUID(raw.TypeGUID) {
				continue
			}
			entries = append(entries, decodeEntry(raw))
		}
	}

	return entries, nil
}

func isZeroGUID(g [16]byte) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodeEntry(raw *rawPartitionEntry) PartitionEntry {
	return PartitionEntry{
		TypeGUID:    decodeGUID(raw.TypeGUID),
		UniqueGUID:  decodeGUID(raw.UniqueGUID),
		StartingLBA: raw.StartingLBA,
		EndingLBA:   raw.EndingLBA,
		Attributes:  raw.Attributes,
		Name:        decodeUTF16(raw.PartitionName[:]),
	}
}

// decodeGUID converts the GPT on-disk mixed-endian GUID encoding (the first
// three fields little-endian, the last two big-endian) into the big-endian
// layout uuid.UUID expects.
func decodeGUID(raw [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
	u[4], u[5] = raw[5], raw[4]
	u[6], u[7] = raw[7], raw[6]
	copy(u[8:], raw[8:])
	return u
}

func decodeUTF16(units []uint16) string {
	buf := make([]rune, 0, len(units))
	for _, u := range units {
		if u == 0 {
			break
		}
		buf = append(buf, rune(u))
	}
	return string(buf)
}
