package fat32

import (
	"encoding/binary"
	"strings"
)

// dirEntrySize is the fixed size of one 8.3 directory entry record.
const dirEntrySize = 32

// attrLongName marks an entry as a long-filename fragment rather than an
// 8.3 short entry; the directory walker skips these without interpreting
// them.
const attrLongName = 0x0F

// attrDirectory marks a directory entry.
const attrDirectory = 0x10

// DirectoryEntry is one 32-byte FAT directory record.
type DirectoryEntry struct {
	Name               string
	Ext                string
	Attributes         uint8
	CreationTimeTenths uint8
	CreationTime       uint16
	CreationDate       uint16
	AccessDate         uint16
	ClusterHigh        uint16
	ModificationTime   uint16
	ModificationDate   uint16
	ClusterLow         uint16
	Size               uint32
}

// IsLongName reports whether this entry is a long-filename fragment rather
// than a normal 8.3 entry.
func (e *DirectoryEntry) IsLongName() bool { return e.Attributes == attrLongName }

// IsDirectory reports whether this entry names a subdirectory.
func (e *DirectoryEntry) IsDirectory() bool { return e.Attributes&attrDirectory != 0 }

// Cluster returns the entry's starting cluster number.
func (e *DirectoryEntry) Cluster() uint32 {
	return uint32(e.ClusterHigh)<<16 | uint32(e.ClusterLow)
}

// FileName returns the entry's 8.3 name, joined with its extension if any.
func (e *DirectoryEntry) FileName() string {
	if e.Ext == "" {
		return e.Name
	}
	return e.Name + "." + e.Ext
}

// parseDirectoryEntry decodes the 32-byte record at sector[offset:], or
// returns ok=false for a deleted (0xE5) or end-of-directory (0x00) marker.
func parseDirectoryEntry(sector []byte, offset int) (DirectoryEntry, bool) {
	b := sector[offset : offset+dirEntrySize]
	if b[0] == 0xE5 || b[0] == 0x00 {
		return DirectoryEntry{}, false
	}

	return DirectoryEntry{
		Name:               formatName(b[0:8]),
		Ext:                formatName(b[8:11]),
		Attributes:         b[11],
		CreationTimeTenths: b[13],
		CreationTime:       binary.LittleEndian.Uint16(b[14:16]),
		CreationDate:       binary.LittleEndian.Uint16(b[16:18]),
		AccessDate:         binary.LittleEndian.Uint16(b[18:20]),
		ClusterHigh:        binary.LittleEndian.Uint16(b[20:22]),
		ModificationTime:   binary.LittleEndian.Uint16(b[22:24]),
		ModificationDate:   binary.LittleEndian.Uint16(b[24:26]),
		ClusterLow:         binary.LittleEndian.Uint16(b[26:28]),
		Size:               binary.LittleEndian.Uint32(b[28:32]),
	}, true
}

// formatName trims the space-padding FAT short names use.
func formatName(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
