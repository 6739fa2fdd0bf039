// Package elf parses an in-memory ELF64 executable image: the file header,
// the program header table and the raw segment bytes the loader copies into
// a fresh address space. Section headers, relocations and dynamic linking
// are out of scope; the kernel only ever loads static ET_EXEC binaries.
package elf

import (
	stdelf "debug/elf"
	"unsafe"

	"github.com/dracoos/draco/kernel"
)

var (
	errBadMagic      = &kernel.Error{Module: "elf", Message: "not an ELF64 little-endian file"}
	errWrongMachine  = &kernel.Error{Module: "elf", Message: "ELF machine is not x86_64"}
	errTruncated     = &kernel.Error{Module: "elf", Message: "ELF image truncated before header end"}
	errNoLoadSegment = &kernel.Error{Module: "elf", Message: "ELF image has no PT_LOAD segments"}
)

// headerSize is sizeof(Header); every field below it falls on its natural
// alignment boundary, so unlike the ACPI MADT entries or the FAT32 BPB, a
// direct struct overlay over the raw image bytes is safe.
const headerSize = 64

// Header is the ELF64 file header.
type Header struct {
	Ident             [16]byte
	Type              uint16
	Machine           uint16
	Version           uint32
	Entry             uint64
	ProgHeaderOff     uint64
	SectionHeaderOff  uint64
	Flags             uint32
	EHSize            uint16
	ProgHeaderEntSize uint16
	ProgHeaderCount   uint16
	SecHeaderEntSize  uint16
	SecHeaderCount    uint16
	SecHeaderStrNdx   uint16
}

// progHeaderSize is sizeof(ProgramHeader); every field is naturally aligned.
const progHeaderSize = 56

// ProgramHeader is one ELF64 program header table entry.
type ProgramHeader struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VirtAddr uint64
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// IsLoad reports whether this entry describes a loadable segment.
func (ph *ProgramHeader) IsLoad() bool { return ph.Type == uint32(stdelf.PT_LOAD) }

// Writable reports whether the segment should be mapped writable.
func (ph *ProgramHeader) Writable() bool { return ph.Flags&uint32(stdelf.PF_W) != 0 }

// Executable reports whether the segment should be mapped executable.
func (ph *ProgramHeader) Executable() bool { return ph.Flags&uint32(stdelf.PF_X) != 0 }

// File is a parsed view over an in-memory ELF64 image: the header, its
// program header table, and the backing byte slice segment data is sliced
// out of.
type File struct {
	Header Header
	Progs  []ProgramHeader
	data   []byte
}

// Parse validates and parses the ELF64 image in data, which must remain
// live for as long as the returned File's segment data is read.
func Parse(data []byte) (*File, *kernel.Error) {
	if len(data) < headerSize {
		return nil, errTruncated
	}

	header := *(*Header)(unsafe.Pointer(&data[0]))
	if header.Ident[0] != 0x7f || header.Ident[1] != 'E' || header.Ident[2] != 'L' || header.Ident[3] != 'F' {
		return nil, errBadMagic
	}
	if header.Ident[4] != 2 { // ELFCLASS64
		return nil, errBadMagic
	}
	if header.Ident[5] != 1 { // ELFDATA2LSB
		return nil, errBadMagic
	}
	if header.Machine != uint16(stdelf.EM_X86_64) {
		return nil, errWrongMachine
	}

	end := header.ProgHeaderOff + uint64(header.ProgHeaderCount)*uint64(progHeaderSize)
	if end > uint64(len(data)) {
		return nil, errTruncated
	}

	progs := make([]ProgramHeader, header.ProgHeaderCount)
	for i := range progs {
		off := header.ProgHeaderOff + uint64(i)*uint64(progHeaderSize)
		progs[i] = *(*ProgramHeader)(unsafe.Pointer(&data[off]))
	}

	hasLoad := false
	for _, ph := range progs {
		if ph.IsLoad() {
			hasLoad = true
			break
		}
	}
	if !hasLoad {
		return nil, errNoLoadSegment
	}

	return &File{Header: header, Progs: progs, data: data}, nil
}

// EntryPoint returns the virtual address execution should start at.
func (f *File) EntryPoint() uint64 { return f.Header.Entry }

// SegmentData returns the on-file bytes of ph, ready to be copied to
// ph.VirtAddr; the caller zero-fills the remainder up to ph.MemSize.
func (f *File) SegmentData(ph ProgramHeader) ([]byte, *kernel.Error) {
	end := ph.Offset + ph.FileSize
	if end > uint64(len(f.data)) {
		return nil, errTruncated
	}
	return f.data[ph.Offset:end], nil
}
