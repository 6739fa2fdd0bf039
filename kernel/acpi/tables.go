// Package acpi parses the ACPI tables reachable from the RSDP the boot
// protocol hands off, enumerating the Local APIC and IO-APIC entries in the
// MADT. Every table is read directly through its HHDM address; unlike the
// teacher's scanning driver, Draco never needs to identity-map anything
// since the whole of physical memory is already linearly mapped.
package acpi

import "unsafe"

// rsdpSignature is the 8-byte magic at the start of a valid RSDP.
var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

const madtSignature = "APIC"

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

// RSDPDescriptor is the ACPI 1.0 root system descriptor pointer.
type RSDPDescriptor struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with the fields added by ACPI
// 2.0+; valid when RSDPDescriptor.Revision > 0.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

// SDTHeader is the common header shared by every ACPI table.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// MADT (Multiple APIC Description Table) precedes a variable-length run of
// MADTEntry records.
type MADT struct {
	SDTHeader

	LocalControllerAddress uint32
	Flags                  uint32
}

// MADTEntryType identifies the shape of a MADT entry.
type MADTEntryType uint8

const (
	// MADTEntryTypeLocalAPIC describes a processor's local APIC.
	MADTEntryTypeLocalAPIC MADTEntryType = iota
	// MADTEntryTypeIOAPIC describes an IO-APIC.
	MADTEntryTypeIOAPIC
	// MADTEntryTypeIntSrcOverride remaps a legacy ISA IRQ to a global
	// system interrupt.
	MADTEntryTypeIntSrcOverride
	// MADTEntryTypeNMI configures a non-maskable interrupt pin.
	MADTEntryTypeNMI
)

// MADTEntry is the fixed-size header every MADT record starts with.
type MADTEntry struct {
	Type   MADTEntryType
	Length uint8
}

// MADTEntryLocalAPIC describes one processor and its local APIC. Its body is
// 6 bytes on disk (ProcessorID, APICID, then Flags with no padding); a plain
// Go struct overlay would let the compiler align Flags to a 4-byte offset
// and silently read the wrong bytes, so it is decoded field-by-field instead
// of cast directly onto memory.
type MADTEntryLocalAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

const madtLocalAPICBodySize = 6

func readMADTEntryLocalAPIC(ptr unsafe.Pointer) MADTEntryLocalAPIC {
	base := uintptr(ptr)
	return MADTEntryLocalAPIC{
		ProcessorID: *(*uint8)(unsafe.Pointer(base)),
		APICID:      *(*uint8)(unsafe.Pointer(base + 1)),
		Flags:       *(*uint32)(unsafe.Pointer(base + 2)),
	}
}

// writeMADTEntryLocalAPIC is the inverse of readMADTEntryLocalAPIC, used by
// tests to build a fake MADT without depending on Go's struct layout.
func writeMADTEntryLocalAPIC(ptr unsafe.Pointer, e MADTEntryLocalAPIC) {
	base := uintptr(ptr)
	*(*uint8)(unsafe.Pointer(base)) = e.ProcessorID
	*(*uint8)(unsafe.Pointer(base + 1)) = e.APICID
	*(*uint32)(unsafe.Pointer(base + 2)) = e.Flags
}

// MADTEntryIOAPIC describes one IO-APIC; decoded the same way and for the
// same reason as MADTEntryLocalAPIC.
type MADTEntryIOAPIC struct {
	APICID           uint8
	Address          uint32
	SysInterruptBase uint32
}

const madtIOAPICBodySize = 10

func readMADTEntryIOAPIC(ptr unsafe.Pointer) MADTEntryIOAPIC {
	base := uintptr(ptr)
	return MADTEntryIOAPIC{
		APICID:           *(*uint8)(unsafe.Pointer(base)),
		Address:          *(*uint32)(unsafe.Pointer(base + 2)),
		SysInterruptBase: *(*uint32)(unsafe.Pointer(base + 6)),
	}
}

// writeMADTEntryIOAPIC is the inverse of readMADTEntryIOAPIC, used by tests
// to build a fake MADT without depending on Go's struct layout.
func writeMADTEntryIOAPIC(ptr unsafe.Pointer, e MADTEntryIOAPIC) {
	base := uintptr(ptr)
	*(*uint8)(unsafe.Pointer(base)) = e.APICID
	*(*uint32)(unsafe.Pointer(base + 2)) = e.Address
	*(*uint32)(unsafe.Pointer(base + 6)) = e.SysInterruptBase
}

// LocalAPICEnabled is the flag bit indicating a MADTEntryLocalAPIC's
// processor is usable.
const LocalAPICEnabled = 1
