package acpi

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel/mem/addr"
)

func mockPtrFromPhys() func() {
	orig := ptrFromPhysFn
	ptrFromPhysFn = func(p addr.Physical) unsafe.Pointer { return unsafe.Pointer(uintptr(p)) }
	return func() { ptrFromPhysFn = orig }
}

func calcChecksum(ptr unsafe.Pointer, length uint32) uint8 {
	var sum uint8
	base := uintptr(ptr)
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum
}

// buildMADT assembles a MADT table with one local APIC and one IO-APIC
// entry into buf, returning a pointer to its header.
func buildMADT(buf []byte, lapicID uint8, ioapicAddr uint32) *SDTHeader {
	madt := (*MADT)(unsafe.Pointer(&buf[0]))
	madt.Signature = [4]byte{'A', 'P', 'I', 'C'}
	madt.Revision = acpiRev2Plus
	madt.LocalControllerAddress = 0xfee00000

	cur := unsafe.Sizeof(MADT{})

	lapicHdr := (*MADTEntry)(unsafe.Pointer(&buf[cur]))
	lapicHdr.Type = MADTEntryTypeLocalAPIC
	lapicHdr.Length = uint8(unsafe.Sizeof(MADTEntry{}) + madtLocalAPICBodySize)
	writeMADTEntryLocalAPIC(unsafe.Pointer(&buf[cur+unsafe.Sizeof(MADTEntry{})]), MADTEntryLocalAPIC{
		ProcessorID: 0,
		APICID:      lapicID,
		Flags:       LocalAPICEnabled,
	})
	cur += uintptr(lapicHdr.Length)

	ioHdr := (*MADTEntry)(unsafe.Pointer(&buf[cur]))
	ioHdr.Type = MADTEntryTypeIOAPIC
	ioHdr.Length = uint8(unsafe.Sizeof(MADTEntry{}) + madtIOAPICBodySize)
	writeMADTEntryIOAPIC(unsafe.Pointer(&buf[cur+unsafe.Sizeof(MADTEntry{})]), MADTEntryIOAPIC{
		APICID:           1,
		Address:          ioapicAddr,
		SysInterruptBase: 0,
	})
	cur += uintptr(ioHdr.Length)

	madt.Length = uint32(cur)
	madt.Checksum = -calcChecksum(unsafe.Pointer(madt), madt.Length)

	return &madt.SDTHeader
}

func TestParse(t *testing.T) {
	defer mockPtrFromPhys()()

	madtBuf := make([]byte, 256)
	madtHeader := buildMADT(madtBuf, 7, 0xfec00000)

	sizeofHeader := unsafe.Sizeof(SDTHeader{})
	rsdtBuf := make([]byte, int(sizeofHeader)+8)
	rsdtHeader := (*SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	rsdtHeader.Signature = [4]byte{'R', 'S', 'D', 'T'}
	rsdtHeader.Revision = 1
	rsdtHeader.Length = uint32(len(rsdtBuf))
	*(*uint64)(unsafe.Pointer(&rsdtBuf[sizeofHeader])) = uint64(uintptr(unsafe.Pointer(madtHeader)))
	rsdtHeader.Checksum = -calcChecksum(unsafe.Pointer(rsdtHeader), rsdtHeader.Length)

	var rsdp ExtRSDPDescriptor
	rsdp.Signature = rsdpSignature
	rsdp.Revision = acpiRev2Plus
	rsdp.Length = uint32(unsafe.Sizeof(rsdp))
	rsdp.XSDTAddr = uint64(uintptr(unsafe.Pointer(rsdtHeader)))
	rsdp.ExtendedChecksum = -calcChecksum(unsafe.Pointer(&rsdp), rsdp.Length)

	info, err := Parse(addr.Physical(uintptr(unsafe.Pointer(&rsdp))))
	if err != nil {
		t.Fatal(err)
	}

	if got := info.LocalAPICAddress; got != 0xfee00000 {
		t.Errorf("expected local APIC address 0xfee00000; got %x", got)
	}

	if len(info.LocalAPICs) != 1 || info.LocalAPICs[0].APICID != 7 {
		t.Fatalf("expected one local APIC with id 7; got %+v", info.LocalAPICs)
	}

	if len(info.IOAPICs) != 1 || info.IOAPICs[0].Address != 0xfec00000 {
		t.Fatalf("expected one IO-APIC at 0xfec00000; got %+v", info.IOAPICs)
	}
}

func TestParseRSDPChecksumMismatch(t *testing.T) {
	defer mockPtrFromPhys()()

	var rsdp RSDPDescriptor
	rsdp.Signature = rsdpSignature
	rsdp.Revision = acpiRev1
	rsdp.Checksum = 0 // deliberately wrong

	if _, err := Parse(addr.Physical(uintptr(unsafe.Pointer(&rsdp)))); err != errChecksumMismatch {
		t.Fatalf("expected errChecksumMismatch; got %v", err)
	}
}

func TestParseMADTNotFound(t *testing.T) {
	defer mockPtrFromPhys()()

	sizeofHeader := unsafe.Sizeof(SDTHeader{})
	rsdtBuf := make([]byte, int(sizeofHeader))
	rsdtHeader := (*SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	rsdtHeader.Signature = [4]byte{'R', 'S', 'D', 'T'}
	rsdtHeader.Revision = 1
	rsdtHeader.Length = uint32(len(rsdtBuf))
	rsdtHeader.Checksum = -calcChecksum(unsafe.Pointer(rsdtHeader), rsdtHeader.Length)

	var rsdp ExtRSDPDescriptor
	rsdp.Signature = rsdpSignature
	rsdp.Revision = acpiRev2Plus
	rsdp.Length = uint32(unsafe.Sizeof(rsdp))
	rsdp.XSDTAddr = uint64(uintptr(unsafe.Pointer(rsdtHeader)))
	rsdp.ExtendedChecksum = -calcChecksum(unsafe.Pointer(&rsdp), rsdp.Length)

	if _, err := Parse(addr.Physical(uintptr(unsafe.Pointer(&rsdp)))); err != errMADTNotFound {
		t.Fatalf("expected errMADTNotFound; got %v", err)
	}
}
