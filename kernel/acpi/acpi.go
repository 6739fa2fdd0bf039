package acpi

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/kfmt/early"
	"github.com/dracoos/draco/kernel/mem/addr"
)

var (
	errChecksumMismatch = &kernel.Error{Module: "acpi", Message: "checksum mismatch while parsing ACPI table"}
	errMADTNotFound     = &kernel.Error{Module: "acpi", Message: "MADT table not present in RSDT/XSDT"}
)

// ptrFromPhysFn translates a table's physical address to a host pointer;
// checksumFn validates a table's checksum. Both are mocked by tests so the
// parsing logic can be exercised against plain byte slices.
var (
	ptrFromPhysFn = func(p addr.Physical) unsafe.Pointer {
		return unsafe.Pointer(p.Virtual().Pointer())
	}
	checksumFn = validChecksum
)

// Info is the result of parsing the ACPI tables reachable from the RSDP:
// every Local APIC and IO-APIC entry found in the MADT.
type Info struct {
	LocalAPICAddress uint32
	LocalAPICs       []MADTEntryLocalAPIC
	IOAPICs          []MADTEntryIOAPIC
}

// Parse walks RSDP -> RSDT/XSDT -> MADT starting at rsdpAddr and returns the
// discovered APIC topology.
func Parse(rsdpAddr addr.Physical) (*Info, *kernel.Error) {
	rsdtAddr, useXSDT, err := parseRSDP(rsdpAddr)
	if err != nil {
		return nil, err
	}

	header := (*SDTHeader)(ptrFromPhysFn(rsdtAddr))
	if !checksumFn(unsafe.Pointer(header), header.Length) {
		return nil, errChecksumMismatch
	}

	sizeofHeader := unsafe.Sizeof(SDTHeader{})
	payloadLen := header.Length - uint32(sizeofHeader)
	payloadStart := uintptr(unsafe.Pointer(header)) + sizeofHeader

	var sdtAddrs []uintptr
	if useXSDT {
		sdtAddrs = make([]uintptr, payloadLen/8)
		for i := range sdtAddrs {
			sdtAddrs[i] = uintptr(*(*uint64)(unsafe.Pointer(payloadStart + uintptr(i)*8)))
		}
	} else {
		sdtAddrs = make([]uintptr, payloadLen/4)
		for i := range sdtAddrs {
			sdtAddrs[i] = uintptr(*(*uint32)(unsafe.Pointer(payloadStart + uintptr(i)*4)))
		}
	}

	for _, sdtAddr := range sdtAddrs {
		sdtHeader := (*SDTHeader)(ptrFromPhysFn(addr.Physical(sdtAddr)))
		if string(sdtHeader.Signature[:]) != madtSignature {
			continue
		}

		if !checksumFn(unsafe.Pointer(sdtHeader), sdtHeader.Length) {
			early.Printf("[acpi] MADT checksum mismatch; skipping\n")
			continue
		}

		return parseMADT((*MADT)(unsafe.Pointer(sdtHeader))), nil
	}

	return nil, errMADTNotFound
}

// parseRSDP validates the RSDP at rsdpAddr and returns the address of the
// RSDT (ACPI 1.0) or XSDT (ACPI 2.0+) it points to.
func parseRSDP(rsdpAddr addr.Physical) (addr.Physical, bool, *kernel.Error) {
	rsdp := (*RSDPDescriptor)(ptrFromPhysFn(rsdpAddr))

	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, &kernel.Error{Module: "acpi", Message: "RSDP signature mismatch"}
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !checksumFn(unsafe.Pointer(rsdp), uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, errChecksumMismatch
		}
		return addr.Physical(rsdp.RSDTAddr), false, nil
	}

	rsdp2 := (*ExtRSDPDescriptor)(ptrFromPhysFn(rsdpAddr))
	if !checksumFn(unsafe.Pointer(rsdp2), rsdp2.Length) {
		return 0, false, errChecksumMismatch
	}
	return addr.Physical(rsdp2.XSDTAddr), true, nil
}

// parseMADT walks the variable-length MADT entry list, collecting the
// entries Draco cares about (Local APIC and IO-APIC); interrupt source
// overrides and NMI entries are skipped since the kernel only targets
// standard PC IRQ routing.
func parseMADT(madt *MADT) *Info {
	info := &Info{LocalAPICAddress: madt.LocalControllerAddress}

	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)
	cur := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(MADT{})

	for cur < end {
		entry := (*MADTEntry)(unsafe.Pointer(cur))
		if entry.Length == 0 {
			break
		}

		switch entry.Type {
		case MADTEntryTypeLocalAPIC:
			lapic := readMADTEntryLocalAPIC(unsafe.Pointer(cur + unsafe.Sizeof(MADTEntry{})))
			if lapic.Flags&LocalAPICEnabled != 0 {
				info.LocalAPICs = append(info.LocalAPICs, lapic)
			}
		case MADTEntryTypeIOAPIC:
			ioapic := readMADTEntryIOAPIC(unsafe.Pointer(cur + unsafe.Sizeof(MADTEntry{})))
			info.IOAPICs = append(info.IOAPICs, ioapic)
		}

		cur += uintptr(entry.Length)
	}

	return info
}

// validChecksum sums every byte of the table starting at ptr and returns
// true if they add up to zero mod 256, as required by the ACPI spec.
func validChecksum(ptr unsafe.Pointer, length uint32) bool {
	var sum uint8
	base := uintptr(ptr)
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum == 0
}
