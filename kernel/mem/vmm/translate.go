package vmm

import "github.com/dracoos/draco/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. A huge-page entry (1 GiB at the
// P3 level, 2 MiB at the P2 level) is resolved the same way as an ordinary
// 4 KiB leaf, just with a wider offset carried over from the virtual
// address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address, sized to whichever
	// level the mapping was actually resolved at.
	offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
	physAddr := pte.Frame().Address() + (virtAddr & offsetMask)

	return physAddr, nil
}
