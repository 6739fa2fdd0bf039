package apic

import "github.com/dracoos/draco/kernel/mem/addr"

// IO-APIC MMIO register window offsets.
const (
	ioapicRegSelect = 0x00
	ioapicRegData   = 0x10
)

// IO-APIC indirect register indices.
const (
	ioapicRegID             = 0x00
	ioapicRedirectTableBase = 0x10
)

// Redirection entry delivery mode and polarity bits.
const (
	deliveryModeFixed  = 0
	destModePhysical   = 0
	polarityActiveHigh = 0
	triggerEdge        = 0
	redirectionMasked  = 1 << 16
)

// IOAPIC wraps the select/data register pair an IO-APIC exposes at its
// physical base address, programmed indirectly like the legacy PIC's
// cascade configuration.
type IOAPIC struct {
	base uintptr
}

// NewIOAPIC returns an IOAPIC bound to the MMIO window at physAddr.
func NewIOAPIC(physAddr uint32) *IOAPIC {
	return &IOAPIC{base: addr.Physical(physAddr).Virtual().Pointer()}
}

func (a *IOAPIC) readReg(index uint8) uint32 {
	writeFn(a.base+ioapicRegSelect, uint32(index))
	return readFn(a.base + ioapicRegData)
}

func (a *IOAPIC) writeReg(index uint8, v uint32) {
	writeFn(a.base+ioapicRegSelect, uint32(index))
	writeFn(a.base+ioapicRegData, v)
}

// ID returns the IO-APIC's configured ID.
func (a *IOAPIC) ID() uint8 {
	return uint8((a.readReg(ioapicRegID) >> 24) & 0xf)
}

// RouteIRQ directs legacy ISA irqLine to vector on the local APIC identified
// by destAPICID, unmasked, edge-triggered, active-high, physical
// destination, fixed delivery — the routing legacy ISA lines such as the
// PS/2 keyboard's IRQ 1 need.
func (a *IOAPIC) RouteIRQ(irqLine uint8, vector uint8, destAPICID uint8) {
	low := uint32(vector) |
		deliveryModeFixed<<8 |
		destModePhysical<<11 |
		polarityActiveHigh<<13 |
		triggerEdge<<15

	high := uint32(destAPICID) << 24

	regIndex := ioapicRedirectTableBase + irqLine*2
	a.writeReg(regIndex, low)
	a.writeReg(regIndex+1, high)
}

// MaskIRQ disables delivery of irqLine without disturbing its other
// redirection-entry fields.
func (a *IOAPIC) MaskIRQ(irqLine uint8) {
	regIndex := ioapicRedirectTableBase + irqLine*2
	low := a.readReg(regIndex)
	a.writeReg(regIndex, low|redirectionMasked)
}

// UnmaskIRQ re-enables delivery of irqLine.
func (a *IOAPIC) UnmaskIRQ(irqLine uint8) {
	regIndex := ioapicRedirectTableBase + irqLine*2
	low := a.readReg(regIndex)
	a.writeReg(regIndex, low&^uint32(redirectionMasked))
}
