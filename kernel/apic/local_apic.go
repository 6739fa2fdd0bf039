// Package apic programs the Local APIC and IO-APIC discovered via
// kernel/acpi. Both are accessed through their HHDM address: the Local
// APIC's MMIO window is identity-ish mapped by the bootloader into physical
// memory the HHDM already covers, so no separate mapping step is needed.
package apic

import (
	"unsafe"

	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/mem/addr"
)

// Local APIC register offsets, in bytes from the MMIO base.
const (
	lapicRegID          = 0x020
	lapicRegVersion     = 0x030
	lapicRegEOI         = 0x0b0
	lapicRegSpurious    = 0x0f0
	lapicRegLVTTimer    = 0x320
	lapicRegTimerInitCnt = 0x380
	lapicRegTimerCurCnt  = 0x390
	lapicRegTimerDivide  = 0x3e0
)

const (
	lapicSoftwareEnable = 1 << 8
	lapicTimerPeriodic  = 1 << 17
	lapicTimerMasked    = 1 << 16
)

// LocalAPIC wraps the MMIO register window for the bootstrap processor's
// local APIC.
type LocalAPIC struct {
	base uintptr
}

// readFn/writeFn are mocked by tests to exercise register programming
// without touching real MMIO.
var (
	readFn  = func(a uintptr) uint32 { return *(*uint32)(unsafe.Pointer(a)) }
	writeFn = func(a uintptr, v uint32) { *(*uint32)(unsafe.Pointer(a)) = v }
)

// New returns a LocalAPIC bound to the MMIO window at physAddr, accessed
// through its HHDM mapping.
func New(physAddr uint32) *LocalAPIC {
	return &LocalAPIC{base: addr.Physical(physAddr).Virtual().Pointer()}
}

func (l *LocalAPIC) read(reg uintptr) uint32     { return readFn(l.base + reg) }
func (l *LocalAPIC) write(reg uintptr, v uint32) { writeFn(l.base + reg, v) }

// Enable arms the local APIC by setting the software-enable bit in the
// spurious interrupt vector register, routing spurious interrupts to
// spuriousVector.
func (l *LocalAPIC) Enable(spuriousVector uint8) {
	l.write(lapicRegSpurious, uint32(spuriousVector)|lapicSoftwareEnable)
}

// EOI signals end-of-interrupt for the interrupt currently being serviced.
// Every IRQ and exception-with-EOI handler must call this exactly once.
func (l *LocalAPIC) EOI() {
	l.write(lapicRegEOI, 0)
}

// ID returns this processor's local APIC ID.
func (l *LocalAPIC) ID() uint8 {
	return uint8(l.read(lapicRegID) >> 24)
}

// StartTimer programs the local APIC timer in periodic mode on
// irq.TimerIRQ, dividing the bus clock by divideBy (one of 1, 2, 4, 8, 16,
// 32, 64, 128) and reloading initialCount on every period.
func (l *LocalAPIC) StartTimer(initialCount uint32, divideBy uint8) {
	l.write(lapicRegTimerDivide, divideConfig(divideBy))
	l.write(lapicRegLVTTimer, uint32(irq.TimerIRQ)|lapicTimerPeriodic)
	l.write(lapicRegTimerInitCnt, initialCount)
}

// StopTimer masks the local APIC timer's LVT entry.
func (l *LocalAPIC) StopTimer() {
	l.write(lapicRegLVTTimer, uint32(irq.TimerIRQ)|lapicTimerMasked)
}

// divideConfig encodes the timer divide value into the bit-scrambled
// encoding the hardware LVT divide-configuration register expects.
func divideConfig(divideBy uint8) uint32 {
	switch divideBy {
	case 1:
		return 0xb
	case 2:
		return 0x0
	case 4:
		return 0x1
	case 8:
		return 0x2
	case 16:
		return 0x3
	case 32:
		return 0x8
	case 64:
		return 0x9
	case 128:
		return 0xa
	default:
		return 0x3 // default to divide-by-16
	}
}
