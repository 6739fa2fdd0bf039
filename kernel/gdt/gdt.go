// Package gdt builds the kernel's global descriptor table and task state
// segment: the flat code/data segments long mode still requires plus the
// TSS descriptor that supplies the ring-0 stack used on every ring-3 to
// ring-0 transition (interrupt, exception or the int 0x80 syscall gate).
package gdt

import (
	"unsafe"

	"github.com/dracoos/draco/kernel/cpu"
)

// Selectors into the GDT, already shifted into their final segment-register
// form (index<<3 | RPL). kernel/irq's IDT gate descriptors use the same
// 0x08 value through their own kernelCodeSelector constant.
const (
	KernelCode  = 0x08
	KernelData  = 0x10
	UserData    = 0x18 | 3
	UserCode    = 0x20 | 3
	TSSSelector = 0x28
)

// descriptor is a classic 8-byte GDT segment descriptor. In long mode the
// base and limit fields of code/data segments are ignored by the CPU except
// for the flag bits, but are still populated so the table reads correctly
// under ordinary protected-mode conventions.
type descriptor struct {
	limitLow uint16
	baseLow  uint16
	baseMid  uint8
	access   uint8
	flags    uint8 // granularity (4 bits) | flags (4 bits)
	baseHigh uint8
}

const (
	accessPresent    = 1 << 7
	accessUser       = 1 << 4 // "descriptor type": 1 for code/data, 0 for system
	accessExecutable = 1 << 3
	accessRW         = 1 << 1 // readable (code) / writable (data)
	accessDPL3       = 3 << 5

	flagLongMode = 1 << 5
)

// tssDescriptor is the 16-byte system descriptor long mode uses to describe
// a 64-bit TSS; it extends the classic 8-byte form with a 32-bit base
// extension and a reserved dword.
type tssDescriptor struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	flags     uint8
	baseHigh  uint8
	baseUpper uint32
	reserved  uint32
}

const tssAccessAvailable64 = 0x89 // present, DPL=0, type=0x9 (available 64-bit TSS)

// TaskStateSegment is the AMD64 TSS. The kernel only uses RSP0: the stack
// pointer the CPU loads on any interrupt, exception or syscall that raises
// the privilege level to ring 0.
type TaskStateSegment struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST1      uint64
	IST2      uint64
	IST3      uint64
	IST4      uint64
	IST5      uint64
	IST6      uint64
	IST7      uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

// gdtPointer is the operand of the LGDT instruction.
type gdtPointer struct {
	limit uint16
	base  uint64
}

// reloadSegments reloads every segment register from the freshly loaded
// GDT; CS requires a far return since MOV cannot target it directly.
func reloadSegments()

// table holds the null descriptor, kernel code/data, user data/code and the
// two slots the 16-byte TSS descriptor occupies.
var (
	table [7]descriptor
	tss   TaskStateSegment
)

// lgdtFn, ltrFn and reloadSegmentsFn are mocked by tests so Init's table
// construction can be exercised without issuing the privileged
// instructions a hosted test process isn't allowed to execute.
var (
	lgdtFn           = cpu.Lgdt
	ltrFn            = cpu.Ltr
	reloadSegmentsFn = reloadSegments
)

func setSegment(index int, access, flags uint8) {
	d := &table[index]
	d.limitLow = 0xffff
	d.baseLow = 0
	d.baseMid = 0
	d.access = access
	d.flags = flags | 0x0f // limit bits 16-19, all set (4 GiB granularity)
	d.baseHigh = 0
}

func setTSSDescriptor(base uintptr, limit uint32) {
	td := (*tssDescriptor)(unsafe.Pointer(&table[5]))
	td.limitLow = uint16(limit)
	td.baseLow = uint16(base)
	td.baseMid = uint8(base >> 16)
	td.access = tssAccessAvailable64
	td.flags = uint8((limit >> 16) & 0x0f)
	td.baseHigh = uint8(base >> 24)
	td.baseUpper = uint32(base >> 32)
	td.reserved = 0
}

// Init builds the GDT and TSS, loads them with LGDT/LTR and sets
// kernelStack as the ring-0 stack used on every privilege-raising
// transition. It must run before interrupts are enabled.
func Init(kernelStack uintptr) {
	setSegment(1, accessPresent|accessUser|accessExecutable|accessRW, flagLongMode)
	setSegment(2, accessPresent|accessUser|accessRW, 0)
	setSegment(3, accessPresent|accessUser|accessRW|accessDPL3, 0)
	setSegment(4, accessPresent|accessUser|accessExecutable|accessRW|accessDPL3, flagLongMode)

	tss.RSP0 = uint64(kernelStack)
	tss.ioMapBase = uint16(unsafe.Sizeof(tss))
	setTSSDescriptor(uintptr(unsafe.Pointer(&tss)), uint32(unsafe.Sizeof(tss))-1)

	ptr := gdtPointer{
		limit: uint16(unsafe.Sizeof(table)) - 1,
		base:  uint64(uintptr(unsafe.Pointer(&table[0]))),
	}
	lgdtFn(uintptr(unsafe.Pointer(&ptr)))
	reloadSegmentsFn()
	ltrFn(TSSSelector)
}
