// Package irq implements the 256-entry interrupt descriptor table and the
// dispatch tables that route CPU exceptions, the timer and keyboard IRQs
// and the int 0x80 syscall gate to their Go handlers.
package irq

import "github.com/dracoos/draco/kernel/kfmt/early"

// Regs contains a snapshot of the general purpose register values at the
// time an interrupt, exception or syscall occurred. The in-memory layout
// must match the order in which the interrupt gate stubs in idt_amd64.s
// push registers onto the stack.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print outputs a dump of the register values to the active early console.
func (r *Regs) Print() {
	early.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Printf("RBP = %16x\n", r.RBP)
	early.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes the exception frame the CPU pushes onto the stack when
// taking an interrupt in long mode.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the exception frame to the active early console.
func (f *Frame) Print() {
	early.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	early.Printf("RFL = %16x\n", f.RFlags)
}

// ExceptionNum identifies a CPU exception vector.
type ExceptionNum uint8

// IRQNum identifies a hardware interrupt line, already remapped past the
// first 32 CPU-reserved vectors.
type IRQNum uint8

const (
	// DivideByZero occurs when dividing by zero via DIV/IDIV.
	DivideByZero = ExceptionNum(0)
	// Overflow occurs when the INTO instruction detects an overflow.
	Overflow = ExceptionNum(4)
	// InvalidOpcode occurs when the CPU decodes an undefined instruction.
	InvalidOpcode = ExceptionNum(6)
	// DoubleFault occurs when an exception occurs while the CPU is
	// already servicing one.
	DoubleFault = ExceptionNum(8)
	// StackSegmentFault occurs on a non-canonical stack access.
	StackSegmentFault = ExceptionNum(12)
	// GPFException is raised on a general protection fault.
	GPFException = ExceptionNum(13)
	// PageFaultException is raised when a page table walk fails.
	PageFaultException = ExceptionNum(14)
)

const (
	// TimerIRQ is the IRQ line the local APIC timer is wired to.
	TimerIRQ = IRQNum(0x20)
	// KeyboardIRQ is the vector the IO-APIC delivers the PS/2 keyboard's
	// line on.
	KeyboardIRQ = IRQNum(0x21)
)

// SyscallVector is the interrupt vector used for the int 0x80 syscall gate.
// Unlike every other gate in the IDT its descriptor is installed with
// DPL=3 so that ring-3 code is allowed to invoke it directly.
const SyscallVector = 0x80

// ExceptionHandler handles an exception that does not push an error code.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code.
type ExceptionHandlerWithCode func(code uint64, frame *Frame, regs *Regs)

// IRQHandler handles a hardware interrupt. The caller is responsible for
// sending the end-of-interrupt signal to the (IO)APIC; irq itself only
// dispatches.
type IRQHandler func(*Regs)

// SyscallHandler services an int 0x80 syscall gate trap. It receives the
// exception frame and register snapshot at the time of the trap and may
// freely modify either; the modified values are restored before the
// trampoline's iretq returns control. A handler that overwrites frame's
// RIP/CS/RFlags/RSP/SS makes iretq land somewhere other than back at the
// caller, which is how Spawn enters ring 3 without a dedicated trampoline.
type SyscallHandler func(*Frame, *Regs)

var (
	exceptionHandlers         [32]ExceptionHandler
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	irqHandlers               [16]IRQHandler
	syscallHandler            SyscallHandler
)

// HandleException registers an exception handler (without an error code)
// for the given exception vector.
func HandleException(num ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[num] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception vector.
func HandleExceptionWithCode(num ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[num] = handler
}

// HandleIRQ registers a handler for the given (already remapped) IRQ line.
func HandleIRQ(num IRQNum, handler IRQHandler) {
	irqHandlers[num-TimerIRQ] = handler
}

// HandleSyscall registers the single handler invoked for every int 0x80
// trap; dispatch by syscall number is left to the syscall package.
func HandleSyscall(handler SyscallHandler) {
	syscallHandler = handler
}

// dispatchException is invoked from the assembly trampolines for vectors
// that do not push an error code.
func dispatchException(num uint8, frame *Frame, regs *Regs) {
	if int(num) < len(exceptionHandlers) {
		if h := exceptionHandlers[num]; h != nil {
			h(frame, regs)
			return
		}
	}
	early.Printf("\nunhandled exception %d\n", num)
	regs.Print()
	frame.Print()
	for {
	}
}

// dispatchExceptionWithCode is invoked from the assembly trampolines for
// vectors that push an error code (e.g. #GP, #PF).
func dispatchExceptionWithCode(num uint8, code uint64, frame *Frame, regs *Regs) {
	if h := exceptionHandlersWithCode[num]; h != nil {
		h(code, frame, regs)
		return
	}
	early.Printf("\nunhandled exception %d (code %x)\n", num, code)
	regs.Print()
	frame.Print()
	for {
	}
}

// dispatchIRQ is invoked from the assembly trampolines for remapped
// hardware interrupts.
func dispatchIRQ(num uint8, regs *Regs) {
	if h := irqHandlers[IRQNum(num)-TimerIRQ]; h != nil {
		h(regs)
	}
}

// dispatchSyscall is invoked from the int 0x80 trampoline.
func dispatchSyscall(frame *Frame, regs *Regs) {
	if syscallHandler != nil {
		syscallHandler(frame, regs)
	}
}

// Init installs and loads the IDT. It does not enable interrupts; the caller
// does that separately once the rest of bring-up is ready for them.
func Init() {
	installIDT()
}
