package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// Pause executes a spin-loop hint, improving power consumption and exit
// latency on busy-wait loops: the spinlock, NVMe completion polling and the
// serial console's transmit wait.
func Pause()

// ReadCR2 returns the faulting linear address recorded by the CPU for the
// most recent page fault.
func ReadCR2() uint64

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outl writes a double word to the given I/O port.
func Outl(port uint16, value uint32)

// Inl reads a double word from the given I/O port.
func Inl(port uint16) uint32

// Lgdt loads the global descriptor table register from the descriptor
// pointer at ptr.
func Lgdt(ptr uintptr)

// Lidt loads the interrupt descriptor table register from the descriptor
// pointer at ptr.
func Lidt(ptr uintptr)

// Ltr loads the task register with the given GDT selector.
func Ltr(selector uint16)

// QEMUExit shuts down a QEMU guest through the isa-debug-exit device,
// reporting code as the process exit status. It is a no-op on real hardware
// since port 0xf4 is normally unassigned.
func QEMUExit(code uint32)

// Syscall issues an int 0x80 software interrupt with nr in rax and arg1/arg2
// in rdi/rsi, the same gate ring-3 processes use. The kernel calls this once
// at startup to spawn /boot/init; the dispatcher resumes execution in ring 3
// instead of returning here, and control comes back here only once that
// process issues Exit, which restores the trap context saved by the spawn.
func Syscall(nr, arg1, arg2 uint64)
