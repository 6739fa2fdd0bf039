// Package syscall dispatches the int 0x80 software interrupt user-mode
// processes (and the kernel's own initial process spawn) use to ask the
// kernel to do something on their behalf. The ABI is fixed: rax carries the
// syscall number, rdi and rsi carry up to two arguments, and a string
// argument is always passed as an (rdi=ptr, rsi=len) pair rather than a
// NUL-terminated pointer.
package syscall

import (
	"unsafe"

	"github.com/dracoos/draco/kernel/fs/fat32"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/kfmt/early"
)

// Syscall numbers. Ring-3 code and the kernel's own initial spawn both
// invoke these via int 0x80 with rax set to one of these values.
const (
	Spawn     = 1
	Exit      = 2
	PrintLine = 0x404
)

var bootFS *fat32.FileSystem

// savedFrame and savedRegs hold the trap context of whichever Spawn call is
// currently running a process: the kernel context for the initial spawn of
// /boot/init, restored when that process issues Exit. Only one process ever
// runs at a time, so a single saved snapshot is enough.
var (
	savedFrame irq.Frame
	savedRegs  irq.Regs
)

// Init records the mounted boot filesystem Spawn resolves paths against and
// installs the syscall dispatcher. It must run after irq.Init and before the
// first int 0x80 is issued.
func Init(fs *fat32.FileSystem) {
	bootFS = fs
	irq.HandleSyscall(dispatch)
}

// dispatch is installed as the single irq.SyscallHandler; it switches on
// the syscall number in regs.RAX. An unrecognized number is logged and
// ignored rather than treated as fatal, since a single stray syscall from a
// misbehaving process should not take the kernel down with it.
func dispatch(frame *irq.Frame, regs *irq.Regs) {
	switch regs.RAX {
	case Spawn:
		path := stringArg(regs.RDI, regs.RSI)
		savedFrame, savedRegs = *frame, *regs
		if err := spawn(path, frame, regs); err != nil {
			early.Printf("spawn %s failed: %s\n", path, err.Message)
			for {
			}
		}
	case Exit:
		*frame, *regs = savedFrame, savedRegs
	case PrintLine:
		early.Printf("%s", stringArg(regs.RDI, regs.RSI))
	default:
		early.Printf("unknown syscall number %d\n", regs.RAX)
	}
}

// stringArg reinterprets a (ptr, len) register pair as a string. The kernel
// runs a single shared address space, so the pointer is valid regardless of
// whether the trap came from ring 0 or ring 3.
func stringArg(ptr, length uint64) string {
	if length == 0 {
		return ""
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), int(length))
	return string(b)
}
