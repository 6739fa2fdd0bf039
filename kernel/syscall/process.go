package syscall

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/config"
	"github.com/dracoos/draco/kernel/elf"
	"github.com/dracoos/draco/kernel/gdt"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/pmm/allocator"
	"github.com/dracoos/draco/kernel/mem/vmm"
)

// processStart is the fixed virtual address a spawned process's image and
// stack are mapped at. A single address space is shared by the kernel and
// the one process the kernel ever runs, so a fixed address is sufficient.
const processStart = 0xF00D_C0DE_000

// processPages bounds how many pages are mapped for a spawned process's
// image and stack combined.
const processPages = config.ProcessPages

var errFileTooLarge = &kernel.Error{Module: "syscall", Message: "spawned image does not fit in the process address window"}

// allocFrameFn and mapFn are mocked by tests so Spawn's control flow can be
// exercised without a real frame allocator or page tables.
var (
	allocFrameFn = allocator.AllocFrame
	mapFn        = vmm.Map
)

// copySegmentFn copies a PT_LOAD segment's file bytes to its destination
// inside the mapped process window and zero-fills the rest of its memory
// size; tests override it to record calls instead of touching raw memory
// at a fixed address that only means something once real paging is live.
var copySegmentFn = copySegment

// spawn loads the ELF64 image at path from bootFS into a fresh process
// window and rewrites frame/regs so that this syscall's iretq lands in
// ring 3 at the image's entry point instead of returning to the caller.
func spawn(path string, frame *irq.Frame, regs *irq.Regs) *kernel.Error {
	entry, err := bootFS.FindEntry(path)
	if err != nil {
		return err
	}
	data, err := bootFS.ReadFile(entry)
	if err != nil {
		return err
	}

	image, err := elf.Parse(data)
	if err != nil {
		return err
	}

	if err := mapProcessWindow(); err != nil {
		return err
	}

	for _, ph := range image.Progs {
		if !ph.IsLoad() {
			continue
		}
		if ph.VirtAddr < processStart || ph.VirtAddr+ph.MemSize > processStart+uint64(processPages)*uint64(mem.PageSize) {
			return errFileTooLarge
		}

		segment, err := image.SegmentData(ph)
		if err != nil {
			return err
		}
		copySegmentFn(ph.VirtAddr-processStart, segment, ph.MemSize)
	}

	enterUserMode(frame, regs, image.EntryPoint())
	return nil
}

// mapProcessWindow allocates and maps processPages frames starting at
// processStart, present/writable/user so the process image can be copied in
// and then executed or written to (its stack) from ring 3.
func mapProcessWindow() *kernel.Error {
	for i := uintptr(0); i < processPages; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(processStart + i*uintptr(mem.PageSize))
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUser, allocFrameFn); err != nil {
			return err
		}
	}
	return nil
}

// copySegment writes data to destOff bytes into the process window and
// zero-fills the remainder of memSize, implementing the BSS-clearing
// semantics a PT_LOAD segment's p_filesz < p_memsz implies.
func copySegment(destOff uint64, data []byte, memSize uint64) {
	dest := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(processStart+destOff))), int(memSize))
	n := copy(dest, data)
	for i := n; i < len(dest); i++ {
		dest[i] = 0
	}
}

// enterUserMode rewrites the trap context so that the syscall trampoline's
// iretq resumes execution in ring 3 at entry instead of returning to
// whoever issued the Spawn syscall. The process's stack is the top of its
// mapped window; RFlags = 0x200 only sets IF, matching the flags a ring-3
// entry should run with.
func enterUserMode(frame *irq.Frame, regs *irq.Regs, entry uint64) {
	frame.RIP = entry
	frame.CS = gdt.UserCode
	frame.RFlags = 0x200
	frame.RSP = processStart + uint64(processPages)*uint64(mem.PageSize)
	frame.SS = gdt.UserData
	*regs = irq.Regs{}
}
