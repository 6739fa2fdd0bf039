// Package kmain wires together every subsystem the kernel needs before it
// can hand control to its first user-mode process. It is the only package
// rt0 calls into.
package kmain

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/acpi"
	"github.com/dracoos/draco/kernel/apic"
	"github.com/dracoos/draco/kernel/boot"
	"github.com/dracoos/draco/kernel/config"
	"github.com/dracoos/draco/kernel/cpu"
	"github.com/dracoos/draco/kernel/fs/fat32"
	"github.com/dracoos/draco/kernel/fs/gpt"
	"github.com/dracoos/draco/kernel/gdt"
	_ "github.com/dracoos/draco/kernel/goruntime"
	"github.com/dracoos/draco/kernel/hal"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/keyboard"
	"github.com/dracoos/draco/kernel/mem/addr"
	"github.com/dracoos/draco/kernel/mem/heap"
	"github.com/dracoos/draco/kernel/mem/pmm/allocator"
	"github.com/dracoos/draco/kernel/mem/vmm"
	"github.com/dracoos/draco/kernel/nvme"
	"github.com/dracoos/draco/kernel/pci"
	"github.com/dracoos/draco/kernel/syscall"
	"github.com/google/uuid"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoBootDisk    = &kernel.Error{Module: "kmain", Message: "no NVMe controller found on the PCI bus"}
)

// kernelStack backs the ring-0 stack the TSS points interrupts and syscalls
// from ring 3 at.
var kernelStack [config.KernelStackSize]byte

// dmaHeap backs the NVMe driver's queues and identify/read/write buffers,
// which the Go allocator cannot be trusted to keep at a fixed address or
// off the GC-scanned heap.
var dmaHeapBacking [config.DMAHeapSize]byte
var dmaHeap heap.LinkedListAllocator

// Kmain brings up every subsystem in dependency order and finally spawns
// /boot/init. It never returns: either the spawn hands control to ring 3,
// or bringup fails and the kernel panics.
//
//go:noinline
func Kmain() {
	hal.InitConsole()
	cpu.DisableInterrupts()

	info := boot.Current

	addr.HHDMOffset = info.HHDMOffset
	allocator.EarlyAllocator.Init(info.UsableRegions())
	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err := vmm.Init(); err != nil {
		kernel.Panic(err)
	}

	dmaHeap.Init(uintptr(unsafe.Pointer(&dmaHeapBacking[0])), uintptr(len(dmaHeapBacking)))

	acpiInfo, err := acpi.Parse(info.RSDP)
	if err != nil {
		kernel.Panic(err)
	}

	localAPIC := apic.New(acpiInfo.LocalAPICAddress)
	localAPIC.Enable(uint8(irq.TimerIRQ))

	if len(acpiInfo.IOAPICs) > 0 {
		ioAPIC := apic.NewIOAPIC(acpiInfo.IOAPICs[0].Address)
		ioAPIC.RouteIRQ(1, uint8(irq.KeyboardIRQ), localAPIC.ID())
	}

	gdt.Init(uintptr(unsafe.Pointer(&kernelStack[len(kernelStack)-1])))
	irq.Init()
	cpu.EnableInterrupts()

	nvmeDev, ok := pci.FindNVMe(255)
	if !ok {
		kernel.Panic(errNoBootDisk)
	}
	pci.EnableBusMastering(nvmeDev.Address)

	ctrl, err := nvme.Init(pci.BAR0(nvmeDev.Address), &dmaHeap)
	if err != nil {
		kernel.Panic(err)
	}

	table, err := gpt.Read(ctrl)
	if err != nil {
		kernel.Panic(err)
	}
	partition, err := table.FindByGUID(uuid.UUID(info.BootPartitionGUID))
	if err != nil {
		kernel.Panic(err)
	}

	bootFS, err := fat32.ReadFromDisk(partition, ctrl)
	if err != nil {
		kernel.Panic(err)
	}

	keyboard.Init(localAPIC.EOI)
	syscall.Init(bootFS)

	cpu.Syscall(syscall.Spawn, uint64(uintptr(unsafe.Pointer(unsafe.StringData("/boot/init")))), uint64(len("/boot/init")))

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating Kmain's call site.
	kernel.Panic(errKmainReturned)
}
