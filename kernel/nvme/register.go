// Package nvme drives an NVMe controller discovered via kernel/pci: it
// brings up the admin queue pair, identifies the controller and its first
// namespace, creates one I/O queue pair, and serves block read/write.
package nvme

import "unsafe"

// Controller register offsets (NVMe Base Specification figure "Controller
// Registers").
const (
	regCAP   = 0x00 // Controller Capabilities
	regVS    = 0x08 // Version
	regINTMS = 0x0c // Interrupt Mask Set
	regINTMC = 0x10 // Interrupt Mask Clear
	regCC    = 0x14 // Controller Configuration
	regCSTS  = 0x1c // Controller Status
	regAQA   = 0x24 // Admin Queue Attributes
	regASQ   = 0x28 // Admin Submission Queue Base Address
	regACQ   = 0x30 // Admin Completion Queue Base Address

	regDoorbellBase = 0x1000
)

// CC (Controller Configuration) fields.
const (
	ccEnable  = 1 << 0
	ccIOSQES6 = 6 << 16 // submission queue entry size = 2^6 = 64 bytes
	ccIOCQES4 = 4 << 20 // completion queue entry size = 2^4 = 16 bytes
)

// CSTS (Controller Status) fields.
const cstsReady = 1 << 0

// read32Fn/write32Fn/read64Fn/write64Fn access the controller's MMIO BAR0
// register window; mocked by tests so register programming and the queue
// submit/poll loop can be exercised without real MMIO.
var (
	read32Fn  = func(a uintptr) uint32 { return *(*uint32)(unsafe.Pointer(a)) }
	write32Fn = func(a uintptr, v uint32) { *(*uint32)(unsafe.Pointer(a)) = v }
	read64Fn  = func(a uintptr) uint64 { return *(*uint64)(unsafe.Pointer(a)) }
	write64Fn = func(a uintptr, v uint64) { *(*uint64)(unsafe.Pointer(a)) = v }
)

// doorbellStride is derived from CAP.DSTRD: the doorbell registers are
// spaced 4 << DSTRD bytes apart.
func doorbellStride(cap uint64) uintptr {
	dstrd := (cap >> 32) & 0xf
	return 4 << dstrd
}

// sqTailDoorbell and cqHeadDoorbell return the MMIO address of a queue's
// doorbell register, interleaved SQ/CQ pairs per queue ID starting at
// regDoorbellBase.
func sqTailDoorbell(base uintptr, stride uintptr, qid uint16) uintptr {
	return base + regDoorbellBase + uintptr(2*qid)*stride
}

func cqHeadDoorbell(base uintptr, stride uintptr, qid uint16) uintptr {
	return base + regDoorbellBase + uintptr(2*qid+1)*stride
}
