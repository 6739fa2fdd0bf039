// Package config holds the build-time kernel tunables regenerated by
// tools/kconfig from config/kernel.yaml. Do not hand-edit generated.go;
// change the YAML profile and rerun the generator instead.
package config

// NVMeQueueDepth is the fixed number of entries in every admin and I/O
// submission/completion queue.
const NVMeQueueDepth = 64

// DMAHeapSize is the size, in bytes, of the free-list heap backing NVMe
// queue rings and identify/read/write buffers.
const DMAHeapSize = 1 << 20

// KernelStackSize is the size, in bytes, of the ring-0 stack the TSS points
// interrupts and syscalls at.
const KernelStackSize = 64 * 1024

// ProcessPages bounds how many 4 KiB pages are mapped for a spawned
// process's image and stack combined.
const ProcessPages = 10

// ScancodeBufSize bounds how many unconsumed PS/2 scancodes are buffered
// before the oldest is dropped.
const ScancodeBufSize = 256
