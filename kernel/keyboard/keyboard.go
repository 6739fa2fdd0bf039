// Package keyboard wires the PS/2 keyboard IRQ to a scancode ring buffer.
// Translating raw scancodes into characters is out of scope; callers drain
// the buffer themselves through ReadScancode.
package keyboard

import (
	"github.com/dracoos/draco/kernel/config"
	"github.com/dracoos/draco/kernel/cpu"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/sync"
)

// dataPort is the PS/2 controller's data register.
const dataPort = 0x60

// releaseBit marks a scancode as a key-release event in scancode set 1.
const releaseBit = 0x80

// inbFn reads the PS/2 data port; tests override it to feed synthetic
// scancodes without touching real IO ports.
var inbFn = cpu.Inb

var scancodes = sync.NewRingBuffer[byte](config.ScancodeBufSize)

// Init registers the keyboard IRQ handler. eoi is called once the scancode
// has been consumed, to signal end-of-interrupt to whichever APIC routed
// the IRQ.
func Init(eoi func()) {
	irq.HandleIRQ(irq.KeyboardIRQ, onIRQ(eoi))
}

// onIRQ builds the IRQ handler Init installs; split out so tests can drive
// it directly without going through irq's dispatch table.
func onIRQ(eoi func()) irq.IRQHandler {
	return func(*irq.Regs) {
		handleScancode(inbFn(dataPort))
		eoi()
	}
}

func handleScancode(code byte) {
	if code&releaseBit != 0 {
		return
	}
	scancodes.Push(code)
}

// ReadScancode removes and returns the oldest buffered scancode, reporting
// false if none are available.
func ReadScancode() (byte, bool) {
	return scancodes.Pop()
}
