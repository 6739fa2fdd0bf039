package hal

import "github.com/dracoos/draco/kernel/cpu"

// COM1 is the standard I/O port base for the first serial port.
const com1Base uint16 = 0x3f8

// serialConsole drives a 16550-compatible UART in polled mode. There is no
// interrupt-driven output path; kernel diagnostics are low-volume enough
// that busy-waiting on the transmit-holding-register-empty bit is fine.
type serialConsole struct{}

func newSerialConsole() *serialConsole {
	c := &serialConsole{}
	c.init()
	return c
}

func (c *serialConsole) init() {
	cpu.Outb(com1Base+1, 0x00) // disable interrupts
	cpu.Outb(com1Base+3, 0x80) // enable DLAB to set baud rate
	cpu.Outb(com1Base+0, 0x01) // divisor low byte: 115200 baud
	cpu.Outb(com1Base+1, 0x00) // divisor high byte
	cpu.Outb(com1Base+3, 0x03) // 8 bits, no parity, one stop bit
	cpu.Outb(com1Base+2, 0xc7) // enable FIFO, clear, 14-byte threshold
	cpu.Outb(com1Base+4, 0x0b) // IRQs disabled, RTS/DSR set
}

func (c *serialConsole) transmitEmpty() bool {
	return cpu.Inb(com1Base+5)&0x20 != 0
}

// WriteByte blocks until the transmit holding register is empty and then
// writes b to it. '\n' is preceded by '\r' so the output is readable on a
// plain terminal.
func (c *serialConsole) WriteByte(b byte) {
	if b == '\n' {
		for !c.transmitEmpty() {
			cpu.Pause()
		}
		cpu.Outb(com1Base, '\r')
	}

	for !c.transmitEmpty() {
		cpu.Pause()
	}
	cpu.Outb(com1Base, b)
}
