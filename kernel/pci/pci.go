// Package pci scans PCI configuration space through the legacy CONFIG_ADDRESS
// / CONFIG_DATA I/O port pair and decodes the BARs of the devices it finds.
// It exists to let kernel/nvme locate the boot disk's NVMe controller
// without either side hardcoding a bus/slot/function.
package pci

import "github.com/dracoos/draco/kernel/cpu"

// Legacy PCI configuration mechanism #1 I/O ports.
const (
	configAddress = 0x0cf8
	configData    = 0x0cfc
)

// Configuration space offsets used by this package.
const (
	offsetVendorID  = 0x00
	offsetDeviceID  = 0x02
	offsetCommand   = 0x04
	offsetClassCode = 0x08
	offsetHeaderType = 0x0e
	offsetBAR0      = 0x10
)

const (
	vendorNone = 0xffff

	commandIOSpace     = 1 << 0
	commandMemSpace    = 1 << 1
	commandBusMaster   = 1 << 2

	barIsIO        = 1 << 0
	barMemType64   = 2 << 1
	barPrefetch    = 1 << 3
)

// readConfigFn/writeConfigFn are mocked by tests to exercise the scan logic
// against a fake configuration space without real I/O port access.
var (
	readConfigFn  = readConfig32
	writeConfigFn = writeConfig32
)

// Address identifies a device's location in PCI configuration space.
type Address struct {
	Bus  uint8
	Slot uint8
	Func uint8
}

func configAddr(a Address, offset uint8) uint32 {
	return 1<<31 |
		uint32(a.Bus)<<16 |
		uint32(a.Slot)<<11 |
		uint32(a.Func)<<8 |
		uint32(offset&0xfc)
}

func readConfig32(a Address, offset uint8) uint32 {
	cpu.Outl(configAddress, configAddr(a, offset))
	return cpu.Inl(configData)
}

func writeConfig32(a Address, offset uint8, v uint32) {
	cpu.Outl(configAddress, configAddr(a, offset))
	cpu.Outl(configData, v)
}

// Device describes one function discovered during a bus scan.
type Device struct {
	Address    Address
	VendorID   uint16
	DeviceID   uint16
	ClassCode  uint8
	SubClass   uint8
	ProgIF     uint8
	Multifunc  bool
}

// ClassCode and SubClass recognized by kernel/nvme.
const (
	ClassMassStorage = 0x01
	SubClassNVMe     = 0x08
	ProgIFNVMe       = 0x02
)

// EnableBusMastering sets the bus-master, memory-space and I/O-space enable
// bits in a device's command register, required before it may perform DMA
// or respond to BAR accesses.
func EnableBusMastering(addr Address) {
	cmd := readConfigFn(addr, offsetCommand)
	cmd |= commandBusMaster | commandMemSpace | commandIOSpace
	writeConfigFn(addr, offsetCommand, cmd)
}

// BAR0 reads and decodes the device's first base address register, which is
// where kernel/nvme expects its controller registers to be mapped.
func BAR0(addr Address) uintptr {
	raw := readConfigFn(addr, offsetBAR0)
	if raw&barIsIO != 0 {
		return uintptr(raw &^ 0x3)
	}

	base := uintptr(raw &^ 0xf)
	if raw&0x6 == barMemType64 {
		high := readConfigFn(addr, offsetBAR0+4)
		base |= uintptr(high) << 32
	}
	return base
}

// Scan walks every bus/slot/function in [0, maxBus) and returns every
// function that responds with a valid vendor ID.
func Scan(maxBus uint8) []Device {
	var found []Device

	for bus := 0; bus < int(maxBus); bus++ {
		for slot := uint8(0); slot < 32; slot++ {
			addr := Address{Bus: uint8(bus), Slot: slot, Func: 0}
			vendorDevice := readConfigFn(addr, offsetVendorID)
			if uint16(vendorDevice) == vendorNone {
				continue
			}

			headerType := uint8(readConfigFn(addr, offsetHeaderType) >> 16)
			multifunc := headerType&0x80 != 0

			numFuncs := uint8(1)
			if multifunc {
				numFuncs = 8
			}

			for fn := uint8(0); fn < numFuncs; fn++ {
				addr.Func = fn
				vendorDevice := readConfigFn(addr, offsetVendorID)
				if uint16(vendorDevice) == vendorNone {
					continue
				}

				classReg := readConfigFn(addr, offsetClassCode)
				found = append(found, Device{
					Address:   addr,
					VendorID:  uint16(vendorDevice),
					DeviceID:  uint16(vendorDevice >> 16),
					ClassCode: uint8(classReg >> 24),
					SubClass:  uint8(classReg >> 16),
					ProgIF:    uint8(classReg >> 8),
					Multifunc: multifunc,
				})
			}
		}
	}

	return found
}

// FindNVMe returns the first NVMe mass-storage controller found in [0, maxBus),
// if any.
func FindNVMe(maxBus uint8) (Device, bool) {
	for _, d := range Scan(maxBus) {
		if d.ClassCode == ClassMassStorage && d.SubClass == SubClassNVMe && d.ProgIF == ProgIFNVMe {
			return d, true
		}
	}
	return Device{}, false
}
