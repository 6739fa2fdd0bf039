package pci

import "testing"

type fakeConfigSpace struct {
	regs map[Address]map[uint8]uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{regs: make(map[Address]map[uint8]uint32)}
}

func (f *fakeConfigSpace) set(addr Address, offset uint8, v uint32) {
	if f.regs[addr] == nil {
		f.regs[addr] = make(map[uint8]uint32)
	}
	f.regs[addr][offset&0xfc] = v
}

func (f *fakeConfigSpace) install() func() {
	origRead, origWrite := readConfigFn, writeConfigFn
	readConfigFn = func(addr Address, offset uint8) uint32 {
		if regs, ok := f.regs[addr]; ok {
			if v, ok := regs[offset&0xfc]; ok {
				return v
			}
		}
		if offset&0xfc == offsetVendorID {
			return uint32(vendorNone)
		}
		return 0
	}
	writeConfigFn = func(addr Address, offset uint8, v uint32) { f.set(addr, offset, v) }
	return func() { readConfigFn, writeConfigFn = origRead, origWrite }
}

func TestScanFindsSingleFunctionDevice(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	addr := Address{Bus: 0, Slot: 3, Func: 0}
	f.set(addr, offsetVendorID, uint32(0x8086)|uint32(0x1234)<<16)
	f.set(addr, offsetClassCode, uint32(ProgIFNVMe)<<8|uint32(SubClassNVMe)<<16|uint32(ClassMassStorage)<<24)

	devices := Scan(1)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device; got %d", len(devices))
	}

	d := devices[0]
	if d.VendorID != 0x8086 || d.DeviceID != 0x1234 {
		t.Fatalf("unexpected vendor/device id: %x/%x", d.VendorID, d.DeviceID)
	}
	if d.ClassCode != ClassMassStorage || d.SubClass != SubClassNVMe || d.ProgIF != ProgIFNVMe {
		t.Fatalf("unexpected class info: %+v", d)
	}
}

func TestScanSkipsEmptySlots(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	if devices := Scan(2); len(devices) != 0 {
		t.Fatalf("expected no devices; got %d", len(devices))
	}
}

func TestScanMultifunctionDevice(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	base := Address{Bus: 0, Slot: 5, Func: 0}
	f.set(base, offsetVendorID, uint32(0x1af4)|uint32(0x1000)<<16)
	f.set(base, offsetHeaderType, 0x80<<16)

	fn1 := Address{Bus: 0, Slot: 5, Func: 1}
	f.set(fn1, offsetVendorID, uint32(0x1af4)|uint32(0x1001)<<16)

	devices := Scan(1)
	if len(devices) != 2 {
		t.Fatalf("expected 2 functions; got %d", len(devices))
	}
	if !devices[0].Multifunc {
		t.Fatal("expected function 0 to report multifunction header")
	}
}

func TestFindNVMe(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	addr := Address{Bus: 0, Slot: 4, Func: 0}
	f.set(addr, offsetVendorID, uint32(0x144d)|uint32(0xa809)<<16)
	f.set(addr, offsetClassCode, uint32(ProgIFNVMe)<<8|uint32(SubClassNVMe)<<16|uint32(ClassMassStorage)<<24)

	d, ok := FindNVMe(1)
	if !ok {
		t.Fatal("expected to find an NVMe controller")
	}
	if d.Address != addr {
		t.Fatalf("unexpected address: %+v", d.Address)
	}
}

func TestBAR0MemoryMapped32(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	addr := Address{Bus: 0, Slot: 4, Func: 0}
	f.set(addr, offsetBAR0, 0xfebd0000)

	if got := BAR0(addr); got != 0xfebd0000 {
		t.Fatalf("expected BAR0 0xfebd0000; got %x", got)
	}
}

func TestBAR0MemoryMapped64(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	addr := Address{Bus: 0, Slot: 4, Func: 0}
	f.set(addr, offsetBAR0, 0xfebd0000|barMemType64)
	f.set(addr, offsetBAR0+4, 0x1)

	want := uintptr(0x1)<<32 | 0xfebd0000
	if got := BAR0(addr); got != want {
		t.Fatalf("expected BAR0 %x; got %x", want, got)
	}
}

func TestEnableBusMastering(t *testing.T) {
	f := newFakeConfigSpace()
	defer f.install()()

	addr := Address{Bus: 0, Slot: 4, Func: 0}
	EnableBusMastering(addr)

	got := f.regs[addr][offsetCommand]
	if got&commandBusMaster == 0 || got&commandMemSpace == 0 || got&commandIOSpace == 0 {
		t.Fatalf("expected all enable bits set; got %x", got)
	}
}
