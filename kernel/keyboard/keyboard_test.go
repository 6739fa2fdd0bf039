package keyboard

import "testing"

func TestHandleScancodeDropsKeyReleases(t *testing.T) {
	for scancodes.Len() > 0 {
		scancodes.Pop()
	}

	handleScancode(0x1e)        // 'A' make code
	handleScancode(0x1e | 0x80) // 'A' break code

	code, ok := ReadScancode()
	if !ok || code != 0x1e {
		t.Fatalf("expected make code 0x1e; got %#x, %v", code, ok)
	}
	if _, ok := ReadScancode(); ok {
		t.Fatal("expected break code to have been dropped")
	}
}

func TestOnIRQReadsScancodeAndSignalsEOI(t *testing.T) {
	for scancodes.Len() > 0 {
		scancodes.Pop()
	}

	origInb := inbFn
	defer func() { inbFn = origInb }()
	inbFn = func(uint16) byte { return 0x20 }

	eoiCalled := false
	onIRQ(func() { eoiCalled = true })(nil)

	if !eoiCalled {
		t.Fatal("expected EOI callback to be invoked")
	}
	if code, ok := ReadScancode(); !ok || code != 0x20 {
		t.Fatalf("expected scancode 0x20 buffered; got %#x, %v", code, ok)
	}
}
