package syscall

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel/irq"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDispatchPrintLineDoesNotTouchRegsOrFrame(t *testing.T) {
	msg := []byte("hello")
	frame := irq.Frame{RIP: 0x1000}
	regs := irq.Regs{
		RAX: PrintLine,
		RDI: uint64(uintptr(unsafe.Pointer(&msg[0]))),
		RSI: uint64(len(msg)),
	}

	dispatch(&frame, &regs)

	require.EqualValues(t, 0x1000, frame.RIP)
	require.EqualValues(t, PrintLine, regs.RAX)
}

func TestDispatchExitRestoresSavedContext(t *testing.T) {
	savedFrame = irq.Frame{RIP: 0x2000, CS: 0x08}
	savedRegs = irq.Regs{RAX: 42}

	frame := irq.Frame{RIP: 0xdead, CS: 0x23}
	regs := irq.Regs{RAX: Exit}

	dispatch(&frame, &regs)

	if diff := cmp.Diff(savedFrame, frame); diff != "" {
		t.Fatalf("frame not restored (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(savedRegs, regs); diff != "" {
		t.Fatalf("regs not restored (-want +got):\n%s", diff)
	}
}

func TestDispatchUnknownSyscallIsIgnored(t *testing.T) {
	frame := irq.Frame{RIP: 0x3000}
	regs := irq.Regs{RAX: 0xffff}

	dispatch(&frame, &regs)

	require.EqualValues(t, 0x3000, frame.RIP)
	require.EqualValues(t, 0xffff, regs.RAX)
}

func TestStringArgReinterpretsPointerLenPair(t *testing.T) {
	data := []byte("/boot/init")
	got := stringArg(uint64(uintptr(unsafe.Pointer(&data[0]))), uint64(len(data)))
	require.Equal(t, "/boot/init", got)
	require.Equal(t, "", stringArg(0, 0))
}
