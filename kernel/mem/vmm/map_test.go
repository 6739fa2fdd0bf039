package vmm

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

// fakeTables backs a small in-memory paging hierarchy addressed by table
// index rather than physical address, so tests can exercise walk()/Map()/
// Unmap() without touching real memory.
type fakeTables struct {
	tables [][512]pageTableEntry
}

func newFakeTables(n int) *fakeTables {
	return &fakeTables{tables: make([][512]pageTableEntry, n)}
}

func (f *fakeTables) addr(tableIdx int) uintptr {
	return uintptr(unsafe.Pointer(&f.tables[tableIdx][0]))
}

func (f *fakeTables) install(t *testing.T) func() {
	t.Helper()

	origRoot, origEntry, origFlush, origZero := rootTableFn, tableEntryPtr, flushTLBEntryFn, zeroTableFn
	rootTableFn = func() uintptr { return f.addr(0) }
	tableEntryPtr = func(tableAddr uintptr, index uint) *pageTableEntry {
		for i := range f.tables {
			if f.addr(i) == tableAddr {
				return &f.tables[i][index]
			}
		}
		t.Fatalf("tableEntryPtr: no fake table at address %x", tableAddr)
		return nil
	}
	flushTLBEntryFn = func(uintptr) {}
	zeroTableFn = func(pmm.Frame) {}

	return func() {
		rootTableFn, tableEntryPtr, flushTLBEntryFn, zeroTableFn = origRoot, origEntry, origFlush, origZero
	}
}

func TestMapAllocatesIntermediateTables(t *testing.T) {
	ft := newFakeTables(pageLevels)
	defer ft.install(t)()

	nextTable := 1
	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := pmm.Frame(ft.addr(nextTable) >> mem.PageShift)
		nextTable++
		return f, nil
	}

	frame := pmm.Frame(123)
	page := PageFromAddress(0)

	if err := Map(page, frame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	for level := 0; level < pageLevels; level++ {
		pte := ft.tables[level][0]
		if !pte.HasFlags(FlagPresent) {
			t.Errorf("level %d: expected FlagPresent", level)
		}

		if level == pageLevels-1 {
			if got := pte.Frame(); got != frame {
				t.Errorf("level %d: expected frame %v, got %v", level, frame, got)
			}
			continue
		}

		expFrame := pmm.Frame(ft.addr(level+1) >> mem.PageShift)
		if got := pte.Frame(); got != expFrame {
			t.Errorf("level %d: expected intermediate frame %v; got %v", level, expFrame, got)
		}
	}
}

func TestMapHugePageRejected(t *testing.T) {
	ft := newFakeTables(1)
	defer ft.install(t)()

	ft.tables[0][0].SetFlags(FlagPresent | FlagHugePage)

	if err := Map(PageFromAddress(0), pmm.Frame(1), FlagRW, nil); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

func TestMapOverExistingLeafPanics(t *testing.T) {
	ft := newFakeTables(pageLevels)
	defer ft.install(t)()

	defer func(origPanic func(*kernel.Error)) { panicFn = origPanic }(panicFn)

	for level := 0; level < pageLevels-1; level++ {
		ft.tables[level][0].SetFlags(FlagPresent | FlagRW)
		ft.tables[level][0].SetFrame(pmm.Frame(ft.addr(level+1) >> mem.PageShift))
	}
	ft.tables[pageLevels-1][0].SetFlags(FlagPresent | FlagRW)
	ft.tables[pageLevels-1][0].SetFrame(pmm.Frame(7))

	var gotErr *kernel.Error
	panicFn = func(err *kernel.Error) { gotErr = err }

	if err := Map(PageFromAddress(0), pmm.Frame(1), FlagRW, nil); err != nil {
		t.Fatalf("expected nil error from Map; got %v", err)
	}
	if gotErr != errMapOverExistingLeaf {
		t.Fatalf("expected panicFn called with errMapOverExistingLeaf; got %v", gotErr)
	}

	// The existing leaf must be left untouched.
	if got := ft.tables[pageLevels-1][0].Frame(); got != pmm.Frame(7) {
		t.Errorf("expected existing frame 7 to be preserved; got %v", got)
	}
}

func TestMapAllocFailure(t *testing.T) {
	ft := newFakeTables(1)
	defer ft.install(t)()

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	allocFn := func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }

	if err := Map(PageFromAddress(0), pmm.Frame(1), FlagRW, allocFn); err != expErr {
		t.Fatalf("expected %v; got %v", expErr, err)
	}
}

func TestUnmap(t *testing.T) {
	ft := newFakeTables(pageLevels)
	defer ft.install(t)()

	frame := pmm.Frame(123)
	for level := 0; level < pageLevels; level++ {
		ft.tables[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			ft.tables[level][0].SetFrame(pmm.Frame(ft.addr(level+1) >> mem.PageShift))
		} else {
			ft.tables[level][0].SetFrame(frame)
		}
	}

	if err := Unmap(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	if ft.tables[pageLevels-1][0].HasFlags(FlagPresent) {
		t.Error("expected last-level entry to no longer be present")
	}
	if got := ft.tables[pageLevels-1][0].Frame(); got != frame {
		t.Errorf("expected frame to be left untouched at %v; got %v", frame, got)
	}
}

func TestUnmapErrors(t *testing.T) {
	ft := newFakeTables(1)
	defer ft.install(t)()

	t.Run("huge page", func(t *testing.T) {
		ft.tables[0][0] = 0
		ft.tables[0][0].SetFlags(FlagPresent | FlagHugePage)

		if err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("not mapped", func(t *testing.T) {
		ft.tables[0][0] = 0

		if err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping; got %v", err)
		}
	})
}
