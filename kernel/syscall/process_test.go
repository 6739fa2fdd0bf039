package syscall

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/fs"
	"github.com/dracoos/draco/kernel/fs/fat32"
	"github.com/dracoos/draco/kernel/fs/gpt"
	"github.com/dracoos/draco/kernel/gdt"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/mem/pmm"
	"github.com/dracoos/draco/kernel/mem/vmm"
	"github.com/stretchr/testify/require"
)

// rawDisk is a fs.BlockDevice backed by an in-memory sector array, mirroring
// the fixture kernel/fs/fat32's own tests use.
type rawDisk struct {
	sectors map[uint64][fs.SectorSize]byte
}

func (d *rawDisk) ReadBlocks(lba uint64, count uint16, buf unsafe.Pointer) *kernel.Error {
	out := (*[fs.SectorSize]byte)(buf)
	sector := d.sectors[lba]
	*out = sector
	return nil
}

func (d *rawDisk) set(lba uint64, sector [fs.SectorSize]byte) {
	d.sectors[lba] = sector
}

// newBootFS lays out a one-cluster-per-file FAT32 volume holding a single
// file, INIT, containing elfImage: boot sector at LBA 0, the (one-sector)
// FAT at LBA 1, the root directory's only cluster at LBA 2, the file's data
// at LBA 3.
func newBootFS(t *testing.T, elfImage []byte) *fat32.FileSystem {
	t.Helper()

	disk := &rawDisk{sectors: make(map[uint64][fs.SectorSize]byte)}

	var boot [fs.SectorSize]byte
	binary.LittleEndian.PutUint16(boot[11:13], fs.SectorSize)
	boot[13] = 1
	binary.LittleEndian.PutUint16(boot[14:16], 1)
	boot[16] = 1
	binary.LittleEndian.PutUint16(boot[17:19], 0)
	boot[21] = 0xF8
	binary.LittleEndian.PutUint32(boot[32:36], 16)
	binary.LittleEndian.PutUint32(boot[36:40], 1)
	binary.LittleEndian.PutUint32(boot[44:48], 2)
	disk.set(0, boot)

	var fatSector [fs.SectorSize]byte
	binary.LittleEndian.PutUint32(fatSector[2*4:2*4+4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fatSector[3*4:3*4+4], 0x0FFFFFF8)
	disk.set(1, fatSector)

	var rootDir [fs.SectorSize]byte
	copy(rootDir[0:8], "INIT    ")
	copy(rootDir[8:11], "   ")
	rootDir[11] = 0
	binary.LittleEndian.PutUint16(rootDir[20:22], 0)
	binary.LittleEndian.PutUint16(rootDir[26:28], 3)
	binary.LittleEndian.PutUint32(rootDir[28:32], uint32(len(elfImage)))
	disk.set(2, rootDir)

	var fileSector [fs.SectorSize]byte
	copy(fileSector[:], elfImage)
	disk.set(3, fileSector)

	partition := gpt.PartitionEntry{StartingLBA: 0, EndingLBA: 15}
	bootFS, err := fat32.ReadFromDisk(partition, disk)
	require.Nil(t, err)
	return bootFS
}

// buildElfImage assembles a minimal ET_EXEC x86_64 image with one PT_LOAD
// segment, laid out as [header][program header][payload].
func buildElfImage(t *testing.T, entry, vaddr uint64, payload []byte) []byte {
	t.Helper()

	const headerSize = 64
	const progHeaderSize = 56

	buf := make([]byte, headerSize+progHeaderSize+len(payload))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], headerSize)
	binary.LittleEndian.PutUint16(buf[54:56], progHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	phOff := headerSize
	binary.LittleEndian.PutUint32(buf[phOff:phOff+4], 1) // PT_LOAD
	binary.LittleEndian.PutUint64(buf[phOff+8:phOff+16], uint64(headerSize+progHeaderSize))
	binary.LittleEndian.PutUint64(buf[phOff+16:phOff+24], vaddr)
	binary.LittleEndian.PutUint64(buf[phOff+32:phOff+40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[phOff+40:phOff+48], uint64(len(payload)))

	copy(buf[headerSize+progHeaderSize:], payload)
	return buf
}

func TestSpawnMapsImageAndEntersUserMode(t *testing.T) {
	const entryAddr = processStart + 0x200
	payload := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	img := buildElfImage(t, entryAddr, processStart, payload)

	Init(newBootFS(t, img))

	origMap, origAlloc, origCopy := mapFn, allocFrameFn, copySegmentFn
	defer func() { mapFn, allocFrameFn, copySegmentFn = origMap, origAlloc, origCopy }()

	nextFrame := pmm.Frame(0)
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		nextFrame++
		return nextFrame, nil
	}

	var mappedPages []vmm.Page
	mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag, alloc vmm.FrameAllocatorFn) *kernel.Error {
		mappedPages = append(mappedPages, page)
		return nil
	}

	var copied []byte
	var copiedOff uint64
	copySegmentFn = func(destOff uint64, data []byte, memSize uint64) {
		copiedOff = destOff
		copied = append([]byte(nil), data...)
	}

	pathBytes := []byte("/INIT")
	frame := irq.Frame{}
	regs := irq.Regs{
		RAX: Spawn,
		RDI: uint64(uintptr(unsafe.Pointer(&pathBytes[0]))),
		RSI: uint64(len(pathBytes)),
	}

	dispatch(&frame, &regs)

	require.Len(t, mappedPages, processPages)
	require.EqualValues(t, 0, copiedOff)
	require.Equal(t, payload, copied)
	require.EqualValues(t, entryAddr, frame.RIP)
	require.Equal(t, gdt.UserCode, frame.CS)
	require.Equal(t, gdt.UserData, frame.SS)
	require.EqualValues(t, 0, regs.RAX)
}
