package dbs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func newTestSuperblock(totalExtents uint32) *superblock {
	return &superblock{
		version:             formatVersion,
		totalDeviceExtents:   totalExtents,
		reservedHeadSectors:  64,
		bitmapStartSector:    1,
		bitmapSectors:        1,
		allocCursor:          dataHeapStartExtent,
		nextSnapshotID:       1,
	}
}

func TestAllocatorAllocateFreeRoundTrip(t *testing.T) {
	sb := newTestSuperblock(20)
	ea := newExtentAllocator(sb)

	for extent := uint32(0); extent < dataHeapStartExtent; extent++ {
		err := ea.markUsedAtInit(extent)
		log.PanicIf(err)
	}

	first, err := ea.allocate()
	log.PanicIf(err)

	if first != dataHeapStartExtent {
		t.Fatalf("expected first free-space allocation at (%d), got (%d)", dataHeapStartExtent, first)
	}

	second, err := ea.allocate()
	log.PanicIf(err)

	if second != dataHeapStartExtent+1 {
		t.Fatalf("expected cursor to advance, got (%d)", second)
	}

	err = ea.free(first)
	log.PanicIf(err)

	if ea.get(first) != false {
		t.Fatalf("freed extent still marked used")
	}
}

func TestAllocatorExhaustionIsOutOfSpace(t *testing.T) {
	sb := newTestSuperblock(dataHeapStartExtent + 2)
	ea := newExtentAllocator(sb)

	for extent := uint32(0); extent < dataHeapStartExtent; extent++ {
		err := ea.markUsedAtInit(extent)
		log.PanicIf(err)
	}

	_, err := ea.allocate()
	log.PanicIf(err)

	_, err = ea.allocate()
	log.PanicIf(err)

	_, err = ea.allocate()
	if log.Is(err, ErrOutOfSpace) != true {
		t.Fatalf("expected ErrOutOfSpace once every extent is used, got: %v", err)
	}
}

func TestAllocatorDoubleFreePanics(t *testing.T) {
	sb := newTestSuperblock(20)
	ea := newExtentAllocator(sb)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic freeing an already-free extent")
		}
	}()

	err := ea.free(dataHeapStartExtent)
	log.PanicIf(err)
}

func TestReachableSetIncludesWrittenDataExtent(t *testing.T) {
	path := newScratchDevice(t, defaultScratchSize)

	ok, err := CreateVolume(path, "vol1", 64*SectorSize)
	log.PanicIf(err)
	if ok != true {
		t.Fatalf("create_volume failed")
	}

	vs, err := OpenVolume(path, "vol1")
	log.PanicIf(err)

	err = vs.WriteBlock(0, filledSector(0x5a))
	log.PanicIf(err)
	err = vs.Close()
	log.PanicIf(err)

	d := mustOpenForInspection(t, path)

	headSlot, found := d.snapshots.findBySnapshotID(d.volumes.records[0].CurrentSnapshotID)
	if found != true {
		t.Fatalf("could not resolve head")
	}

	head := &d.snapshots.records[headSlot]
	if head.CurrentDataExtent == 0 {
		t.Fatalf("expected a data extent to have been allocated")
	}

	reachable, err := reachableSet(d)
	log.PanicIf(err)

	if reachable[uint32(head.CurrentDataExtent)] != true {
		t.Fatalf("expected the just-written extent to be reachable")
	}
}
