package dbs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func newBlockMapTestDevice(t *testing.T) (*Device, *snapshotRecord) {
	t.Helper()

	path := newScratchDevice(t, defaultScratchSize)

	ok, err := CreateVolume(path, "vol1", 4096*SectorSize)
	log.PanicIf(err)
	if ok != true {
		t.Fatalf("create_volume failed")
	}

	d := mustOpenForInspection(t, path)

	headSlot, found := d.snapshots.findBySnapshotID(d.volumes.records[0].CurrentSnapshotID)
	if found != true {
		t.Fatalf("could not resolve head")
	}

	return d, &d.snapshots.records[headSlot]
}

func TestBlockMapInsertLookupOwn(t *testing.T) {
	d, sr := newBlockMapTestDevice(t)
	bm := newBlockMap(d, sr)

	_, present, err := bm.lookupOwn(42)
	log.PanicIf(err)
	if present != false {
		t.Fatalf("expected absent entry before any insert")
	}

	err = bm.insert(42, 1234)
	log.PanicIf(err)

	phys, present, err := bm.lookupOwn(42)
	log.PanicIf(err)
	if present != true || phys != 1234 {
		t.Fatalf("lookupOwn mismatch after insert: present=%v phys=%d", present, phys)
	}
}

func TestBlockMapUnmappedSentinelRoundTrips(t *testing.T) {
	d, sr := newBlockMapTestDevice(t)
	bm := newBlockMap(d, sr)

	err := bm.insert(7, unmappedSentinel)
	log.PanicIf(err)

	phys, present, err := bm.lookupOwn(7)
	log.PanicIf(err)
	if present != true || phys != unmappedSentinel {
		t.Fatalf("expected the unmapped sentinel to round-trip, got present=%v phys=%d", present, phys)
	}
}

func TestBlockMapForEachLeafVisitsEveryEntry(t *testing.T) {
	d, sr := newBlockMapTestDevice(t)
	bm := newBlockMap(d, sr)

	want := map[uint32]uint64{
		0:         100,
		1:         200,
		256:       300,
		65536:     400,
		16777216:  500,
	}

	for lbi, phys := range want {
		err := bm.insert(lbi, phys)
		log.PanicIf(err)
	}

	got := make(map[uint32]uint64)
	err := bm.forEachLeaf(func(lbi uint32, phys uint64) error {
		got[lbi] = phys
		return nil
	})
	log.PanicIf(err)

	if len(got) != len(want) {
		t.Fatalf("forEachLeaf visited (%d) entries, expected (%d)", len(got), len(want))
	}

	for lbi, phys := range want {
		if got[lbi] != phys {
			t.Fatalf("forEachLeaf entry mismatch at lbi=(%d): got=(%d) want=(%d)", lbi, got[lbi], phys)
		}
	}
}

func TestBlockMapAllExtentsNonEmptyAfterInsert(t *testing.T) {
	d, sr := newBlockMapTestDevice(t)
	bm := newBlockMap(d, sr)

	err := bm.insert(0, 999)
	log.PanicIf(err)

	extents, err := bm.allExtents()
	log.PanicIf(err)

	if len(extents) == 0 {
		t.Fatalf("expected at least one metadata extent after an insert")
	}
}

func TestLevelIndexCoversFullFanout(t *testing.T) {
	lbi := uint32(0x01020304)

	if levelIndex(lbi, 0) != 0x01 {
		t.Fatalf("level 0 index mismatch: got (%x)", levelIndex(lbi, 0))
	}

	if levelIndex(lbi, 1) != 0x02 {
		t.Fatalf("level 1 index mismatch: got (%x)", levelIndex(lbi, 1))
	}

	if levelIndex(lbi, 2) != 0x03 {
		t.Fatalf("level 2 index mismatch: got (%x)", levelIndex(lbi, 2))
	}

	if levelIndex(lbi, 3) != 0x04 {
		t.Fatalf("level 3 (leaf) index mismatch: got (%x)", levelIndex(lbi, 3))
	}
}
