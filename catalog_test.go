package dbs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVolumeTableFindByNameAndFreeSlot(t *testing.T) {
	vt := newEmptyVolumeTable()

	slot, found := vt.findFreeSlot()
	if found != true || slot != 0 {
		t.Fatalf("expected slot 0 free on an empty table, got slot=(%d) found=%v", slot, found)
	}

	vt.records[0].InUse = true
	vt.records[0].Name = "vol1"

	found2, ok := vt.findByName("vol1")
	if ok != true || found2 != 0 {
		t.Fatalf("findByName failed to resolve vol1")
	}

	_, ok = vt.findByName("missing")
	if ok == true {
		t.Fatalf("findByName resolved a name that was never inserted")
	}

	next, found := vt.findFreeSlot()
	if found != true || next != 1 {
		t.Fatalf("expected next free slot to be 1, got (%d)", next)
	}
}

func TestSnapshotTableChainLengthAndRootedAt(t *testing.T) {
	st := newEmptySnapshotTable()

	st.records[0] = snapshotRecord{Slot: 0, InUse: true, SnapshotID: 1, HasParent: false}
	st.records[1] = snapshotRecord{Slot: 1, InUse: true, SnapshotID: 2, HasParent: true, ParentSnapshotID: 1}
	st.records[2] = snapshotRecord{Slot: 2, InUse: true, SnapshotID: 3, HasParent: true, ParentSnapshotID: 2}

	length, err := st.chainLength(2)
	log.PanicIf(err)
	if length != 3 {
		t.Fatalf("expected chain length 3, got (%d)", length)
	}

	chain, err := st.chainRootedAt(2)
	log.PanicIf(err)
	if len(chain) != 3 || chain[0] != 2 || chain[2] != 0 {
		t.Fatalf("unexpected chain order: %v", chain)
	}
}

// TestSnapshotTableChainWithinVolumeStopsAtOwnershipBoundary pins the
// difference between the unrestricted chain walk (used by session.go's
// CoW read resolution, which must see past a clone's donor) and the
// volume-bounded walk (used by GetVolumeInfo/GetSnapshotInfo's reporting,
// which must not): a clone's head has ParentSnapshotID pointing at the
// donor snapshot, but the donor lives in a different VolumeSlot, so the
// bounded walk must stop there.
func TestSnapshotTableChainWithinVolumeStopsAtOwnershipBoundary(t *testing.T) {
	st := newEmptySnapshotTable()

	st.records[0] = snapshotRecord{Slot: 0, InUse: true, SnapshotID: 1, VolumeSlot: 0, HasParent: false}
	st.records[1] = snapshotRecord{Slot: 1, InUse: true, SnapshotID: 2, VolumeSlot: 0, HasParent: true, ParentSnapshotID: 1}

	st.records[2] = snapshotRecord{Slot: 2, InUse: true, SnapshotID: 3, VolumeSlot: 1, HasParent: true, ParentSnapshotID: 2}

	length, err := st.chainLength(2)
	log.PanicIf(err)
	if length != 3 {
		t.Fatalf("expected unrestricted chain length 3 across the clone boundary, got (%d)", length)
	}

	chain, err := st.chainRootedAt(2)
	log.PanicIf(err)
	if len(chain) != 3 {
		t.Fatalf("expected unrestricted chain to include all 3 slots, got %v", chain)
	}

	boundedLength, err := st.chainLengthWithinVolume(2)
	log.PanicIf(err)
	if boundedLength != 1 {
		t.Fatalf("expected volume-bounded chain length 1 at the clone's own slot, got (%d)", boundedLength)
	}

	boundedChain, err := st.chainRootedAtWithinVolume(2)
	log.PanicIf(err)
	if len(boundedChain) != 1 || boundedChain[0] != 2 {
		t.Fatalf("expected volume-bounded chain to contain only slot 2, got %v", boundedChain)
	}
}

func TestSnapshotTableChainLengthDetectsCycle(t *testing.T) {
	st := newEmptySnapshotTable()

	st.records[0] = snapshotRecord{Slot: 0, InUse: true, SnapshotID: 1, HasParent: true, ParentSnapshotID: 2}
	st.records[1] = snapshotRecord{Slot: 1, InUse: true, SnapshotID: 2, HasParent: true, ParentSnapshotID: 1}

	_, err := st.chainLength(0)
	if log.Is(err, ErrCorrupt) != true {
		t.Fatalf("expected ErrCorrupt for a cyclic chain, got: %v", err)
	}
}

func TestSnapshotTableChildrenAndReparent(t *testing.T) {
	st := newEmptySnapshotTable()

	st.records[0] = snapshotRecord{Slot: 0, InUse: true, SnapshotID: 1, HasParent: false}
	st.records[1] = snapshotRecord{Slot: 1, InUse: true, SnapshotID: 2, HasParent: true, ParentSnapshotID: 1}
	st.records[2] = snapshotRecord{Slot: 2, InUse: true, SnapshotID: 3, HasParent: true, ParentSnapshotID: 1}

	children := st.children(0)
	if len(children) != 2 {
		t.Fatalf("expected 2 children of slot 0, got (%d)", len(children))
	}

	moved := st.reparentChildren(0, false, 0)
	if moved != 2 {
		t.Fatalf("expected 2 records reparented, got (%d)", moved)
	}

	if st.records[1].HasParent == true || st.records[2].HasParent == true {
		t.Fatalf("reparented children should have become roots")
	}
}

func TestNameToBytesRejectsOversizeName(t *testing.T) {
	long := make([]byte, volumeNameSize)
	for i := range long {
		long[i] = 'x'
	}

	_, err := nameToBytes(string(long))
	if log.Is(err, ErrInvalidArgument) != true {
		t.Fatalf("expected ErrInvalidArgument for a name at the size limit, got: %v", err)
	}
}

func TestClearSnapshotRecordPreservesSlot(t *testing.T) {
	sr := &snapshotRecord{Slot: 7, InUse: true, SnapshotID: 99}

	clearSnapshotRecord(sr)

	if sr.Slot != 7 {
		t.Fatalf("clearSnapshotRecord must preserve Slot, got (%d)", sr.Slot)
	}

	if sr.InUse == true {
		t.Fatalf("clearSnapshotRecord did not clear InUse")
	}
}
