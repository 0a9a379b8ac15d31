package dbs

import (
	"bytes"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// volumeRecord is the in-memory mirror of one volume-table slot, per
// spec.md §3.
type volumeRecord struct {
	Slot int

	InUse             bool
	Name              string
	SizeBytes         uint64
	CreatedAt         int64
	CurrentSnapshotID uint64
}

// snapshotRecord is the in-memory mirror of one snapshot-table slot, per
// spec.md §3. CurrentDataExtent/NextDataOffset and CurrentMetaExtent/
// NextMetaNodeSlot are the extent-sub-allocation cursors spec.md §4.5
// describes for packing consecutive writes into the same extent.
type snapshotRecord struct {
	Slot int

	InUse            bool
	SnapshotID       uint64
	HasParent        bool
	ParentSnapshotID uint64
	VolumeSlot       int
	Refcount         uint32
	CreatedAt        int64
	State            snapshotState

	RootMapNodeSector uint64

	CurrentDataExtent uint64
	NextDataOffset    uint32

	CurrentMetaExtent uint64
	NextMetaNodeSlot  uint32
}

type volumeTable struct {
	records [VolumeTableSlots]volumeRecord
}

type snapshotTable struct {
	records [SnapshotTableSlots]snapshotRecord
}

func newEmptyVolumeTable() *volumeTable {
	vt := &volumeTable{}
	for i := range vt.records {
		vt.records[i].Slot = i
	}

	return vt
}

func newEmptySnapshotTable() *snapshotTable {
	st := &snapshotTable{}
	for i := range st.records {
		st.records[i].Slot = i
	}

	return st
}

func nameToBytes(name string) (raw [volumeNameSize]byte, err error) {
	if len(name) >= volumeNameSize {
		return raw, log.Wrap(ErrInvalidArgument)
	}

	copy(raw[:], []byte(name))

	return raw, nil
}

func bytesToName(raw [volumeNameSize]byte) string {
	n := bytes.IndexByte(raw[:], 0)
	if n < 0 {
		n = len(raw)
	}

	return string(raw[:n])
}

func (vr *volumeRecord) toOnDisk() (vrod volumeRecordOnDisk, err error) {
	name, err := nameToBytes(vr.Name)
	if err != nil {
		return vrod, err
	}

	inUse := uint8(0)
	if vr.InUse == true {
		inUse = 1
	}

	vrod = volumeRecordOnDisk{
		InUse:             inUse,
		Name:              name,
		SizeBytes:         vr.SizeBytes,
		CreatedAt:         uint64(vr.CreatedAt),
		CurrentSnapshotID: vr.CurrentSnapshotID,
	}

	return vrod, nil
}

func (vr *volumeRecord) fromOnDisk(slot int, vrod volumeRecordOnDisk) {
	vr.Slot = slot
	vr.InUse = vrod.InUse == 1
	vr.Name = bytesToName(vrod.Name)
	vr.SizeBytes = vrod.SizeBytes
	vr.CreatedAt = int64(vrod.CreatedAt)
	vr.CurrentSnapshotID = vrod.CurrentSnapshotID
}

func (sr *snapshotRecord) toOnDisk() snapshotRecordOnDisk {
	inUse := uint8(0)
	if sr.InUse == true {
		inUse = 1
	}

	hasParent := uint8(0)
	if sr.HasParent == true {
		hasParent = 1
	}

	return snapshotRecordOnDisk{
		InUse:             inUse,
		HasParent:         hasParent,
		State:             uint8(sr.State),
		SnapshotID:        sr.SnapshotID,
		ParentSnapshotID:  sr.ParentSnapshotID,
		VolumeSlot:        uint32(sr.VolumeSlot),
		Refcount:          sr.Refcount,
		CreatedAt:         uint64(sr.CreatedAt),
		RootMapNodeSector: sr.RootMapNodeSector,
		CurrentDataExtent: sr.CurrentDataExtent,
		NextDataOffset:    sr.NextDataOffset,
		CurrentMetaExtent: sr.CurrentMetaExtent,
		NextMetaNodeSlot:  sr.NextMetaNodeSlot,
	}
}

func (sr *snapshotRecord) fromOnDisk(slot int, srod snapshotRecordOnDisk) {
	sr.Slot = slot
	sr.InUse = srod.InUse == 1
	sr.HasParent = srod.HasParent == 1
	sr.State = snapshotState(srod.State)
	sr.SnapshotID = srod.SnapshotID
	sr.ParentSnapshotID = srod.ParentSnapshotID
	sr.VolumeSlot = int(srod.VolumeSlot)
	sr.Refcount = srod.Refcount
	sr.CreatedAt = int64(srod.CreatedAt)
	sr.RootMapNodeSector = srod.RootMapNodeSector
	sr.CurrentDataExtent = srod.CurrentDataExtent
	sr.NextDataOffset = srod.NextDataOffset
	sr.CurrentMetaExtent = srod.CurrentMetaExtent
	sr.NextMetaNodeSlot = srod.NextMetaNodeSlot
}

func readVolumeTable(bio *blockIo, sb *superblock) (vt *volumeTable, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	raw, err := bio.readSectors(uint64(sb.volumeTableStartSector), volumeTableExtentCount*ExtentSectors)
	log.PanicIf(err)

	vt = &volumeTable{}

	for i := 0; i < VolumeTableSlots; i++ {
		chunk := raw[i*volumeRecordSize : (i+1)*volumeRecordSize]

		var vrod volumeRecordOnDisk
		err := restruct.Unpack(chunk, defaultEncoding, &vrod)
		log.PanicIf(err)

		vt.records[i].fromOnDisk(i, vrod)
	}

	return vt, nil
}

func (vt *volumeTable) write(bio *blockIo, sb *superblock) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	raw := make([]byte, VolumeTableSlots*volumeRecordSize)

	for i := 0; i < VolumeTableSlots; i++ {
		vrod, err := vt.records[i].toOnDisk()
		log.PanicIf(err)

		packed, err := restruct.Pack(defaultEncoding, &vrod)
		log.PanicIf(err)

		copy(raw[i*volumeRecordSize:(i+1)*volumeRecordSize], packed)
	}

	err = bio.writeSectors(uint64(sb.volumeTableStartSector), raw)
	log.PanicIf(err)

	return nil
}

func readSnapshotTable(bio *blockIo, sb *superblock) (st *snapshotTable, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	raw, err := bio.readSectors(uint64(sb.snapshotTableStartSector), snapshotTableExtentCount*ExtentSectors)
	log.PanicIf(err)

	st = &snapshotTable{}

	for i := 0; i < SnapshotTableSlots; i++ {
		chunk := raw[i*snapshotRecordSize : (i+1)*snapshotRecordSize]

		var srod snapshotRecordOnDisk
		err := restruct.Unpack(chunk, defaultEncoding, &srod)
		log.PanicIf(err)

		st.records[i].fromOnDisk(i, srod)
	}

	return st, nil
}

func (st *snapshotTable) write(bio *blockIo, sb *superblock) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	raw := make([]byte, SnapshotTableSlots*snapshotRecordSize)

	for i := 0; i < SnapshotTableSlots; i++ {
		srod := st.records[i].toOnDisk()

		packed, err := restruct.Pack(defaultEncoding, &srod)
		log.PanicIf(err)

		copy(raw[i*snapshotRecordSize:(i+1)*snapshotRecordSize], packed)
	}

	err = bio.writeSectors(uint64(sb.snapshotTableStartSector), raw)
	log.PanicIf(err)

	return nil
}

func (vt *volumeTable) findByName(name string) (slot int, found bool) {
	for i := range vt.records {
		if vt.records[i].InUse == true && vt.records[i].Name == name {
			return i, true
		}
	}

	return -1, false
}

// findFreeSlot finds the lowest-indexed free slot, reproducing the
// "create goes in empty spot" behavior spec.md §4.4 requires.
func (vt *volumeTable) findFreeSlot() (slot int, found bool) {
	for i := range vt.records {
		if vt.records[i].InUse == false {
			return i, true
		}
	}

	return -1, false
}

func (st *snapshotTable) findBySnapshotID(id uint64) (slot int, found bool) {
	for i := range st.records {
		if st.records[i].InUse == true && st.records[i].SnapshotID == id {
			return i, true
		}
	}

	return -1, false
}

func (st *snapshotTable) findFreeSlot() (slot int, found bool) {
	for i := range st.records {
		if st.records[i].InUse == false {
			return i, true
		}
	}

	return -1, false
}

// chainLength returns the number of hops from the given snapshot to its
// root, inclusive, validating acyclicity per spec.md invariant 6 /
// spec.md §8 property 2.
func (st *snapshotTable) chainLength(headSlot int) (length int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	visited := make(map[int]bool)

	slot := headSlot
	for {
		if visited[slot] == true {
			panic(log.Wrap(ErrCorrupt))
		}

		visited[slot] = true
		length++

		sr := &st.records[slot]
		if sr.HasParent == false {
			break
		}

		parentSlot, found := st.findBySnapshotID(sr.ParentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		slot = parentSlot

		if length > SnapshotTableSlots {
			panic(log.Wrap(ErrCorrupt))
		}
	}

	return length, nil
}

// chainRootedAt returns every snapshot slot in the chain from headSlot
// to its root, head first.
func (st *snapshotTable) chainRootedAt(headSlot int) (slots []int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	slots = make([]int, 0)

	slot := headSlot
	for {
		slots = append(slots, slot)

		sr := &st.records[slot]
		if sr.HasParent == false {
			break
		}

		parentSlot, found := st.findBySnapshotID(sr.ParentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		slot = parentSlot

		if len(slots) > SnapshotTableSlots {
			panic(log.Wrap(ErrCorrupt))
		}
	}

	return slots, nil
}

// chainLengthWithinVolume counts the snapshots from headSlot toward the
// root, stopping before the first parent owned by a different volume
// slot. A cloned volume's head has its ParentSnapshotID set to the donor
// snapshot (lifecycle.go's CloneSnapshot) so that its reads fall through
// to the donor and the donor's refcount counts it, but that link does not
// extend the new volume's own reported history, so reporting callers (GetVolumeInfo,
// GetSnapshotInfo) must stop at that boundary per spec.md §8's S6
// ("both clones exist with their own length-1 chains"). The unrestricted
// walk (chainLength) remains correct for the physical graph operations
// in session.go/lifecycle.go that need to see past the clone boundary.
func (st *snapshotTable) chainLengthWithinVolume(headSlot int) (length int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	ownerVolumeSlot := st.records[headSlot].VolumeSlot
	visited := make(map[int]bool)

	slot := headSlot
	for {
		if visited[slot] == true {
			panic(log.Wrap(ErrCorrupt))
		}

		visited[slot] = true
		length++

		sr := &st.records[slot]
		if sr.HasParent == false {
			break
		}

		parentSlot, found := st.findBySnapshotID(sr.ParentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		if st.records[parentSlot].VolumeSlot != ownerVolumeSlot {
			break
		}

		slot = parentSlot

		if length > SnapshotTableSlots {
			panic(log.Wrap(ErrCorrupt))
		}
	}

	return length, nil
}

// chainRootedAtWithinVolume is chainRootedAt bounded at the same
// volume-ownership crossing chainLengthWithinVolume stops at.
func (st *snapshotTable) chainRootedAtWithinVolume(headSlot int) (slots []int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	ownerVolumeSlot := st.records[headSlot].VolumeSlot
	slots = make([]int, 0)

	slot := headSlot
	for {
		slots = append(slots, slot)

		sr := &st.records[slot]
		if sr.HasParent == false {
			break
		}

		parentSlot, found := st.findBySnapshotID(sr.ParentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		if st.records[parentSlot].VolumeSlot != ownerVolumeSlot {
			break
		}

		slot = parentSlot

		if len(slots) > SnapshotTableSlots {
			panic(log.Wrap(ErrCorrupt))
		}
	}

	return slots, nil
}

// children returns the slots of every in-use snapshot whose parent is
// the snapshot at parentSlot.
func (st *snapshotTable) children(parentSlot int) (childSlots []int) {
	parentID := st.records[parentSlot].SnapshotID

	for i := range st.records {
		sr := &st.records[i]
		if sr.InUse == true && sr.HasParent == true && sr.ParentSnapshotID == parentID {
			childSlots = append(childSlots, i)
		}
	}

	return childSlots
}

// reparentChildren rebinds every in-use child of oldParentSlot to point at
// the given new parent (or becomes a root if hasNewParent is false),
// implementing the detach step of delete_snapshot (spec.md §4.5). Returns
// the number of children moved.
func (st *snapshotTable) reparentChildren(oldParentSlot int, hasNewParent bool, newParentID uint64) (moved int) {
	oldParentID := st.records[oldParentSlot].SnapshotID

	for i := range st.records {
		sr := &st.records[i]
		if sr.InUse == true && sr.HasParent == true && sr.ParentSnapshotID == oldParentID {
			sr.HasParent = hasNewParent
			sr.ParentSnapshotID = newParentID
			moved++
		}
	}

	return moved
}

// clearVolumeRecord resets a slot to its free state, preserving Slot.
func clearVolumeRecord(vr *volumeRecord) {
	slot := vr.Slot
	*vr = volumeRecord{Slot: slot}
}

// clearSnapshotRecord resets a slot to its free state, preserving Slot.
func clearSnapshotRecord(sr *snapshotRecord) {
	slot := sr.Slot
	*sr = snapshotRecord{Slot: slot}
}
