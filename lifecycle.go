package dbs

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// CreateVolume creates a new volume with a single writable head snapshot,
// per spec.md §4.4. Returns false on duplicate name or exhausted volume
// or snapshot slots.
func CreateVolume(path, name string, sizeBytes uint64) (ok bool, err error) {
	if sizeBytes%SectorSize != 0 {
		return false, log.Wrap(ErrInvalidArgument)
	}

	if len(name) >= volumeNameSize {
		return false, log.Wrap(ErrInvalidArgument)
	}

	return runMutation(path, func(d *Device) (err error) {
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

		if _, found := d.volumes.findByName(name); found == true {
			panic(log.Wrap(ErrAlreadyExists))
		}

		volSlot, found := d.volumes.findFreeSlot()
		if found == false {
			panic(log.Wrap(ErrOutOfSpace))
		}

		snapSlot, found := d.snapshots.findFreeSlot()
		if found == false {
			panic(log.Wrap(ErrOutOfSpace))
		}

		snapshotID := d.sb.nextSnapshotID
		d.sb.nextSnapshotID++

		sr := &d.snapshots.records[snapSlot]
		*sr = snapshotRecord{
			Slot:       snapSlot,
			InUse:      true,
			SnapshotID: snapshotID,
			HasParent:  false,
			VolumeSlot: volSlot,
			Refcount:   1,
			CreatedAt:  nowUnix(),
			State:      snapshotStateWritableHead,
		}

		vr := &d.volumes.records[volSlot]
		*vr = volumeRecord{
			Slot:              volSlot,
			InUse:             true,
			Name:              name,
			SizeBytes:         sizeBytes,
			CreatedAt:         nowUnix(),
			CurrentSnapshotID: snapshotID,
		}

		return nil
	})
}

// RenameVolume renames a volume in place, per spec.md §4.4. Returns false
// if the name doesn't resolve or the new name is already taken.
func RenameVolume(path, name, newName string) (ok bool, err error) {
	if len(newName) >= volumeNameSize {
		return false, log.Wrap(ErrInvalidArgument)
	}

	return runMutation(path, func(d *Device) (err error) {
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

		slot, found := d.volumes.findByName(name)
		if found == false {
			panic(log.Wrap(ErrNotFound))
		}

		if newName != name {
			if _, found := d.volumes.findByName(newName); found == true {
				panic(log.Wrap(ErrAlreadyExists))
			}
		}

		d.volumes.records[slot].Name = newName

		return nil
	})
}

// DeleteVolume walks the named volume's chain from its head, decrementing
// refcounts and freeing any snapshot that reaches zero, per spec.md §4.4/
// §4.5. Returns false if the name doesn't resolve.
func DeleteVolume(path, name string) (ok bool, err error) {
	return runMutation(path, func(d *Device) (err error) {
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

		volSlot, found := d.volumes.findByName(name)
		if found == false {
			panic(log.Wrap(ErrNotFound))
		}

		vr := &d.volumes.records[volSlot]
		headSlot, found := d.snapshots.findBySnapshotID(vr.CurrentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		slot := headSlot
		for {
			sr := &d.snapshots.records[slot]
			sr.Refcount--

			if sr.Refcount != 0 {
				break
			}

			hasParent := sr.HasParent
			parentID := sr.ParentSnapshotID

			bm := newBlockMap(d, sr)
			metaExtents, err := bm.allExtents()
			log.PanicIf(err)

			for extent := range metaExtents {
				err := d.allocator.free(extent)
				log.PanicIf(err)
			}

			clearSnapshotRecord(sr)

			if hasParent == false {
				break
			}

			nextSlot, found := d.snapshots.findBySnapshotID(parentID)
			if found == false {
				panic(log.Wrap(ErrCorrupt))
			}

			slot = nextSlot
		}

		clearVolumeRecord(vr)

		err = vacuum(d)
		log.PanicIf(err)

		return nil
	})
}

// CreateSnapshot seals the named volume's current head and gives it a new
// writable head child, per spec.md §4.5. The sealed snapshot's refcount is
// left unchanged: it loses the volume's direct claim but gains exactly one
// child claim from the new head, a net no-op.
func CreateSnapshot(path, volumeName string) (ok bool, err error) {
	return runMutation(path, func(d *Device) (err error) {
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

		volSlot, found := d.volumes.findByName(volumeName)
		if found == false {
			panic(log.Wrap(ErrNotFound))
		}

		vr := &d.volumes.records[volSlot]

		headSlot, found := d.snapshots.findBySnapshotID(vr.CurrentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		head := &d.snapshots.records[headSlot]

		newSlot, found := d.snapshots.findFreeSlot()
		if found == false {
			panic(log.Wrap(ErrOutOfSpace))
		}

		if head.HasParent == true {
			head.State = snapshotStateSealedInternal
		} else {
			head.State = snapshotStateSealedRoot
		}

		newID := d.sb.nextSnapshotID
		d.sb.nextSnapshotID++

		newHead := &d.snapshots.records[newSlot]
		*newHead = snapshotRecord{
			Slot:             newSlot,
			InUse:            true,
			SnapshotID:       newID,
			HasParent:        true,
			ParentSnapshotID: head.SnapshotID,
			VolumeSlot:       volSlot,
			Refcount:         1,
			CreatedAt:        nowUnix(),
			State:            snapshotStateWritableHead,
		}

		vr.CurrentSnapshotID = newID

		return nil
	})
}

// CloneSnapshot promotes an existing snapshot into a new writable volume
// whose head's parent is the cloned snapshot, per spec.md §4.5.
func CloneSnapshot(path, newVolumeName string, snapshotID uint64) (ok bool, err error) {
	if len(newVolumeName) >= volumeNameSize {
		return false, log.Wrap(ErrInvalidArgument)
	}

	return runMutation(path, func(d *Device) (err error) {
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

		srcSlot, found := d.snapshots.findBySnapshotID(snapshotID)
		if found == false {
			panic(log.Wrap(ErrNotFound))
		}

		if _, found := d.volumes.findByName(newVolumeName); found == true {
			panic(log.Wrap(ErrAlreadyExists))
		}

		volSlot, found := d.volumes.findFreeSlot()
		if found == false {
			panic(log.Wrap(ErrOutOfSpace))
		}

		newSnapSlot, found := d.snapshots.findFreeSlot()
		if found == false {
			panic(log.Wrap(ErrOutOfSpace))
		}

		src := &d.snapshots.records[srcSlot]
		srcVolume := &d.volumes.records[src.VolumeSlot]

		newID := d.sb.nextSnapshotID
		d.sb.nextSnapshotID++

		src.Refcount++

		newHead := &d.snapshots.records[newSnapSlot]
		*newHead = snapshotRecord{
			Slot:             newSnapSlot,
			InUse:            true,
			SnapshotID:       newID,
			HasParent:        true,
			ParentSnapshotID: src.SnapshotID,
			VolumeSlot:       volSlot,
			Refcount:         1,
			CreatedAt:        nowUnix(),
			State:            snapshotStateWritableHead,
		}

		vr := &d.volumes.records[volSlot]
		*vr = volumeRecord{
			Slot:              volSlot,
			InUse:             true,
			Name:              newVolumeName,
			SizeBytes:         srcVolume.SizeBytes,
			CreatedAt:         nowUnix(),
			CurrentSnapshotID: newID,
		}

		return nil
	})
}

// DeleteSnapshot detaches a non-head snapshot from its chain, transferring
// or discarding its block-map entries per spec.md §4.5, and reclaims its
// metadata extents and record. Fails Busy if the target is any volume's
// current head.
func DeleteSnapshot(path string, snapshotID uint64) (ok bool, err error) {
	return runMutation(path, func(d *Device) (err error) {
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

		slot, found := d.snapshots.findBySnapshotID(snapshotID)
		if found == false {
			panic(log.Wrap(ErrNotFound))
		}

		target := &d.snapshots.records[slot]
		if target.State == snapshotStateWritableHead {
			panic(log.Wrap(ErrBusy))
		}

		childSlots := d.snapshots.children(slot)

		err = transferOrDropEntries(d, target, childSlots)
		log.PanicIf(err)

		hasParent := target.HasParent
		parentID := target.ParentSnapshotID

		moved := d.snapshots.reparentChildren(slot, hasParent, parentID)

		if hasParent == true {
			parentSlot, found := d.snapshots.findBySnapshotID(parentID)
			if found == false {
				panic(log.Wrap(ErrCorrupt))
			}

			parent := &d.snapshots.records[parentSlot]
			parent.Refcount = uint32(int(parent.Refcount) + moved - 1)
		}

		bm := newBlockMap(d, target)
		metaExtents, err := bm.allExtents()
		log.PanicIf(err)

		for extent := range metaExtents {
			err := d.allocator.free(extent)
			log.PanicIf(err)
		}

		clearSnapshotRecord(target)

		err = vacuum(d)
		log.PanicIf(err)

		return nil
	})
}

// transferOrDropEntries implements the per-entry disposition spec.md §4.5
// describes for delete_snapshot: an entry shadowed by every child is left
// to be reclaimed by the vacuum pass that follows; an entry not shadowed by
// every child is moved into the immediate parent's map when the parent has
// no entry of its own at that index (otherwise it too is left to vacuum),
// or, for a root with no parent, into every child that lacks its own
// entry, so data isn't lost when the chain's root disappears.
func transferOrDropEntries(d *Device, target *snapshotRecord, childSlots []int) (err error) {
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

	targetBm := newBlockMap(d, target)

	childBms := make([]*blockMap, len(childSlots))
	for i, cs := range childSlots {
		childBms[i] = newBlockMap(d, &d.snapshots.records[cs])
	}

	var parentBm *blockMap
	if target.HasParent == true {
		parentSlot, found := d.snapshots.findBySnapshotID(target.ParentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		parentBm = newBlockMap(d, &d.snapshots.records[parentSlot])
	}

	err = targetBm.forEachLeaf(func(lbi uint32, phys uint64) error {
		shadowedByAll := len(childBms) > 0

		for _, cbm := range childBms {
			_, present, err := cbm.lookupOwn(lbi)
			log.PanicIf(err)

			if present == false {
				shadowedByAll = false
				break
			}
		}

		if shadowedByAll == true {
			return nil
		}

		if parentBm != nil {
			_, parentPresent, err := parentBm.lookupOwn(lbi)
			log.PanicIf(err)

			if parentPresent == false {
				err := parentBm.insert(lbi, phys)
				log.PanicIf(err)
			}

			return nil
		}

		for _, cbm := range childBms {
			_, present, err := cbm.lookupOwn(lbi)
			log.PanicIf(err)

			if present == false {
				err := cbm.insert(lbi, phys)
				log.PanicIf(err)
			}
		}

		return nil
	})
	log.PanicIf(err)

	return nil
}
