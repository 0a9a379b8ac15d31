package dbs

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// VolumeSession is a mutable handle to an open device scoped to I/O on one
// volume's writable head snapshot, per spec.md §5/§6.
type VolumeSession struct {
	d        *Device
	volSlot  int
	headSlot int
}

// OpenVolume opens the device and resolves the named volume's current head
// snapshot, per spec.md §6. The device stays open (and advisory-locked)
// for the lifetime of the session; Close releases it.
func OpenVolume(path, volumeName string) (session *VolumeSession, err error) {
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

	d, err := openDevice(path)
	log.PanicIf(err)

	volSlot, found := d.volumes.findByName(volumeName)
	if found == false {
		d.Close()
		panic(log.Wrap(ErrNotFound))
	}

	headSlot, found := d.snapshots.findBySnapshotID(d.volumes.records[volSlot].CurrentSnapshotID)
	if found == false {
		d.Close()
		panic(log.Wrap(ErrCorrupt))
	}

	session = &VolumeSession{
		d:        d,
		volSlot:  volSlot,
		headSlot: headSlot,
	}

	return session, nil
}

// Close releases the session's underlying device handle.
func (vs *VolumeSession) Close() (err error) {
	return vs.d.Close()
}

func (vs *VolumeSession) head() *snapshotRecord {
	return &vs.d.snapshots.records[vs.headSlot]
}

func (vs *VolumeSession) volume() *volumeRecord {
	return &vs.d.volumes.records[vs.volSlot]
}

func (vs *VolumeSession) checkBounds(lbi uint32) (err error) {
	maxLbi := vs.volume().SizeBytes / SectorSize
	if uint64(lbi) >= maxLbi {
		return log.Wrap(ErrInvalidArgument)
	}

	return nil
}

// allocateDataSector carves the next sector out of the head snapshot's
// current data extent, allocating a fresh extent when exhausted, per
// spec.md §4.5's "extent sub-allocation" cursor.
func allocateDataSector(d *Device, sr *snapshotRecord) (sector uint64, err error) {
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

	if sr.CurrentDataExtent == 0 || sr.NextDataOffset >= ExtentSectors {
		extent, err := d.allocator.allocate()
		log.PanicIf(err)

		sr.CurrentDataExtent = uint64(extent)
		sr.NextDataOffset = 0
	}

	sector = d.sb.extentAbsoluteSector(sr.CurrentDataExtent) + uint64(sr.NextDataOffset)
	sr.NextDataOffset++

	return sector, nil
}

// ReadBlock implements resolve_read, per spec.md §4.5: walk the chain head
// to root, returning the first present entry's sector contents, all zeros
// for an explicitly unmapped entry, or all zeros if no snapshot in the
// chain has an entry.
func (vs *VolumeSession) ReadBlock(lbi uint32) (data []byte, err error) {
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

	err = vs.checkBounds(lbi)
	log.PanicIf(err)

	chain, err := vs.d.snapshots.chainRootedAt(vs.headSlot)
	log.PanicIf(err)

	for _, slot := range chain {
		sr := &vs.d.snapshots.records[slot]
		bm := newBlockMap(vs.d, sr)

		phys, present, err := bm.lookupOwn(lbi)
		log.PanicIf(err)

		if present == false {
			continue
		}

		if phys == unmappedSentinel {
			return make([]byte, SectorSize), nil
		}

		data, err = vs.d.bio.readSector(phys)
		log.PanicIf(err)

		return data, nil
	}

	return make([]byte, SectorSize), nil
}

// WriteBlock implements write(lbi, payload), per spec.md §4.5: overwrite in
// place if the head already owns a mapped entry, otherwise allocate a new
// data sector, write it, and insert the mapping, shadowing any inherited
// entry. Every call is a single-shot mutation per spec.md §4.8's crash-safe
// ordering: content then flush, then index structures then flush.
func (vs *VolumeSession) WriteBlock(lbi uint32, payload []byte) (err error) {
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

	if len(payload) != SectorSize {
		panic(log.Wrap(ErrInvalidArgument))
	}

	err = vs.checkBounds(lbi)
	log.PanicIf(err)

	head := vs.head()
	bm := newBlockMap(vs.d, head)

	phys, present, err := bm.lookupOwn(lbi)
	log.PanicIf(err)

	if present == true && phys != unmappedSentinel {
		err = vs.d.bio.writeSector(phys, payload)
		log.PanicIf(err)
	} else {
		sector, err := allocateDataSector(vs.d, head)
		log.PanicIf(err)

		err = vs.d.bio.writeSector(sector, payload)
		log.PanicIf(err)

		err = bm.insert(lbi, sector)
		log.PanicIf(err)
	}

	err = vs.d.commit()
	log.PanicIf(err)

	return nil
}

// UnmapBlock writes the UNMAPPED sentinel into the head's own map at lbi,
// per spec.md §4.5; any physical sector the head owned there becomes
// unreferenced, and the reachability pass that follows frees its extent
// once no other entry references a sector in it.
// Inherited physical sectors belong to ancestors and are untouched.
func (vs *VolumeSession) UnmapBlock(lbi uint32) (err error) {
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

	err = vs.checkBounds(lbi)
	log.PanicIf(err)

	head := vs.head()
	bm := newBlockMap(vs.d, head)

	err = bm.insert(lbi, unmappedSentinel)
	log.PanicIf(err)

	err = vacuum(vs.d)
	log.PanicIf(err)

	err = vs.d.commit()
	log.PanicIf(err)

	return nil
}
