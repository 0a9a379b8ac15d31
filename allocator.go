package dbs

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// extentAllocator is the persistent bitmap-based pool of fixed-size
// extents described in spec.md §4.3: one bit per extent, 0 = free,
// 1 = used, allocated first-fit from a cursor that advances past the
// last allocation and wraps.
type extentAllocator struct {
	sb   *superblock
	bits []byte
}

func newExtentAllocator(sb *superblock) *extentAllocator {
	return &extentAllocator{
		sb:   sb,
		bits: make([]byte, sb.bitmapSectors*SectorSize),
	}
}

func readExtentAllocator(bio *blockIo, sb *superblock) (ea *extentAllocator, err error) {
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

	raw, err := bio.readSectors(uint64(sb.bitmapStartSector), sb.bitmapSectors)
	log.PanicIf(err)

	ea = &extentAllocator{
		sb:   sb,
		bits: raw,
	}

	return ea, nil
}

func (ea *extentAllocator) write(bio *blockIo) (err error) {
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

	err = bio.writeSectors(uint64(ea.sb.bitmapStartSector), ea.bits)
	log.PanicIf(err)

	return nil
}

func (ea *extentAllocator) get(extent uint32) bool {
	byteIndex := extent / 8
	bitIndex := extent % 8

	return ea.bits[byteIndex]&(1<<bitIndex) != 0
}

func (ea *extentAllocator) set(extent uint32, used bool) {
	byteIndex := extent / 8
	bitIndex := uint(extent % 8)

	if used == true {
		ea.bits[byteIndex] |= 1 << bitIndex
	} else {
		ea.bits[byteIndex] &^= 1 << bitIndex
	}
}

// markUsedAtInit marks an extent used without touching the
// allocated-count bookkeeping (the caller, initializeOnDisk, accounts
// for the whole reserved range in one shot).
func (ea *extentAllocator) markUsedAtInit(extent uint32) (err error) {
	ea.set(extent, true)
	return nil
}

// allocate finds the first free extent at or after the cursor (wrapping
// around), marks it used, advances the cursor past it, and returns its
// index. Returns ErrOutOfSpace if every extent is used.
func (ea *extentAllocator) allocate() (extent uint32, err error) {
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

	total := ea.sb.totalDeviceExtents

	start := ea.sb.allocCursor % total

	for i := uint32(0); i < total; i++ {
		candidate := (start + i) % total

		if ea.get(candidate) == false {
			ea.set(candidate, true)

			ea.sb.allocCursor = (candidate + 1) % total
			ea.sb.allocatedDeviceExtents++

			return candidate, nil
		}
	}

	panic(log.Wrap(ErrOutOfSpace))
}

// free marks an extent free again.
func (ea *extentAllocator) free(extent uint32) (err error) {
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

	if ea.get(extent) == false {
		log.Panicf("free of already-free extent: (%d)", extent)
	}

	ea.set(extent, false)
	ea.sb.allocatedDeviceExtents--

	return nil
}

// reachableSet walks the catalog and every in-use snapshot's block-map
// to compute the set of extents that are legitimately in use, for
// vacuumDevice (spec.md §4.3).
func reachableSet(d *Device) (reachable map[uint32]bool, err error) {
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

	reachable = make(map[uint32]bool)

	for extent := uint32(0); extent < dataHeapStartExtent; extent++ {
		reachable[extent] = true
	}

	for i := range d.snapshots.records {
		sr := &d.snapshots.records[i]
		if sr.InUse != true {
			continue
		}

		bm := newBlockMap(d, sr)

		nodeExtents, err := bm.allExtents()
		log.PanicIf(err)

		for extent := range nodeExtents {
			reachable[extent] = true
		}

		err = bm.forEachLeaf(func(lbi uint32, phys uint64) error {
			if phys == unmappedSentinel {
				return nil
			}

			extent := uint32((phys - uint64(d.sb.reservedHeadSectors)) / ExtentSectors)
			reachable[extent] = true

			return nil
		})
		log.PanicIf(err)

		if sr.CurrentMetaExtent != 0 || sr.NextMetaNodeSlot != 0 {
			reachable[uint32(sr.CurrentMetaExtent)] = true
		}
	}

	return reachable, nil
}

// vacuum rescans all in-use snapshots, recomputes the reachable set of
// data and metadata extents, and frees any extent marked used that is
// not reachable. This is the only reconciliation path; it is defensive,
// not required for correctness, per spec.md §4.3.
func vacuum(d *Device) (err error) {
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

	reachable, err := reachableSet(d)
	log.PanicIf(err)

	for extent := uint32(0); extent < d.sb.totalDeviceExtents; extent++ {
		if d.allocator.get(extent) == true && reachable[extent] != true {
			err := d.allocator.free(extent)
			log.PanicIf(err)
		}
	}

	// A snapshot whose current data extent was just freed starts its next
	// write in a fresh extent.
	for i := range d.snapshots.records {
		sr := &d.snapshots.records[i]
		if sr.InUse == true && sr.CurrentDataExtent != 0 && d.allocator.get(uint32(sr.CurrentDataExtent)) == false {
			sr.CurrentDataExtent = 0
			sr.NextDataOffset = 0
		}
	}

	return nil
}
