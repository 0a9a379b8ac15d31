package dbs

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// blockMap is the per-snapshot sparse mapping logical_block_index (u32,
// within the 2^32 domain a 4-level, 256-way fan-out radix tree covers)
// to physical_block_address (absolute sector), per spec.md §3/§4.5.
//
// Levels 0-2 are internal nodes whose entries are absolute sectors of
// child nodes (0 == no child allocated yet). Level 3 is the leaf level,
// whose entries are absolute data sectors, 0 meaning absent (the lookup
// falls through to the parent snapshot) and unmappedSentinel meaning
// explicitly unmapped (the lookup stops and returns zeros).
type blockMap struct {
	d  *Device
	sr *snapshotRecord
}

func newBlockMap(d *Device, sr *snapshotRecord) *blockMap {
	return &blockMap{d: d, sr: sr}
}

func levelShift(level int) uint {
	return uint(8 * (blockMapLevels - 1 - level))
}

func levelIndex(lbi uint32, level int) uint32 {
	return (lbi >> levelShift(level)) & 0xff
}

func (bm *blockMap) readNode(sector uint64) (entries []uint64, err error) {
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

	raw, err := bm.d.bio.readSectors(sector, blockMapNodeSectors)
	log.PanicIf(err)

	entries = make([]uint64, blockMapEntriesPerNode)
	for i := 0; i < blockMapEntriesPerNode; i++ {
		entries[i] = defaultEncoding.Uint64(raw[i*8 : (i+1)*8])
	}

	return entries, nil
}

func (bm *blockMap) writeNode(sector uint64, entries []uint64) (err error) {
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

	raw := make([]byte, blockMapNodeBytes)
	for i, v := range entries {
		defaultEncoding.PutUint64(raw[i*8:(i+1)*8], v)
	}

	err = bm.d.bio.writeSectors(sector, raw)
	log.PanicIf(err)

	return nil
}

// allocateNode carves a new, zeroed node out of the snapshot's
// metadata-extent sub-allocation cursor, allocating a fresh extent when
// the current one is exhausted, mirroring the data-extent packing
// spec.md §4.5 describes.
func (bm *blockMap) allocateNode() (sector uint64, err error) {
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

	if bm.sr.CurrentMetaExtent == 0 || bm.sr.NextMetaNodeSlot >= blockMapNodesPerExtent {
		extent, err := bm.d.allocator.allocate()
		log.PanicIf(err)

		bm.sr.CurrentMetaExtent = uint64(extent)
		bm.sr.NextMetaNodeSlot = 0
	}

	slot := bm.sr.NextMetaNodeSlot
	sector = bm.d.sb.extentAbsoluteSector(bm.sr.CurrentMetaExtent) + uint64(slot)*blockMapNodeSectors

	bm.sr.NextMetaNodeSlot++

	empty := make([]uint64, blockMapEntriesPerNode)

	err = bm.writeNode(sector, empty)
	log.PanicIf(err)

	return sector, nil
}

// lookupOwn looks up lbi in this snapshot's own map only (no chain
// fallthrough). present=false means absent; present=true with
// phys==unmappedSentinel means explicitly unmapped.
func (bm *blockMap) lookupOwn(lbi uint32) (phys uint64, present bool, err error) {
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

	if bm.sr.RootMapNodeSector == 0 {
		return 0, false, nil
	}

	sector := bm.sr.RootMapNodeSector

	for level := 0; level < blockMapLevels; level++ {
		entries, err := bm.readNode(sector)
		log.PanicIf(err)

		idx := levelIndex(lbi, level)
		entry := entries[idx]

		if level == blockMapLevels-1 {
			if entry == 0 {
				return 0, false, nil
			}

			return entry, true, nil
		}

		if entry == 0 {
			return 0, false, nil
		}

		sector = entry
	}

	return 0, false, nil
}

// insert writes phys (a real sector address, or unmappedSentinel) into
// this snapshot's own map at lbi, allocating any internal nodes on the
// path that don't exist yet.
func (bm *blockMap) insert(lbi uint32, phys uint64) (err error) {
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

	if bm.sr.RootMapNodeSector == 0 {
		rootSector, err := bm.allocateNode()
		log.PanicIf(err)

		bm.sr.RootMapNodeSector = rootSector
	}

	path := make([]uint64, blockMapLevels)
	path[0] = bm.sr.RootMapNodeSector

	for level := 0; level < blockMapLevels-1; level++ {
		entries, err := bm.readNode(path[level])
		log.PanicIf(err)

		idx := levelIndex(lbi, level)

		if entries[idx] == 0 {
			childSector, err := bm.allocateNode()
			log.PanicIf(err)

			entries[idx] = childSector

			err = bm.writeNode(path[level], entries)
			log.PanicIf(err)
		}

		path[level+1] = entries[idx]
	}

	leafEntries, err := bm.readNode(path[blockMapLevels-1])
	log.PanicIf(err)

	leafIdx := levelIndex(lbi, blockMapLevels-1)
	leafEntries[leafIdx] = phys

	err = bm.writeNode(path[blockMapLevels-1], leafEntries)
	log.PanicIf(err)

	return nil
}

// forEachLeaf visits every present leaf entry (mapped or unmapped) in
// this snapshot's own map.
func (bm *blockMap) forEachLeaf(cb func(lbi uint32, phys uint64) error) (err error) {
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

	if bm.sr.RootMapNodeSector == 0 {
		return nil
	}

	var walk func(sector uint64, level int, prefix uint32) error
	walk = func(sector uint64, level int, prefix uint32) error {
		entries, err := bm.readNode(sector)
		log.PanicIf(err)

		for idx, entry := range entries {
			if entry == 0 {
				continue
			}

			lbi := prefix | (uint32(idx) << levelShift(level))

			if level == blockMapLevels-1 {
				err := cb(lbi, entry)
				log.PanicIf(err)

				continue
			}

			err := walk(entry, level+1, lbi)
			log.PanicIf(err)
		}

		return nil
	}

	err = walk(bm.sr.RootMapNodeSector, 0, 0)
	log.PanicIf(err)

	return nil
}

// allExtents returns the set of extents (by index, not absolute sector)
// that hold this snapshot's own block-map nodes.
func (bm *blockMap) allExtents() (extents map[uint32]bool, err error) {
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

	extents = make(map[uint32]bool)

	if bm.sr.RootMapNodeSector == 0 {
		return extents, nil
	}

	var walk func(sector uint64, level int) error
	walk = func(sector uint64, level int) error {
		extents[bm.d.sectorToExtent(sector)] = true

		if level == blockMapLevels-1 {
			return nil
		}

		entries, err := bm.readNode(sector)
		log.PanicIf(err)

		for _, entry := range entries {
			if entry == 0 {
				continue
			}

			err := walk(entry, level+1)
			log.PanicIf(err)
		}

		return nil
	}

	err = walk(bm.sr.RootMapNodeSector, 0)
	log.PanicIf(err)

	return extents, nil
}
