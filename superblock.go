package dbs

import (
	"bytes"
	"reflect"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// superblock is the in-memory mirror of superblockOnDisk plus the
// derived layout fields every other component needs.
type superblock struct {
	version                uint32
	totalDeviceExtents      uint32
	allocatedDeviceExtents  uint32
	volumeCount             uint32
	reservedHeadSectors     uint32
	bitmapStartSector       uint32
	bitmapSectors           uint32
	volumeTableStartSector  uint32
	snapshotTableStartSector uint32
	dataHeapStartExtent     uint32
	nextSnapshotID          uint64
	allocCursor             uint32
}

func (sb *superblock) toOnDisk() superblockOnDisk {
	return superblockOnDisk{
		Magic:                    magicBytes,
		Version:                  sb.version,
		SectorSize:               SectorSize,
		ExtentSectors:            ExtentSectors,
		TotalDeviceExtents:       sb.totalDeviceExtents,
		AllocatedDeviceExtents:   sb.allocatedDeviceExtents,
		VolumeCount:              sb.volumeCount,
		ReservedHeadSectors:      sb.reservedHeadSectors,
		BitmapStartSector:        sb.bitmapStartSector,
		BitmapSectors:            sb.bitmapSectors,
		VolumeTableStartSector:   sb.volumeTableStartSector,
		SnapshotTableStartSector: sb.snapshotTableStartSector,
		DataHeapStartExtent:      sb.dataHeapStartExtent,
		NextSnapshotID:           sb.nextSnapshotID,
		AllocCursor:              sb.allocCursor,
	}
}

func (sb *superblock) fromOnDisk(sbod superblockOnDisk) {
	sb.version = sbod.Version
	sb.totalDeviceExtents = sbod.TotalDeviceExtents
	sb.allocatedDeviceExtents = sbod.AllocatedDeviceExtents
	sb.volumeCount = sbod.VolumeCount
	sb.reservedHeadSectors = sbod.ReservedHeadSectors
	sb.bitmapStartSector = sbod.BitmapStartSector
	sb.bitmapSectors = sbod.BitmapSectors
	sb.volumeTableStartSector = sbod.VolumeTableStartSector
	sb.snapshotTableStartSector = sbod.SnapshotTableStartSector
	sb.dataHeapStartExtent = sbod.DataHeapStartExtent
	sb.nextSnapshotID = sbod.NextSnapshotID
	sb.allocCursor = sbod.AllocCursor
}

// readSuperblock loads and validates the superblock at sector 0.
func readSuperblock(bio *blockIo) (sb *superblock, err error) {
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

	raw, err := bio.readSector(0)
	log.PanicIf(err)

	var sbod superblockOnDisk
	err = restruct.Unpack(raw, defaultEncoding, &sbod)
	log.PanicIf(err)

	if bytes.Equal(sbod.Magic[:], magicBytes[:]) != true {
		panic(log.Wrap(ErrCorrupt))
	}

	if sbod.Version != formatVersion {
		panic(log.Wrap(ErrCorrupt))
	}

	if sbod.SectorSize != SectorSize || sbod.ExtentSectors != ExtentSectors {
		panic(log.Wrap(ErrCorrupt))
	}

	sb = &superblock{}
	sb.fromOnDisk(sbod)

	return sb, nil
}

// writeSuperblock serializes and writes the superblock to sector 0. The
// caller is responsible for flushing at the appropriate point in the
// crash-safe ordering of spec.md §4.8.
func writeSuperblock(bio *blockIo, sb *superblock) (err error) {
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

	sbod := sb.toOnDisk()

	raw, err := restruct.Pack(defaultEncoding, &sbod)
	log.PanicIf(err)

	if len(raw) > SectorSize {
		log.Panicf("packed superblock exceeds sector size: (%d)", len(raw))
	}

	padded := make([]byte, SectorSize)
	copy(padded, raw)

	err = bio.writeSector(0, padded)
	log.PanicIf(err)

	return nil
}

// computeLayout derives the fixed-table and bitmap-region geometry for a
// device of the given size, per spec.md §4.2: extent_size = 64 sectors,
// total_device_extents = floor((device_size - reserved_metadata_bytes) /
// extent_size_bytes). Because the bitmap's own size depends on
// total_device_extents, the two are solved by a small fixed-point
// iteration that converges in one or two steps for any realistic device
// size.
func computeLayout(deviceSectors uint64) (sb *superblock, err error) {
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

	bitmapSectors := uint32(1)

	var reservedHead uint32
	var totalExtents uint32

	for iteration := 0; iteration < 8; iteration++ {
		reservedHead = roundUpSectors(1+bitmapSectors, ExtentSectors)

		if uint64(reservedHead) >= deviceSectors {
			panic(log.Wrap(ErrInvalidArgument))
		}

		totalExtents = uint32(deviceSectors-uint64(reservedHead)) / ExtentSectors

		neededBitmapBytes := ceilDiv(totalExtents, 8)
		neededBitmapSectors := ceilDiv(neededBitmapBytes, SectorSize)
		if neededBitmapSectors < 1 {
			neededBitmapSectors = 1
		}

		if neededBitmapSectors == bitmapSectors {
			break
		}

		bitmapSectors = neededBitmapSectors
	}

	if totalExtents <= dataHeapStartExtent {
		panic(log.Wrap(ErrInvalidArgument))
	}

	sb = &superblock{
		version:                  formatVersion,
		totalDeviceExtents:       totalExtents,
		allocatedDeviceExtents:   0,
		volumeCount:              0,
		reservedHeadSectors:      reservedHead,
		bitmapStartSector:        1,
		bitmapSectors:            bitmapSectors,
		volumeTableStartSector:   reservedHead + volumeTableExtent*ExtentSectors,
		snapshotTableStartSector: reservedHead + snapshotTableFirstExtent*ExtentSectors,
		dataHeapStartExtent:      dataHeapStartExtent,
		nextSnapshotID:           1,
		allocCursor:              dataHeapStartExtent,
	}

	return sb, nil
}

// extentAbsoluteSector converts an extent index to its first absolute
// sector, accounting for the reserved head region.
func (sb *superblock) extentAbsoluteSector(extent uint64) uint64 {
	return uint64(sb.reservedHeadSectors) + extent*ExtentSectors
}

// initializeOnDisk lays out an empty device per spec.md §4.2: zero the
// extent bitmap with the metadata-region extents marked used, write
// empty volume/snapshot tables, write the superblock last, and flush.
func initializeOnDisk(bio *blockIo, sb *superblock) (err error) {
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

	bitmap := newExtentAllocator(sb)

	for extent := uint32(0); extent < dataHeapStartExtent; extent++ {
		err := bitmap.markUsedAtInit(extent)
		log.PanicIf(err)
	}

	sb.allocatedDeviceExtents = dataHeapStartExtent

	vt := newEmptyVolumeTable()
	st := newEmptySnapshotTable()

	err = bitmap.write(bio)
	log.PanicIf(err)

	err = vt.write(bio, sb)
	log.PanicIf(err)

	err = st.write(bio, sb)
	log.PanicIf(err)

	err = writeSuperblock(bio, sb)
	log.PanicIf(err)

	err = bio.flush()
	log.PanicIf(err)

	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
