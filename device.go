package dbs

import (
	"bytes"
	"os"
	"reflect"
	"syscall"

	"github.com/dsoprea/go-logging"
)

// Device is the open handle to a DBS backing file: the superblock, the
// extent allocator, and the volume/snapshot catalog, all paged in at
// open time, per spec.md §2's "Control flow" (open, read superblock,
// page in metadata, mutate, flush, close).
type Device struct {
	f    *os.File
	bio  *blockIo
	path string

	sb        *superblock
	allocator *extentAllocator
	volumes   *volumeTable
	snapshots *snapshotTable
}

// sectorToExtent converts an absolute data-heap sector back to its
// extent index.
func (d *Device) sectorToExtent(sector uint64) uint32 {
	return uint32((sector - uint64(d.sb.reservedHeadSectors)) / ExtentSectors)
}

// openDevice opens an existing DBS device file and pages in its
// metadata. An advisory, cooperative exclusive flock is held for the
// lifetime of the handle (spec.md §5: "opening the same device from two
// processes simultaneously is undefined behavior and must be prevented
// by the caller" — this is the mechanism SPEC_FULL.md §C chooses).
func openDevice(path string) (d *Device, err error) {
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

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	log.PanicIf(err)

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()
		panic(log.Wrap(ErrIoError))
	}

	bio := newBlockIo(f)

	sb, err := readSuperblock(bio)
	if err != nil {
		f.Close()
		log.Panic(err)
	}

	allocator, err := readExtentAllocator(bio, sb)
	if err != nil {
		f.Close()
		log.Panic(err)
	}

	volumes, err := readVolumeTable(bio, sb)
	if err != nil {
		f.Close()
		log.Panic(err)
	}

	snapshots, err := readSnapshotTable(bio, sb)
	if err != nil {
		f.Close()
		log.Panic(err)
	}

	d = &Device{
		f:         f,
		bio:       bio,
		path:      path,
		sb:        sb,
		allocator: allocator,
		volumes:   volumes,
		snapshots: snapshots,
	}

	return d, nil
}

// Close releases the device's advisory lock and underlying descriptor.
// On any I/O error mid-operation the in-memory state is discarded here
// rather than persisted, per spec.md §4.7.
func (d *Device) Close() (err error) {
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

	syscall.Flock(int(d.f.Fd()), syscall.LOCK_UN)

	err = d.f.Close()
	log.PanicIf(err)

	return nil
}

// commit persists the extent bitmap, volume table, snapshot table, and
// superblock, in that dependency order, with a flush before (to
// guarantee any content this commit references is already durable) and
// a flush after, per spec.md §4.8's double-flush crash-safety ordering.
func (d *Device) commit() (err error) {
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

	err = d.bio.flush()
	log.PanicIf(err)

	err = d.allocator.write(d.bio)
	log.PanicIf(err)

	err = d.volumes.write(d.bio, d.sb)
	log.PanicIf(err)

	err = d.snapshots.write(d.bio, d.sb)
	log.PanicIf(err)

	d.sb.volumeCount = d.countVolumes()

	err = writeSuperblock(d.bio, d.sb)
	log.PanicIf(err)

	err = d.bio.flush()
	log.PanicIf(err)

	return nil
}

// runMutation opens path, runs fn against the paged-in device, and on
// success commits and closes. A panic with a soft error (ErrAlreadyExists,
// ErrNotFound, ErrBusy, ErrOutOfSpace) is reported as (false, nil), per
// spec.md §7's propagation split; any other panic is wrapped and returned
// as a hard error.
func runMutation(path string, fn func(d *Device) error) (ok bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var asErr error
			var isErr bool
			if asErr, isErr = errRaw.(error); isErr == true {
				if isSoft(asErr) == true {
					ok, err = false, nil
					return
				}

				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}

			ok = false
		}
	}()

	d, err := openDevice(path)
	log.PanicIf(err)

	defer d.Close()

	err = fn(d)
	log.PanicIf(err)

	err = d.commit()
	log.PanicIf(err)

	return true, nil
}

func (d *Device) countVolumes() uint32 {
	count := uint32(0)
	for i := range d.volumes.records {
		if d.volumes.records[i].InUse == true {
			count++
		}
	}

	return count
}

// DeviceInfo is the return shape of GetDeviceInfo, per spec.md §6.
type DeviceInfo struct {
	Version                uint32
	DeviceSize             uint64
	TotalDeviceExtents     uint32
	AllocatedDeviceExtents uint32
	VolumeCount            uint32
}

// VolumeInfo is one entry of GetVolumeInfo's return, per spec.md §6.
type VolumeInfo struct {
	VolumeName    string
	VolumeSize    uint64
	CreatedAt     int64
	SnapshotID    uint64
	SnapshotCount int
}

// SnapshotInfo is one entry of GetSnapshotInfo's return, per spec.md §6.
type SnapshotInfo struct {
	SnapshotID       uint64
	ParentSnapshotID uint64
	HasParent        bool
	CreatedAt        int64
}

// InitDevice lays out a fresh DBS device at path, per spec.md §4.2. It
// fails with ErrAlreadyExists if the file already carries a DBS magic.
func InitDevice(path string) (err error) {
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

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	log.PanicIf(err)

	defer f.Close()

	bio := newBlockIo(f)

	if raw, probeErr := bio.readSector(0); probeErr == nil && bytes.Equal(raw[:len(magicBytes)], magicBytes[:]) == true {
		panic(log.Wrap(ErrAlreadyExists))
	}

	deviceSectors, err := bio.deviceSizeSectors()
	log.PanicIf(err)

	sb, err := computeLayout(deviceSectors)
	log.PanicIf(err)

	err = initializeOnDisk(bio, sb)
	log.PanicIf(err)

	return nil
}

// VacuumDevice reconciles the extent allocator against reachable state,
// per spec.md §4.3.
func VacuumDevice(path string) (err error) {
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

	defer d.Close()

	err = vacuum(d)
	log.PanicIf(err)

	err = d.commit()
	log.PanicIf(err)

	return nil
}

// GetDeviceInfo returns the device's header fields, per spec.md §6.
func GetDeviceInfo(path string) (info DeviceInfo, err error) {
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

	defer d.Close()

	deviceSectors, err := d.bio.deviceSizeSectors()
	log.PanicIf(err)

	info = DeviceInfo{
		Version:                d.sb.version,
		DeviceSize:             deviceSectors * SectorSize,
		TotalDeviceExtents:     d.sb.totalDeviceExtents,
		AllocatedDeviceExtents: d.sb.allocatedDeviceExtents,
		VolumeCount:            d.countVolumes(),
	}

	return info, nil
}

// GetVolumeInfo returns the in-use volumes in slot order, each annotated
// with its derived snapshot-chain length, per spec.md §6.
func GetVolumeInfo(path string) (infos []VolumeInfo, err error) {
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

	defer d.Close()

	infos = make([]VolumeInfo, 0)

	for i := range d.volumes.records {
		vr := &d.volumes.records[i]
		if vr.InUse == false {
			continue
		}

		headSlot, found := d.snapshots.findBySnapshotID(vr.CurrentSnapshotID)
		if found == false {
			panic(log.Wrap(ErrCorrupt))
		}

		length, err := d.snapshots.chainLengthWithinVolume(headSlot)
		log.PanicIf(err)

		infos = append(infos, VolumeInfo{
			VolumeName:    vr.Name,
			VolumeSize:    vr.SizeBytes,
			CreatedAt:     vr.CreatedAt,
			SnapshotID:    vr.CurrentSnapshotID,
			SnapshotCount: length,
		})
	}

	return infos, nil
}

// GetSnapshotInfo returns the snapshots in the chain rooted at the named
// volume's current head, head first, per spec.md §9's adopted reading.
// The walk stops before the first ancestor owned by another volume, so a
// clone's listing does not include its donor's snapshots.
func GetSnapshotInfo(path, volumeName string) (infos []SnapshotInfo, err error) {
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

	defer d.Close()

	volSlot, found := d.volumes.findByName(volumeName)
	if found == false {
		panic(log.Wrap(ErrNotFound))
	}

	vr := &d.volumes.records[volSlot]

	headSlot, found := d.snapshots.findBySnapshotID(vr.CurrentSnapshotID)
	if found == false {
		panic(log.Wrap(ErrCorrupt))
	}

	chain, err := d.snapshots.chainRootedAtWithinVolume(headSlot)
	log.PanicIf(err)

	infos = make([]SnapshotInfo, 0, len(chain))
	for _, slot := range chain {
		sr := &d.snapshots.records[slot]

		infos = append(infos, SnapshotInfo{
			SnapshotID:       sr.SnapshotID,
			ParentSnapshotID: sr.ParentSnapshotID,
			HasParent:        sr.HasParent,
			CreatedAt:        sr.CreatedAt,
		})
	}

	return infos, nil
}
