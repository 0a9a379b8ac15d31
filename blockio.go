package dbs

import (
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// blockIo wraps positioned, whole-sector reads and writes on the backing
// file. Reads and writes always cover whole sectors (exactly SectorSize
// bytes for the single-sector calls); partial I/O is surfaced as ErrIoError rather than silently truncated, per
// spec.md §4.1.
type blockIo struct {
	f *os.File
}

func newBlockIo(f *os.File) *blockIo {
	return &blockIo{f: f}
}

// readSector reads the single sector at absolute sector index `sector`.
func (bio *blockIo) readSector(sector uint64) (data []byte, err error) {
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

	data = make([]byte, SectorSize)

	n, err := bio.f.ReadAt(data, int64(sector)*SectorSize)
	if err != nil {
		panic(log.Wrap(ErrIoError))
	}

	if n != SectorSize {
		panic(log.Wrap(ErrIoError))
	}

	return data, nil
}

// readSectors reads `count` consecutive sectors starting at `sector`.
func (bio *blockIo) readSectors(sector uint64, count uint32) (data []byte, err error) {
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

	data = make([]byte, int(count)*SectorSize)

	n, err := bio.f.ReadAt(data, int64(sector)*SectorSize)
	if err != nil && err != io.EOF {
		panic(log.Wrap(ErrIoError))
	}

	if n != len(data) {
		panic(log.Wrap(ErrIoError))
	}

	return data, nil
}

// writeSector writes exactly one sector of data at absolute sector index
// `sector`. `data` must be SectorSize bytes.
func (bio *blockIo) writeSector(sector uint64, data []byte) (err error) {
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

	if len(data) != SectorSize {
		log.Panicf("writeSector requires exactly (%d) bytes, got (%d)", SectorSize, len(data))
	}

	n, err := bio.f.WriteAt(data, int64(sector)*SectorSize)
	if err != nil {
		panic(log.Wrap(ErrIoError))
	}

	if n != SectorSize {
		panic(log.Wrap(ErrIoError))
	}

	return nil
}

// writeSectors writes `data` (a multiple of SectorSize bytes) starting at
// absolute sector index `sector`.
func (bio *blockIo) writeSectors(sector uint64, data []byte) (err error) {
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

	if len(data)%SectorSize != 0 {
		log.Panicf("writeSectors requires a multiple of (%d) bytes, got (%d)", SectorSize, len(data))
	}

	n, err := bio.f.WriteAt(data, int64(sector)*SectorSize)
	if err != nil {
		panic(log.Wrap(ErrIoError))
	}

	if n != len(data) {
		panic(log.Wrap(ErrIoError))
	}

	return nil
}

// flush forces all prior writes to stable storage. No write is
// considered acknowledged until flush has returned, per spec.md §4.1.
func (bio *blockIo) flush() (err error) {
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

	err = bio.f.Sync()
	if err != nil {
		panic(log.Wrap(ErrIoError))
	}

	return nil
}

// deviceSizeSectors returns the size of the backing file in whole
// sectors.
func (bio *blockIo) deviceSizeSectors() (sectors uint64, err error) {
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

	fi, err := bio.f.Stat()
	log.PanicIf(err)

	return uint64(fi.Size()) / SectorSize, nil
}
