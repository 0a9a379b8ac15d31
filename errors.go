package dbs

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

// Error taxonomy (spec-ing §7). Hard errors (ErrIoError, ErrCorrupt,
// ErrInvalidArgument) propagate to the caller. The remainder
// (ErrAlreadyExists, ErrNotFound, ErrBusy, ErrOutOfSpace on name/slot
// tables) are collapsed into a boolean `false` return by runMutation in
// device.go, which backs the boolean-returning operations in lifecycle.go;
// they still travel internally as wrapped
// errors so callers of the lower-level package-private functions get
// the same `log.Is` story.
var (
	ErrIoError         = errors.New("dbs: io error")
	ErrCorrupt         = errors.New("dbs: on-disk metadata is corrupt")
	ErrOutOfSpace      = errors.New("dbs: out of space")
	ErrAlreadyExists   = errors.New("dbs: already exists")
	ErrNotFound        = errors.New("dbs: not found")
	ErrBusy            = errors.New("dbs: busy")
	ErrInvalidArgument = errors.New("dbs: invalid argument")
)

// isSoft reports whether err should be collapsed to a boolean `false`
// return rather than propagated as a hard error, per spec.md §7.
func isSoft(err error) bool {
	return log.Is(err, ErrAlreadyExists) ||
		log.Is(err, ErrNotFound) ||
		log.Is(err, ErrBusy) ||
		log.Is(err, ErrOutOfSpace)
}
