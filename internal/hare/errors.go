package hare

import "errors"

var (
	// ErrFileLockTimeout is returned when the exclusive file lock could not
	// be acquired before the configured timeout.
	ErrFileLockTimeout = errors.New("file lock timeout")

	// ErrDataCorruption marks a file that failed validation: wrong magic or
	// version, CRC mismatch or an unreadable write-ahead log. Fatal for the
	// file, it refuses to open.
	ErrDataCorruption = errors.New("data corruption")

	// ErrCorruptPage is raised when a typed page view is wrapped around a
	// page whose type tag does not match.
	ErrCorruptPage = errors.New("corrupt page")

	// ErrPageOutOfRange marks access to a page id outside the allocated
	// range. Programming error.
	ErrPageOutOfRange = errors.New("page id out of range")

	// ErrIndexOutOfRange marks a page access beyond the page boundary.
	// Programming error, raised via panic by the typed accessors.
	ErrIndexOutOfRange = errors.New("page offset out of range")

	// ErrTupleIDOutOfRange marks access to a tuple id outside [0, max].
	ErrTupleIDOutOfRange = errors.New("tuple id out of range")

	// ErrEntryDeleted marks access to a tombstoned tuple id.
	ErrEntryDeleted = errors.New("entry has been deleted")

	// ErrNullValueNotAllowed marks a null write to a non-nullable column.
	ErrNullValueNotAllowed = errors.New("null value not allowed")

	// ErrClosed marks an operation on a closed disk manager, column file
	// or cursor.
	ErrClosed = errors.New("resource has been closed")
)
