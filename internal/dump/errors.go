package dump

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned for backends with no dump or restore strategy.
	ErrUnsupported = errors.New("unsupported database backend")
	// ErrInMemory is returned when the restore target is an in-memory SQLite database.
	ErrInMemory = errors.New("cannot restore into an in-memory sqlite database")
)

// Error is the single failure type of dump and restore operations. Op names
// the step that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
