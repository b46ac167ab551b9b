package edit

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when the memory governor denies admission.
	ErrRejected = errors.New("edit rejected: memory limited")

	// ErrOutOfRange indicates a local position outside the chunk volume.
	ErrOutOfRange = errors.New("position out of chunk range")

	// ErrReleased indicates a change-set whose snapshots were already released.
	ErrReleased = errors.New("change-set released")
)

// EditError describes a failed SetBlock.
type EditError struct {
	Key ChunkKey
	Pos Pos
	Err error
}

func (e *EditError) Error() string {
	return fmt.Sprintf("set block %v %v: %v", e.Key, e.Pos, e.Err)
}

func (e *EditError) Unwrap() error { return e.Err }

// CommitError is returned when a chunk could not be written to the world store.
type CommitError struct {
	Key ChunkKey
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit chunk %v: %v", e.Key, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
