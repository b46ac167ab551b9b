package history

import (
	"errors"
	"fmt"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrUnsupportedChangeTarget is returned when undo or redo is asked to
	// replay a group into a target that cannot accept it.
	ErrUnsupportedChangeTarget = errors.New("change target does not support region snapshots")
)

// PersistenceError reports a history group that could not be archived or loaded.
type PersistenceError struct {
	SessionID string
	Seq       uint64
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s session=%s seq=%d: %v", e.Op, e.SessionID, e.Seq, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReplayError reports regions that failed while undoing or redoing a group.
// The cursor does not move when it is returned.
type ReplayError struct {
	Op       string
	Seq      uint64
	Failures int
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s group %d: %d region(s) failed: %v", e.Op, e.Seq, e.Failures, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
