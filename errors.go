package wrongpath

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQueue is returned when popping from a drained deferred
	// condition queue. Callers that check AgeOfOldest first never see
	// it.
	ErrEmptyQueue = errors.New("wrongpath: deferred condition queue is empty")

	// ErrNoStateAvailable is returned when the manager is asked to
	// step but the frontier is empty.
	ErrNoStateAvailable = errors.New("wrongpath: no state available")
)

// UnsupportedStatementError reports a statement kind the engine cannot
// interpret. With bypass enabled the engine records the statement and
// keeps going instead of returning this.
type UnsupportedStatementError struct {
	Kind StmtKind
}

func (e *UnsupportedStatementError) Error() string {
	return fmt.Sprintf("wrongpath: unsupported statement kind %s", e.Kind)
}

// SelfModifyingCodeError reports a fetch of instruction bytes that a
// speculative store has overwritten. The unit at Addr must be fetched
// again once the stale bytes are reconciled.
type SelfModifyingCodeError struct {
	Addr    uint64 // start of the stale instruction
	Len     int    // instruction length in bytes
	InsAddr uint64 // decoded address, including any decode delta
	StateID int
}

func (e *SelfModifyingCodeError) Error() string {
	return fmt.Sprintf("wrongpath: instruction bytes at %#x (len %d) modified by an in-flight speculative store (state s%d)", e.Addr, e.Len, e.StateID)
}
