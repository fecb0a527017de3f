package coordinator

import (
	"errors"
	"fmt"
)

// ErrButtonDisabled is returned for local button presses in Park or StandBy.
var ErrButtonDisabled = errors.New("button disabled in current mode")

// PersistenceError means the store rejected a write. In-memory state was not
// changed and nothing was broadcast.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
