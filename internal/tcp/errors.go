package tcp

import (
	"errors"
	"fmt"

	"github.com/fentz26/relayq/internal/models"
)

// ErrRetrievalPanicked reports a background retrieval that could not be
// joined because it panicked.
var ErrRetrievalPanicked = errors.New("retrieval panicked")

// ErrUnknownRequest is returned for a request with an unrecognised kind.
var ErrUnknownRequest = errors.New("unknown request kind")

// StoreError wraps a failed store call. It is always fatal to the
// connection that made it.
type StoreError struct {
	Op     string
	TaskID models.TaskID
	Err    error
}

func (e *StoreError) Error() string {
	if e.TaskID != 0 {
		return fmt.Sprintf("store %s task %d: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
