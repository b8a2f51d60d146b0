package directmessage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrStorage      = errors.New("storage failure")
	ErrRoomNotFound = errors.New("room not found")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func storageError(op string, err error) error {
	return OpError{Op: op, Kind: ErrStorage, Err: err}
}

// IsStorage reports whether err is a wrapped storage failure.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
