package device

import (
	"errors"
	"fmt"
)

var (
	ErrConnection = errors.New("connection error")
	ErrStart      = errors.New("start error")
	ErrStop       = errors.New("stop error")
	ErrDisconnect = errors.New("disconnect error")
	ErrFault      = errors.New("source fault")

	ErrUnknownStream = errors.New("unknown stream")
	ErrNotAcquiring  = errors.New("device is not acquiring")
	ErrDetached      = errors.New("device has no acquisition source")

	errConnecting = errors.New("connect already in progress")
)

// OpError reports a failed lifecycle operation on one device. It matches
// both its Kind sentinel and the underlying cause with errors.Is.
type OpError struct {
	Device string
	Op     string
	Kind   error
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func opError(id, op string, kind, err error) *OpError {
	return &OpError{Device: id, Op: op, Kind: kind, Err: err}
}
