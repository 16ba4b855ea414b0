package reader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.bug.st/serial"
)

// Reason classifies a failed connect.
type Reason string

const (
	ReasonNotFound    Reason = "not-found"
	ReasonPermission  Reason = "permission"
	ReasonTimeout     Reason = "timeout"
	ReasonBusy        Reason = "busy"
	ReasonUnsupported Reason = "unsupported"
	ReasonIO          Reason = "io"
)

// ConnectionError is returned when a connect attempt fails.
type ConnectionError struct {
	Device string
	Reason Reason
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Device, e.Reason)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Device, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports an I/O fault on an open connection.
type TransportError struct {
	Device string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// connectError wraps err as a ConnectionError, guessing the reason.
func connectError(device string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectionError{Device: device, Reason: classify(err), Err: err}
}

func classify(err error) Reason {
	var pe *serial.PortError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, fs.ErrNotExist):
		return ReasonNotFound
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermission
	case errors.As(err, &pe):
		switch pe.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return ReasonNotFound
		case serial.PermissionDenied:
			return ReasonPermission
		case serial.PortBusy:
			return ReasonBusy
		}
	}
	return ReasonIO
}
