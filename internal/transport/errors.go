package transport

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
)

var (
	ErrPortNotFound     = errors.New("transport: port not found")
	ErrPermissionDenied = errors.New("transport: permission denied")
	ErrPortBusy         = errors.New("transport: port busy")
	ErrIoTimeout        = errors.New("transport: i/o timeout")
	ErrWriteTimeout     = errors.New("transport: write timeout")
	ErrDisconnected     = errors.New("transport: disconnected")
	ErrUnsupported      = errors.New("transport: unsupported setting")
	ErrOverrun          = errors.New("transport: response exceeds buffer limit")
)

// TimeoutError is returned when the line went idle before a read completed.
// Received distinguishes a silent peer (0) from a short response; Partial
// holds whatever did arrive.
type TimeoutError struct {
	Received int
	Partial  []byte
}

func (e *TimeoutError) Error() string {
	if e.Received == 0 {
		return "transport: i/o timeout (no data)"
	}
	return fmt.Sprintf("transport: i/o timeout after %d bytes", e.Received)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrIoTimeout }

// IsLinkFailure reports whether err means the link itself is unusable, as
// opposed to a single command going unanswered.
func IsLinkFailure(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrWriteTimeout) ||
		errors.Is(err, ErrPortNotFound) ||
		errors.Is(err, ErrPermissionDenied)
}

// classifyOpenError maps go.bug.st/serial error codes onto the transport
// taxonomy, keeping the original error in the chain.
func classifyOpenError(port string, err error) error {
	var code serial.PortErrorCode
	var pe *serial.PortError
	var pv serial.PortError
	switch {
	case errors.As(err, &pe):
		code = pe.Code()
	case errors.As(err, &pv):
		code = pv.Code()
	default:
		return fmt.Errorf("open %s: %w", port, err)
	}

	switch code {
	case serial.PortNotFound, serial.InvalidSerialPort:
		return fmt.Errorf("open %s: %w (%v)", port, ErrPortNotFound, err)
	case serial.PermissionDenied:
		return fmt.Errorf("open %s: %w (%v)", port, ErrPermissionDenied, err)
	case serial.PortBusy:
		return fmt.Errorf("open %s: %w (%v)", port, ErrPortBusy, err)
	case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
		return fmt.Errorf("open %s: %w (%v)", port, ErrUnsupported, err)
	default:
		return fmt.Errorf("open %s: %w", port, err)
	}
}
