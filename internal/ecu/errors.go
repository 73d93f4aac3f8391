package ecu

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/shaunagostinho/goefitune/internal/transport"
)

var (
	// ErrNotConnected is returned for commands issued without a live link.
	ErrNotConnected = fmt.Errorf("ecu: not connected: %w", transport.ErrDisconnected)

	ErrAlreadyConnected = errors.New("ecu: already connected")

	// ErrTooManyTimeouts means consecutive read timeouts were taken as a
	// lost link.
	ErrTooManyTimeouts = errors.New("ecu: too many consecutive timeouts")
)

// BaudAttempt is one failed handshake during Connect.
type BaudAttempt struct {
	Baud int
	Err  error
}

// ConnectError lists every handshake attempt of a failed Connect.
type ConnectError struct {
	Port     string
	Attempts []BaudAttempt
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("ecu: connect %s: no attempts made", e.Port)
	}
	if len(e.Attempts) == 1 {
		a := e.Attempts[0]
		return fmt.Sprintf("ecu: connect %s at %d baud: %v", e.Port, a.Baud, a.Err)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%d: %v", a.Baud, a.Err)
	}
	return fmt.Sprintf("ecu: no answer on %s at any baud rate (%s)", e.Port, strings.Join(parts, "; "))
}

// Err combines the attempt errors.
func (e *ConnectError) Err() error {
	var err error
	for _, a := range e.Attempts {
		err = multierr.Append(err, a.Err)
	}
	return err
}

func (e *ConnectError) Unwrap() []error { return multierr.Errors(e.Err()) }
