package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrInvalidPage       = errors.New("invalid page")
	ErrBufferOverflow    = errors.New("buffer overflow")

	// ErrFraming means the response bytes do not have the shape the command
	// calls for (wrong length, missing sentinel, unparsable text).
	ErrFraming = errors.New("malformed response")
)

// Status codes carried in bits 4-7 of a status byte.
const (
	StatusOK                = 0x0
	StatusSignatureMismatch = 0x1
	StatusInvalidCommand    = 0x2
	StatusInvalidPage       = 0x3
	StatusChecksumMismatch  = 0x4
	StatusBufferOverflow    = 0x5
)

// Flag bits in the low nibble of a status byte.
const (
	FlagBurnPending  = 1 << 0
	FlagWritePending = 1 << 1
)

// EcuError is a non-zero status code with no named meaning.
type EcuError struct {
	Code byte
}

func (e *EcuError) Error() string {
	return fmt.Sprintf("ecu error code %d", e.Code)
}

// StatusError wraps the error decoded from a status byte.
type StatusError struct {
	Status byte
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status 0x%02X: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode extracts the error code from a status byte.
func StatusCode(status byte) byte { return status >> 4 }

// DecodeStatus maps a status byte onto the error taxonomy. The low nibble
// holds pending/reserved flags and never affects the result.
func DecodeStatus(status byte) error {
	code := StatusCode(status)
	var err error
	switch code {
	case StatusOK:
		return nil
	case StatusSignatureMismatch:
		err = ErrSignatureMismatch
	case StatusInvalidCommand:
		err = ErrInvalidCommand
	case StatusInvalidPage:
		err = ErrInvalidPage
	case StatusChecksumMismatch:
		err = ErrChecksumMismatch
	case StatusBufferOverflow:
		err = ErrBufferOverflow
	default:
		err = &EcuError{Code: code}
	}
	return &StatusError{Status: status, Err: err}
}

// IsRetryable reports whether a write that failed with err may be repeated:
// only checksum mismatches qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChecksumMismatch)
}
