package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Detector is an error-detection strategy. Seal decorates an outgoing frame,
// Overhead is the number of response bytes it adds on top of the codec's
// payload, Open strips and verifies them, and Check interprets the decoded
// response's status.
type Detector interface {
	Family() Family
	Seal(cmd Command, frame []byte) []byte
	Overhead(cmd Command) int
	Open(cmd Command, sent, raw []byte) ([]byte, error)
	Check(resp Response) error
}

// StatusByte is the plain status-byte family: frames go out untouched and
// acknowledged commands answer with one status byte.
type StatusByte struct{}

func (StatusByte) Family() Family { return FamilyStatusByte }

func (StatusByte) Seal(_ Command, frame []byte) []byte { return frame }

func (StatusByte) Overhead(Command) int { return 0 }

func (StatusByte) Open(_ Command, _, raw []byte) ([]byte, error) { return raw, nil }

func (StatusByte) Check(resp Response) error { return checkStatus(resp) }

// ChecksumTrailer is the CRC-32 family. Writes carry a trailing CRC over the
// whole frame; reads carry a trailing CRC over the payload. With EchoCRC the
// device answers writes with its status byte followed by the CRC it computed.
type ChecksumTrailer struct {
	EchoCRC bool
}

func (ChecksumTrailer) Family() Family { return FamilyChecksum }

func (c ChecksumTrailer) Seal(cmd Command, frame []byte) []byte {
	if !sealed(cmd.Tag) {
		return frame
	}
	out := make([]byte, len(frame), len(frame)+CRCSize)
	copy(out, frame)
	return AppendCRC32(out)
}

func (c ChecksumTrailer) Overhead(cmd Command) int {
	switch {
	case checksummedRead(cmd.Tag):
		return CRCSize
	case sealed(cmd.Tag) && c.EchoCRC:
		return CRCSize
	}
	return 0
}

func (c ChecksumTrailer) Open(cmd Command, sent, raw []byte) ([]byte, error) {
	switch {
	case checksummedRead(cmd.Tag):
		payload, err := SplitCRC32(raw)
		if err != nil {
			return payload, fmt.Errorf("%s response: %w", cmd.Tag, err)
		}
		return payload, nil
	case sealed(cmd.Tag) && c.EchoCRC:
		if len(raw) != 1+CRCSize || len(sent) < CRCSize {
			return raw, fmt.Errorf("%s ack of %d bytes: %w", cmd.Tag, len(raw), ErrFraming)
		}
		if !bytes.Equal(raw[1:], sent[len(sent)-CRCSize:]) {
			return raw[:1], fmt.Errorf("%s echo 0x%08X: %w", cmd.Tag,
				binary.LittleEndian.Uint32(raw[1:]), ErrChecksumMismatch)
		}
		return raw[:1], nil
	}
	return raw, nil
}

func (ChecksumTrailer) Check(resp Response) error { return checkStatus(resp) }

func checkStatus(resp Response) error {
	if !resp.HasStatus {
		return nil
	}
	return DecodeStatus(resp.Status)
}

func sealed(t Tag) bool {
	return t == TagPageWrite || t == TagMemoryWrite
}

func checksummedRead(t Tag) bool {
	return t == TagPageRead || t == TagMemoryRead || t == TagRealtimeQuery
}

// NewDetector returns the detector for a family.
func NewDetector(f Family, echoCRC bool) (Detector, error) {
	switch f {
	case FamilyStatusByte:
		return StatusByte{}, nil
	case FamilyChecksum:
		return ChecksumTrailer{EchoCRC: echoCRC}, nil
	}
	return nil, fmt.Errorf("unknown error-detection family %d", int(f))
}
