package protocol

import (
	"errors"
	"fmt"
)

// Codec turns commands into frames and raw responses into Responses for one
// variant.
type Codec interface {
	Variant() Variant
	Encode(cmd Command) ([]byte, error)
	Allowed(cmd Command, frame []byte) bool
	Bounded(cmd Command) bool
	Complete(cmd Command, buf []byte) bool
	Decode(cmd Command, raw []byte) (Response, error)
}

// Adapter binds a codec to a detector. It is chosen once per connection.
type Adapter struct {
	codec    Codec
	detector Detector
}

// Options configure the adapter built by New.
type Options struct {
	Table   CommandTable
	Prompt  string
	EchoCRC bool
}

// NewAdapter pairs codec and detector. The checksum family only exists for
// binary framed controllers.
func NewAdapter(codec Codec, det Detector) (*Adapter, error) {
	if codec == nil || det == nil {
		return nil, errors.New("protocol: adapter needs a codec and a detector")
	}
	if det.Family() == FamilyChecksum && codec.Variant() != BinaryFramed {
		return nil, fmt.Errorf("protocol: %s detection is not available on %s controllers", det.Family(), codec.Variant())
	}
	return &Adapter{codec: codec, detector: det}, nil
}

// New builds the adapter for a variant/family pair. Table entries in opts
// override the defaults.
func New(v Variant, f Family, opts Options) (*Adapter, error) {
	table := DefaultCommandTable().Merge(opts.Table)
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}

	var codec Codec
	switch v {
	case BinaryFramed:
		codec = NewBinaryCodec(table)
	case LineOriented:
		codec = NewLineCodec(table, opts.Prompt)
	default:
		return nil, fmt.Errorf("protocol: unknown variant %d", int(v))
	}

	det, err := NewDetector(f, opts.EchoCRC)
	if err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	return NewAdapter(codec, det)
}

func (a *Adapter) Variant() Variant { return a.codec.Variant() }

func (a *Adapter) Family() Family { return a.detector.Family() }

func (a *Adapter) Codec() Codec { return a.codec }

// HasFastPath reports whether cmd has a distinct fast-comms encoding. Binary
// controllers use the same bytes on both paths and differ only in timing.
func (a *Adapter) HasFastPath(cmd Command) bool {
	if lc, ok := a.codec.(*LineCodec); ok {
		cmd.Fast = true
		return lc.BlockMode(cmd)
	}
	return true
}

// Frame encodes cmd, rejects anything outside the command table and applies
// the detector's outgoing decoration.
func (a *Adapter) Frame(cmd Command) ([]byte, error) {
	if cmd.Tag == TagRawConsole && a.codec.Variant() != LineOriented {
		return nil, fmt.Errorf("raw console on %s controller: %w", a.codec.Variant(), ErrInvalidCommand)
	}
	frame, err := a.codec.Encode(cmd)
	if err != nil {
		return nil, err
	}
	if !a.codec.Allowed(cmd, frame) {
		return nil, fmt.Errorf("%s frame rejected by allow-list: %w", cmd.Tag, ErrInvalidCommand)
	}
	return a.detector.Seal(cmd, frame), nil
}

// Bounded reports whether the response to cmd has a recognisable end. An
// unbounded response is read until the line goes idle.
func (a *Adapter) Bounded(cmd Command) bool { return a.codec.Bounded(cmd) }

// Complete reports whether buf holds the whole response to cmd.
func (a *Adapter) Complete(cmd Command, buf []byte) bool {
	ov := a.detector.Overhead(cmd)
	if len(buf) < ov {
		return false
	}
	return a.codec.Complete(cmd, buf[:len(buf)-ov])
}

// Parse verifies and decodes the raw response to the frame sent. A status
// code reported by the device is returned as a *StatusError alongside the
// response.
func (a *Adapter) Parse(cmd Command, sent, raw []byte) (Response, error) {
	payload, err := a.detector.Open(cmd, sent, raw)
	if err != nil {
		return Response{Tag: cmd.Tag}, err
	}
	resp, err := a.codec.Decode(cmd, payload)
	if err != nil {
		return resp, err
	}
	return resp, a.detector.Check(resp)
}
