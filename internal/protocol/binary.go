package protocol

import (
	"encoding/binary"
	"fmt"
)

// BinaryCodec frames commands for binary framed controllers. Page-write
// offsets are little-endian; memory offsets and lengths are big-endian.
type BinaryCodec struct {
	table CommandTable
}

// NewBinaryCodec returns a codec using t's opcodes.
func NewBinaryCodec(t CommandTable) *BinaryCodec {
	return &BinaryCodec{table: t}
}

func (c *BinaryCodec) Variant() Variant { return BinaryFramed }

// Table returns the command table the codec encodes with.
func (c *BinaryCodec) Table() CommandTable { return c.table }

func (c *BinaryCodec) Encode(cmd Command) ([]byte, error) {
	op, ok := c.table.Opcodes[cmd.Tag]
	if !ok {
		return nil, fmt.Errorf("%s has no binary opcode: %w", cmd.Tag, ErrInvalidCommand)
	}

	switch cmd.Tag {
	case TagSignature, TagRealtimeQuery:
		return []byte{op}, nil
	case TagPageRead, TagBurn:
		return []byte{op, cmd.Page}, nil
	case TagPageWrite:
		if len(cmd.Data) == 0 {
			return nil, fmt.Errorf("empty page write: %w", ErrInvalidCommand)
		}
		return encodePageWrite(op, cmd.Page, cmd.Offset, cmd.Data), nil
	case TagMemoryRead:
		return []byte{op, byte(cmd.Offset >> 8), byte(cmd.Offset), byte(cmd.Length >> 8), byte(cmd.Length)}, nil
	case TagMemoryWrite:
		if len(cmd.Data) == 0 || len(cmd.Data) > 0xffff {
			return nil, fmt.Errorf("memory write of %d bytes: %w", len(cmd.Data), ErrInvalidCommand)
		}
		frame := make([]byte, 0, 5+len(cmd.Data))
		frame = append(frame, op)
		frame = binary.BigEndian.AppendUint16(frame, cmd.Offset)
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(cmd.Data)))
		return append(frame, cmd.Data...), nil
	}
	return nil, fmt.Errorf("%s on binary controller: %w", cmd.Tag, ErrInvalidCommand)
}

// Allowed reports whether frame starts with an opcode from the table.
func (c *BinaryCodec) Allowed(cmd Command, frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	tag, ok := c.table.opcodeTag(frame[0])
	return ok && tag == cmd.Tag
}

// ResponseLen is the payload length the command's answer carries, or -1 when
// the answer is read until the line goes idle.
func (c *BinaryCodec) ResponseLen(cmd Command) int {
	switch cmd.Tag {
	case TagPageWrite, TagMemoryWrite, TagBurn:
		return 1
	case TagSignature:
		if cmd.Length == 0 {
			return -1
		}
	}
	return int(cmd.Length)
}

func (c *BinaryCodec) Bounded(cmd Command) bool { return c.ResponseLen(cmd) >= 0 }

func (c *BinaryCodec) Complete(cmd Command, buf []byte) bool {
	n := c.ResponseLen(cmd)
	return n >= 0 && len(buf) >= n
}

func (c *BinaryCodec) Decode(cmd Command, raw []byte) (Response, error) {
	resp := Response{Tag: cmd.Tag}
	switch cmd.Tag {
	case TagPageWrite, TagMemoryWrite, TagBurn:
		if len(raw) != 1 {
			return resp, fmt.Errorf("%s ack of %d bytes: %w", cmd.Tag, len(raw), ErrFraming)
		}
		resp.Status = raw[0]
		resp.HasStatus = true
		return resp, nil
	case TagSignature:
		if cmd.Length > 0 && len(raw) != int(cmd.Length) {
			return resp, fmt.Errorf("signature of %d bytes, want %d: %w", len(raw), cmd.Length, ErrFraming)
		}
	default:
		if len(raw) != int(cmd.Length) {
			return resp, fmt.Errorf("%s returned %d bytes, want %d: %w", cmd.Tag, len(raw), cmd.Length, ErrFraming)
		}
	}
	resp.Data = append([]byte(nil), raw...)
	return resp, nil
}

// DecodeCommand parses one complete binary frame (without any checksum
// trailer) back into a Command. Used on the device side of the link.
func (c *BinaryCodec) DecodeCommand(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return Command{}, fmt.Errorf("empty frame: %w", ErrInvalidCommand)
	}
	tag, ok := c.table.opcodeTag(frame[0])
	if !ok {
		return Command{}, fmt.Errorf("opcode 0x%02X: %w", frame[0], ErrInvalidCommand)
	}

	short := func(n int) error {
		if len(frame) < n {
			return fmt.Errorf("%s frame of %d bytes: %w", tag, len(frame), ErrFraming)
		}
		return nil
	}

	cmd := Command{Tag: tag}
	switch tag {
	case TagPageRead, TagBurn:
		if err := short(2); err != nil {
			return cmd, err
		}
		cmd.Page = frame[1]
	case TagPageWrite:
		page, off, data, err := decodePageWrite(frame)
		if err != nil {
			return cmd, err
		}
		cmd.Page, cmd.Offset, cmd.Data, cmd.Length = page, off, data, uint16(len(data))
	case TagMemoryRead:
		if err := short(5); err != nil {
			return cmd, err
		}
		cmd.Offset = binary.BigEndian.Uint16(frame[1:3])
		cmd.Length = binary.BigEndian.Uint16(frame[3:5])
	case TagMemoryWrite:
		if err := short(5); err != nil {
			return cmd, err
		}
		cmd.Offset = binary.BigEndian.Uint16(frame[1:3])
		cmd.Length = binary.BigEndian.Uint16(frame[3:5])
		if len(frame) != 5+int(cmd.Length) {
			return cmd, fmt.Errorf("memory write declares %d bytes, carries %d: %w", cmd.Length, len(frame)-5, ErrFraming)
		}
		cmd.Data = append([]byte(nil), frame[5:]...)
	}
	return cmd, nil
}

// EncodePageWrite builds ['W', page, off_lo, off_hi, data...].
func EncodePageWrite(page uint8, offset uint16, data []byte) []byte {
	return encodePageWrite('W', page, offset, data)
}

// DecodePageWrite is the inverse of EncodePageWrite.
func DecodePageWrite(frame []byte) (page uint8, offset uint16, data []byte, err error) {
	if len(frame) > 0 && frame[0] != 'W' {
		return 0, 0, nil, fmt.Errorf("opcode 0x%02X is not a page write: %w", frame[0], ErrInvalidCommand)
	}
	return decodePageWrite(frame)
}

func encodePageWrite(op, page uint8, offset uint16, data []byte) []byte {
	frame := make([]byte, 0, 4+len(data))
	frame = append(frame, op, page)
	frame = binary.LittleEndian.AppendUint16(frame, offset)
	return append(frame, data...)
}

func decodePageWrite(frame []byte) (uint8, uint16, []byte, error) {
	if len(frame) < 5 {
		return 0, 0, nil, fmt.Errorf("page write frame of %d bytes: %w", len(frame), ErrFraming)
	}
	data := append([]byte(nil), frame[4:]...)
	return frame[1], binary.LittleEndian.Uint16(frame[2:4]), data, nil
}
