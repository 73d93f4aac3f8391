package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
	assert.True(t, VerifyCRC32([]byte("123456789"), 0xCBF43926))
	assert.False(t, VerifyCRC32([]byte("123456780"), 0xCBF43926))

	framed := AppendCRC32([]byte{1, 2, 3})
	require.Len(t, framed, 7)
	payload, err := SplitCRC32(framed)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	framed[0] ^= 0xff
	_, err = SplitCRC32(framed)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestPageWriteRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		page   uint8
		offset uint16
		data   []byte
	}{
		{"start of page", 0, 0, []byte{0x10}},
		{"little endian offset", 3, 0x0102, []byte{0xAA, 0xBB, 0xCC}},
		{"max offset", 255, 0xffff, []byte{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodePageWrite(tt.page, tt.offset, tt.data)
			assert.Equal(t, byte('W'), frame[0])
			assert.Equal(t, byte(tt.offset), frame[2], "offset low byte first")
			assert.Equal(t, byte(tt.offset>>8), frame[3])

			page, off, data, err := DecodePageWrite(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.offset, off)
			assert.Equal(t, tt.data, data)
		})
	}

	_, _, _, err := DecodePageWrite([]byte{'W', 1, 0})
	assert.ErrorIs(t, err, ErrFraming)
}

func TestBinaryEncode(t *testing.T) {
	c := NewBinaryCodec(DefaultCommandTable())
	tests := []struct {
		cmd  Command
		want []byte
	}{
		{PageRead(2, 128), []byte{'R', 2}},
		{MemoryRead(0x0102, 0x0304), []byte{'r', 0x01, 0x02, 0x03, 0x04}},
		{MemoryWrite(0x0010, []byte{9, 8}), []byte{'M', 0x00, 0x10, 0x00, 0x02, 9, 8}},
		{Realtime(130), []byte{'A'}},
		{Burn(1), []byte{'b', 1}},
		{Signature(0), []byte{'Q'}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.Tag.String(), func(t *testing.T) {
			got, err := c.Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := c.DecodeCommand(got)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.Tag, back.Tag)
		})
	}

	_, err := c.Encode(Console("status"))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		status byte
		want   error
	}{
		{0x00, nil},
		{0x01, nil}, // burn pending flag only
		{0x03, nil},
		{0x10, ErrSignatureMismatch},
		{0x21, ErrInvalidCommand},
		{0x30, ErrInvalidPage},
		{0x40, ErrChecksumMismatch},
		{0x52, ErrBufferOverflow},
	}
	for _, tt := range tests {
		err := DecodeStatus(tt.status)
		if tt.want == nil {
			assert.NoError(t, err, "status 0x%02X", tt.status)
			continue
		}
		assert.ErrorIs(t, err, tt.want, "status 0x%02X", tt.status)
	}

	var ecuErr *EcuError
	require.ErrorAs(t, DecodeStatus(0x90), &ecuErr)
	assert.Equal(t, byte(9), ecuErr.Code)
}

func TestAllowList(t *testing.T) {
	table := DefaultCommandTable()
	a, err := New(BinaryFramed, FamilyStatusByte, Options{})
	require.NoError(t, err)

	_, err = a.Frame(Command{Tag: TagRawConsole, Text: "reboot"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.False(t, a.Codec().Allowed(PageRead(0, 1), []byte{'Z', 0}))

	l, err := New(LineOriented, FamilyStatusByte, Options{})
	require.NoError(t, err)
	lc := l.Codec()
	assert.True(t, lc.Allowed(PageRead(1, 0), []byte("dump 1 0 16\n")))
	assert.False(t, lc.Allowed(PageRead(1, 0), []byte("erase 1\n")))
	assert.False(t, lc.Allowed(Console("x"), []byte("bad\x07\n")))
	assert.True(t, lc.Allowed(Console("status"), []byte("status\n")))

	for _, line := range []string{"write 1 0 FF", "poke 16 00", "burn 1", "WRITE 1 0 FF", "  dump 1 0 4", "rtb"} {
		_, err := l.Frame(Console(line))
		assert.ErrorIs(t, err, ErrInvalidCommand, line)
	}

	_, err = l.Frame(Console("status\x1b[2J"))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	table.Opcodes[TagBurn] = 'R'
	assert.Error(t, table.Validate())
}

func TestChecksumAdapter(t *testing.T) {
	a, err := New(BinaryFramed, FamilyChecksum, Options{EchoCRC: true})
	require.NoError(t, err)

	cmd := PageWrite(1, 4, []byte{1, 2})
	frame, err := a.Frame(cmd)
	require.NoError(t, err)
	require.Len(t, frame, 6+CRCSize)
	assert.Equal(t, CRC32(frame[:6]), binary.LittleEndian.Uint32(frame[6:]))

	ack := append([]byte{0x00}, frame[6:]...)
	assert.True(t, a.Complete(cmd, ack))
	_, err = a.Parse(cmd, frame, ack)
	assert.NoError(t, err)

	bad := append([]byte{0x00}, 0, 0, 0, 0)
	_, err = a.Parse(cmd, frame, bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	read := PageRead(1, 3)
	raw := AppendCRC32([]byte{7, 8, 9})
	assert.False(t, a.Complete(read, raw[:5]))
	assert.True(t, a.Complete(read, raw))
	resp, err := a.Parse(read, []byte{'R', 1}, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, resp.Data)

	raw[1] ^= 0x01
	_, err = a.Parse(read, []byte{'R', 1}, raw)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = New(LineOriented, FamilyChecksum, Options{})
	assert.Error(t, err)
}

func TestStatusAdapter(t *testing.T) {
	a, err := New(BinaryFramed, FamilyStatusByte, Options{})
	require.NoError(t, err)

	cmd := PageWrite(0, 0, []byte{1})
	_, err = a.Parse(cmd, nil, []byte{0x01})
	assert.NoError(t, err)

	_, err = a.Parse(cmd, nil, []byte{0x30})
	assert.ErrorIs(t, err, ErrInvalidPage)

	_, err = a.Parse(PageRead(0, 4), nil, []byte{1, 2})
	assert.ErrorIs(t, err, ErrFraming)

	assert.False(t, a.Bounded(Signature(0)))
	assert.True(t, a.Bounded(Signature(20)))
}

func TestLineCodec(t *testing.T) {
	c := NewLineCodec(DefaultCommandTable(), "")

	t.Run("encode", func(t *testing.T) {
		got, err := c.Encode(PageWrite(2, 16, []byte{0xAB, 0x01}))
		require.NoError(t, err)
		assert.Equal(t, "write 2 16 AB01\n", string(got))

		fast := PageRead(1, 8)
		fast.Fast = true
		got, err = c.Encode(fast)
		require.NoError(t, err)
		assert.Equal(t, "read 1 0 8\n", string(got))

		got, err = c.Encode(PageRead(1, 8))
		require.NoError(t, err)
		assert.Equal(t, "dump 1 0 8\n", string(got))
	})

	t.Run("text read", func(t *testing.T) {
		cmd := PageRead(1, 4)
		raw := []byte("01 02\n0304\n> ")
		assert.False(t, c.Complete(cmd, raw[:len(raw)-1]))
		assert.True(t, c.Complete(cmd, raw))
		resp, err := c.Decode(cmd, raw)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, resp.Data)
	})

	t.Run("binary block switches mode", func(t *testing.T) {
		cmd := PageRead(1, 4)
		cmd.Fast = true
		// Block bytes include a newline and the prompt characters.
		raw := []byte{STX, '\n', '>', ' ', 0xff, ETX, '>', ' '}
		assert.False(t, c.Complete(cmd, raw[:4]))
		assert.False(t, c.Complete(cmd, raw[:6]))
		assert.True(t, c.Complete(cmd, raw))

		resp, err := c.Decode(cmd, raw)
		require.NoError(t, err)
		assert.Equal(t, []byte{'\n', '>', ' ', 0xff}, resp.Data)

		bad := []byte{STX, 1, 2, 3, 4, 'x', '>', ' '}
		assert.True(t, c.Complete(cmd, bad))
		_, err = c.Decode(cmd, bad)
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("status lines", func(t *testing.T) {
		resp, err := c.Decode(Burn(0), []byte("OK\n> "))
		require.NoError(t, err)
		assert.True(t, resp.HasStatus)
		assert.NoError(t, DecodeStatus(resp.Status))

		resp, err = c.Decode(PageRead(9, 4), []byte("ERR 3\n> "))
		require.NoError(t, err)
		assert.ErrorIs(t, DecodeStatus(resp.Status), ErrInvalidPage)
	})

	t.Run("parse line", func(t *testing.T) {
		cmd, err := c.ParseLine("write 2 16 AB01")
		require.NoError(t, err)
		assert.Equal(t, TagPageWrite, cmd.Tag)
		assert.Equal(t, uint16(16), cmd.Offset)
		assert.Equal(t, []byte{0xAB, 0x01}, cmd.Data)

		cmd, err = c.ParseLine("rtb")
		require.NoError(t, err)
		assert.Equal(t, TagRealtimeQuery, cmd.Tag)
		assert.True(t, cmd.Fast)

		cmd, err = c.ParseLine("status")
		require.NoError(t, err)
		assert.Equal(t, TagRawConsole, cmd.Tag)
	})
}
