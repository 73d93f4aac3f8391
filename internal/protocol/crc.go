package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// CRCSize is the length of a CRC-32 trailer on the wire.
const CRCSize = 4

// CRC32 computes the reflected CRC-32 (polynomial 0xEDB88320, initial value
// 0xFFFFFFFF, final complement).
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// VerifyCRC32 reports whether crc matches b.
func VerifyCRC32(b []byte, crc uint32) bool {
	return CRC32(b) == crc
}

// AppendCRC32 appends the little-endian CRC-32 of b to b.
func AppendCRC32(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, CRC32(b))
}

// SplitCRC32 separates a little-endian CRC-32 trailer from its payload and
// verifies it.
func SplitCRC32(b []byte) ([]byte, error) {
	if len(b) < CRCSize {
		return nil, ErrFraming
	}
	payload := b[:len(b)-CRCSize]
	if !VerifyCRC32(payload, binary.LittleEndian.Uint32(b[len(b)-CRCSize:])) {
		return payload, ErrChecksumMismatch
	}
	return payload, nil
}
