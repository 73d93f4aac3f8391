// Package protocol encodes and decodes ECU command frames for the two
// controller families (binary framed and line oriented) and validates
// responses with the family's error-detection strategy. Nothing in this
// package performs I/O.
package protocol

import (
	"fmt"
	"strings"
)

// Variant selects the framing family of a controller.
type Variant int

const (
	// BinaryFramed controllers take single-byte opcodes followed by binary
	// arguments (Speeduino/MegaSquirt style).
	BinaryFramed Variant = iota
	// LineOriented controllers take newline-terminated ASCII commands and
	// answer with text lines ending in a prompt.
	LineOriented
)

func (v Variant) String() string {
	switch v {
	case BinaryFramed:
		return "binary"
	case LineOriented:
		return "line"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant accepts "binary" or "line".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "binary", "binaryframed":
		return BinaryFramed, nil
	case "line", "lineoriented", "text":
		return LineOriented, nil
	}
	return 0, fmt.Errorf("unknown protocol variant %q", s)
}

// Family selects the error-detection strategy of a controller.
type Family int

const (
	FamilyStatusByte Family = iota
	FamilyChecksum
)

func (f Family) String() string {
	switch f {
	case FamilyStatusByte:
		return "status"
	case FamilyChecksum:
		return "crc32"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily accepts "status" or "crc32".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "status", "statusbyte":
		return FamilyStatusByte, nil
	case "crc32", "checksum", "crc":
		return FamilyChecksum, nil
	}
	return 0, fmt.Errorf("unknown error-detection family %q", s)
}

// Tag is the logical kind of a command.
type Tag int

const (
	TagSignature Tag = iota
	TagPageRead
	TagPageWrite
	TagMemoryRead
	TagMemoryWrite
	TagRealtimeQuery
	TagBurn
	TagRawConsole
)

var tagNames = map[Tag]string{
	TagSignature:     "signature",
	TagPageRead:      "page-read",
	TagPageWrite:     "page-write",
	TagMemoryRead:    "memory-read",
	TagMemoryWrite:   "memory-write",
	TagRealtimeQuery: "realtime",
	TagBurn:          "burn",
	TagRawConsole:    "console",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// IsWrite reports whether the command mutates device memory.
func (t Tag) IsWrite() bool {
	return t == TagPageWrite || t == TagMemoryWrite || t == TagBurn
}

// Command is one request to the device. Length is the number of payload
// bytes the response must carry for reads (page length, memory length,
// realtime block size, signature length; 0 means "until idle").
type Command struct {
	Tag    Tag
	Page   uint8
	Offset uint16
	Length uint16
	Data   []byte
	Text   string // raw console line

	// Fast selects the variant's fast-comms path.
	Fast bool
}

// Response is the decoded answer to a Command.
type Response struct {
	Tag  Tag
	Data []byte

	// Status is the device status byte for acknowledged commands.
	Status    byte
	HasStatus bool

	Lines []string

	// FellBack is set when a fast-path attempt failed and the standard path
	// answered instead, and the caller asked to see that.
	FellBack bool
}

// PageRead builds a whole-page read command.
func PageRead(page uint8, length uint16) Command {
	return Command{Tag: TagPageRead, Page: page, Length: length}
}

// PageWrite builds a page write command.
func PageWrite(page uint8, offset uint16, data []byte) Command {
	return Command{Tag: TagPageWrite, Page: page, Offset: offset, Data: data, Length: uint16(len(data))}
}

// MemoryRead builds an absolute memory read.
func MemoryRead(offset, length uint16) Command {
	return Command{Tag: TagMemoryRead, Offset: offset, Length: length}
}

// MemoryWrite builds an absolute memory write.
func MemoryWrite(offset uint16, data []byte) Command {
	return Command{Tag: TagMemoryWrite, Offset: offset, Data: data, Length: uint16(len(data))}
}

// Realtime builds a realtime block query of size bytes.
func Realtime(size uint16) Command {
	return Command{Tag: TagRealtimeQuery, Length: size}
}

// Signature builds the handshake query. length 0 reads until the line idles.
func Signature(length uint16) Command {
	return Command{Tag: TagSignature, Length: length}
}

// Burn builds a commit-to-flash command for one page.
func Burn(page uint8) Command {
	return Command{Tag: TagBurn, Page: page}
}

// Console builds a raw console command (line-oriented controllers only).
func Console(text string) Command {
	return Command{Tag: TagRawConsole, Text: text}
}
