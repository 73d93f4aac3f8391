package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// STX switches a line-oriented response stream into binary mode for the
	// byte count the command declared.
	STX = 0x02
	// ETX closes a binary block and returns the stream to text mode.
	ETX = 0x03

	// DefaultPrompt ends every line-oriented response.
	DefaultPrompt = "> "
)

// LineCodec frames commands for line oriented controllers.
type LineCodec struct {
	table  CommandTable
	prompt string
}

// NewLineCodec returns a codec using t's verbs. An empty prompt selects
// DefaultPrompt.
func NewLineCodec(t CommandTable, prompt string) *LineCodec {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &LineCodec{table: t, prompt: prompt}
}

func (c *LineCodec) Variant() Variant { return LineOriented }

// Prompt returns the prompt that terminates responses.
func (c *LineCodec) Prompt() string { return c.prompt }

// Table returns the command table the codec encodes with.
func (c *LineCodec) Table() CommandTable { return c.table }

// BlockMode reports whether cmd is answered with an STX/ETX binary block.
func (c *LineCodec) BlockMode(cmd Command) bool {
	if !cmd.Fast {
		return false
	}
	_, ok := c.table.BlockVerbs[cmd.Tag]
	return ok
}

func (c *LineCodec) verb(cmd Command) (string, error) {
	if c.BlockMode(cmd) {
		return c.table.BlockVerbs[cmd.Tag], nil
	}
	v, ok := c.table.Verbs[cmd.Tag]
	if !ok {
		return "", fmt.Errorf("%s has no console verb: %w", cmd.Tag, ErrInvalidCommand)
	}
	return v, nil
}

func (c *LineCodec) Encode(cmd Command) ([]byte, error) {
	if cmd.Tag == TagRawConsole {
		return []byte(cmd.Text + "\n"), nil
	}
	verb, err := c.verb(cmd)
	if err != nil {
		return nil, err
	}

	var line string
	switch cmd.Tag {
	case TagSignature, TagRealtimeQuery:
		line = verb
	case TagPageRead:
		line = fmt.Sprintf("%s %d %d %d", verb, cmd.Page, cmd.Offset, cmd.Length)
	case TagMemoryRead:
		line = fmt.Sprintf("%s %d %d", verb, cmd.Offset, cmd.Length)
	case TagPageWrite:
		if len(cmd.Data) == 0 {
			return nil, fmt.Errorf("empty page write: %w", ErrInvalidCommand)
		}
		line = fmt.Sprintf("%s %d %d %s", verb, cmd.Page, cmd.Offset, strings.ToUpper(hex.EncodeToString(cmd.Data)))
	case TagMemoryWrite:
		if len(cmd.Data) == 0 {
			return nil, fmt.Errorf("empty memory write: %w", ErrInvalidCommand)
		}
		line = fmt.Sprintf("%s %d %s", verb, cmd.Offset, strings.ToUpper(hex.EncodeToString(cmd.Data)))
	case TagBurn:
		line = fmt.Sprintf("%s %d", verb, cmd.Page)
	default:
		return nil, fmt.Errorf("%s on line controller: %w", cmd.Tag, ErrInvalidCommand)
	}
	return []byte(line + "\n"), nil
}

// Allowed accepts a single printable line. Anything but a raw console line
// must start with the table verb for its tag; a raw console line must not
// start with any table verb, so page and memory access only goes through the
// typed commands.
func (c *LineCodec) Allowed(cmd Command, frame []byte) bool {
	if len(frame) < 2 || frame[len(frame)-1] != '\n' {
		return false
	}
	body := string(frame[:len(frame)-1])
	if !printable(body) || strings.TrimSpace(body) == "" {
		return false
	}
	first := strings.Fields(body)[0]
	if cmd.Tag == TagRawConsole {
		_, exact := c.table.verbTag(first)
		_, folded := c.table.verbTag(strings.ToLower(first))
		return !exact && !folded
	}
	tag, ok := c.table.verbTag(first)
	return ok && tag == cmd.Tag
}

// Bounded is always true: every response ends with the prompt.
func (c *LineCodec) Bounded(Command) bool { return true }

func (c *LineCodec) Complete(cmd Command, buf []byte) bool {
	s, err := c.scan(cmd, buf)
	return err != nil || s.complete
}

func (c *LineCodec) Decode(cmd Command, raw []byte) (Response, error) {
	resp := Response{Tag: cmd.Tag}
	s, err := c.scan(cmd, raw)
	if err != nil {
		return resp, err
	}
	if !s.complete {
		return resp, fmt.Errorf("%s response without prompt: %w", cmd.Tag, ErrFraming)
	}
	resp.Lines = s.lines

	for _, l := range s.lines {
		if code, ok, err := parseErrLine(l); ok {
			if err != nil {
				return resp, err
			}
			resp.Status = code << 4
			resp.HasStatus = true
			return resp, nil
		}
	}

	switch cmd.Tag {
	case TagSignature:
		for _, l := range s.lines {
			if l = strings.TrimSpace(l); l != "" {
				resp.Data = []byte(l)
				return resp, nil
			}
		}
		return resp, fmt.Errorf("empty signature: %w", ErrFraming)

	case TagPageRead, TagMemoryRead, TagRealtimeQuery:
		if c.BlockMode(cmd) {
			if !s.hasBlock {
				return resp, fmt.Errorf("%s response without binary block: %w", cmd.Tag, ErrFraming)
			}
			resp.Data = append([]byte(nil), s.block...)
			return resp, nil
		}
		data, err := parseHexLines(s.lines)
		if err != nil {
			return resp, fmt.Errorf("%s: %v: %w", cmd.Tag, err, ErrFraming)
		}
		if len(data) != int(cmd.Length) {
			return resp, fmt.Errorf("%s returned %d bytes, want %d: %w", cmd.Tag, len(data), cmd.Length, ErrFraming)
		}
		resp.Data = data
		return resp, nil

	case TagPageWrite, TagMemoryWrite, TagBurn:
		for _, l := range s.lines {
			if strings.TrimSpace(l) == "OK" {
				resp.HasStatus = true
				return resp, nil
			}
		}
		return resp, fmt.Errorf("%s not acknowledged: %w", cmd.Tag, ErrFraming)
	}
	return resp, nil
}

// ParseLine parses a command line (without its newline) back into a Command.
// Used on the device side of the link.
func (c *LineCodec) ParseLine(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty line: %w", ErrInvalidCommand)
	}
	tag, ok := c.table.verbTag(fields[0])
	if !ok {
		return Command{Tag: TagRawConsole, Text: line}, nil
	}
	cmd := Command{Tag: tag}
	if bv, ok := c.table.BlockVerbs[tag]; ok && bv == fields[0] {
		cmd.Fast = true
	}

	args := fields[1:]
	nums := func(n int) ([]uint64, error) {
		if len(args) < n {
			return nil, fmt.Errorf("%s takes %d arguments: %w", fields[0], n, ErrInvalidCommand)
		}
		out := make([]uint64, n)
		for i := 0; i < n; i++ {
			v, err := strconv.ParseUint(args[i], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%s argument %q: %w", fields[0], args[i], ErrInvalidCommand)
			}
			out[i] = v
		}
		return out, nil
	}
	hexArg := func(i int) ([]byte, error) {
		if len(args) <= i {
			return nil, fmt.Errorf("%s missing data: %w", fields[0], ErrInvalidCommand)
		}
		b, err := hex.DecodeString(args[i])
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("%s data %q: %w", fields[0], args[i], ErrInvalidCommand)
		}
		return b, nil
	}

	switch tag {
	case TagPageRead:
		v, err := nums(3)
		if err != nil {
			return cmd, err
		}
		if v[0] > 0xff {
			return cmd, fmt.Errorf("page %d: %w", v[0], ErrInvalidPage)
		}
		cmd.Page, cmd.Offset, cmd.Length = uint8(v[0]), uint16(v[1]), uint16(v[2])
	case TagMemoryRead:
		v, err := nums(2)
		if err != nil {
			return cmd, err
		}
		cmd.Offset, cmd.Length = uint16(v[0]), uint16(v[1])
	case TagPageWrite:
		v, err := nums(2)
		if err != nil {
			return cmd, err
		}
		data, err := hexArg(2)
		if err != nil {
			return cmd, err
		}
		if v[0] > 0xff {
			return cmd, fmt.Errorf("page %d: %w", v[0], ErrInvalidPage)
		}
		cmd.Page, cmd.Offset, cmd.Data, cmd.Length = uint8(v[0]), uint16(v[1]), data, uint16(len(data))
	case TagMemoryWrite:
		v, err := nums(1)
		if err != nil {
			return cmd, err
		}
		data, err := hexArg(1)
		if err != nil {
			return cmd, err
		}
		cmd.Offset, cmd.Data, cmd.Length = uint16(v[0]), data, uint16(len(data))
	case TagBurn:
		v, err := nums(1)
		if err != nil {
			return cmd, err
		}
		if v[0] > 0xff {
			return cmd, fmt.Errorf("page %d: %w", v[0], ErrInvalidPage)
		}
		cmd.Page = uint8(v[0])
	}
	return cmd, nil
}

type lineScan struct {
	lines    []string
	block    []byte
	hasBlock bool
	complete bool
}

// scan walks a response buffer. A binary block is only recognised at the
// start of a line and only for block-mode commands; its length comes from
// the command, so block bytes may contain newlines or the prompt.
func (c *LineCodec) scan(cmd Command, buf []byte) (lineScan, error) {
	var s lineScan
	want := -1
	if c.BlockMode(cmd) {
		want = int(cmd.Length)
	}

	start := 0
	for i := 0; i < len(buf); {
		if want >= 0 && !s.hasBlock && i == start && buf[i] == STX {
			end := i + 1 + want
			if end >= len(buf) {
				return s, nil
			}
			if buf[end] != ETX {
				return s, fmt.Errorf("binary block of %d bytes not closed by ETX: %w", want, ErrFraming)
			}
			s.block = buf[i+1 : end]
			s.hasBlock = true
			i = end + 1
			start = i
			continue
		}
		if buf[i] == '\n' {
			s.lines = append(s.lines, strings.TrimRight(string(buf[start:i]), "\r"))
			i++
			start = i
			continue
		}
		i++
	}
	s.complete = string(buf[start:]) == c.prompt
	return s, nil
}

func parseErrLine(l string) (byte, bool, error) {
	l = strings.TrimSpace(l)
	if !strings.HasPrefix(l, "ERR") {
		return 0, false, nil
	}
	f := strings.Fields(l)
	if len(f) < 2 {
		return 0, true, fmt.Errorf("error line %q without code: %w", l, ErrFraming)
	}
	code, err := strconv.ParseUint(f[1], 10, 4)
	if err != nil {
		return 0, true, fmt.Errorf("error line %q: %w", l, ErrFraming)
	}
	return byte(code), true, nil
}

func parseHexLines(lines []string) ([]byte, error) {
	var out []byte
	for _, l := range lines {
		l = strings.ReplaceAll(strings.TrimSpace(l), " ", "")
		if l == "" {
			continue
		}
		b, err := hex.DecodeString(l)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
