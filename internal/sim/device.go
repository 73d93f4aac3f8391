// Package sim is a simulated ECU behind the transport.Port interface. It
// speaks both protocol variants and both error-detection families, keeps
// real page images, and can inject the faults a flaky serial link shows:
// silence at the wrong baud, pages that never answer, corrupted reads and
// rejected writes. It backs demo mode and the package tests.
package sim

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/protocol"
	"github.com/shaunagostinho/goefitune/internal/transport"
)

const memorySize = 2048

// Config configures a simulated device.
type Config struct {
	Layout *layout.Layout

	// Baud is the only rate the device answers at. 0 answers at any rate.
	Baud int

	// BootNoise is emitted as soon as a port opens.
	BootNoise []byte

	// Latency delays every response.
	Latency time.Duration

	// Signature overrides the layout's signature.
	Signature string

	// NoBlockMode makes a line-oriented device reject binary-block verbs.
	NoBlockMode bool

	Seed   int64
	Logger *zap.Logger
}

// Device is one simulated controller. It survives port close/open cycles.
type Device struct {
	cfg    Config
	log    *zap.Logger
	codec  protocol.Codec
	family protocol.Family
	echo   bool

	mu        sync.Mutex
	pages     map[uint8][]byte
	burned    map[uint8][]byte
	memory    []byte
	engine    *engine
	stalled   map[uint8]bool
	delayed   map[uint8]delay
	late      *delay
	corrupt   map[uint8]int
	failWrite int
	absent    bool
	current   *port
	history   []protocol.Command

	opens    atomic.Int32
	overlaps atomic.Int32
}

// New builds a device for cfg.Layout, which must be valid.
func New(cfg Config) (*Device, error) {
	if cfg.Layout == nil {
		cfg.Layout = layout.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Signature == "" {
		cfg.Signature = cfg.Layout.Signature
	}
	a, err := cfg.Layout.Adapter()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	d := &Device{
		cfg:     cfg,
		log:     cfg.Logger.Named("sim"),
		codec:   a.Codec(),
		family:  a.Family(),
		echo:    cfg.Layout.EchoCRC,
		pages:   make(map[uint8][]byte),
		burned:  make(map[uint8][]byte),
		memory:  make([]byte, memorySize),
		engine:  newEngine(cfg.Seed),
		stalled: make(map[uint8]bool),
		delayed: make(map[uint8]delay),
		corrupt: make(map[uint8]int),
	}
	for _, p := range cfg.Layout.Pages {
		buf := make([]byte, p.Length)
		for i := range buf {
			buf[i] = byte(int(p.Index)*31 + i)
		}
		d.pages[p.Index] = buf
		d.burned[p.Index] = append([]byte(nil), buf...)
	}
	return d, nil
}

// Opener returns a transport.Opener whose ports talk to d.
func (d *Device) Opener() transport.Opener {
	return transport.OpenerFunc(d.open)
}

func (d *Device) open(s transport.Settings) (transport.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.absent {
		return nil, fmt.Errorf("%w: %s", transport.ErrPortNotFound, s.Port)
	}
	d.opens.Inc()

	p := newPort(d, s.BaudRate)
	d.current = p
	if len(d.cfg.BootNoise) > 0 && d.answers(s.BaudRate) {
		p.push(d.cfg.BootNoise)
	}
	d.log.Debug("port opened", zap.String("port", s.Port), zap.Int("baud", s.BaudRate))
	return p, nil
}

func (d *Device) answers(baud int) bool {
	return d.cfg.Baud == 0 || d.cfg.Baud == baud
}

// Opens counts how many times a port was opened.
func (d *Device) Opens() int { return int(d.opens.Load()) }

// Overlaps counts commands that arrived while a previous response was still
// unread.
func (d *Device) Overlaps() int { return int(d.overlaps.Load()) }

// StallPage makes reads of page go unanswered.
func (d *Device) StallPage(page uint8, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled[page] = on
}

// delay holds back the tail of a page-read answer.
type delay struct {
	after  time.Duration
	onTime int
}

// DelayPage makes reads of page answer late: the first onTime bytes of the
// response go out as usual and the rest follows after the given delay. A
// zero delay clears it.
func (d *Device) DelayPage(page uint8, after time.Duration, onTime int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if after <= 0 {
		delete(d.delayed, page)
		return
	}
	d.delayed[page] = delay{after: after, onTime: onTime}
}

// CorruptReads makes the next n reads of page return inverted bytes.
func (d *Device) CorruptReads(page uint8, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt[page] = n
}

// FailWrites makes the next n page or memory writes answer with a checksum
// status.
func (d *Device) FailWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite = n
}

// SetPresent controls whether opening a port finds the device.
func (d *Device) SetPresent(present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absent = !present
}

// Unplug breaks the current link: pending and future reads fail.
func (d *Device) Unplug() {
	d.mu.Lock()
	p := d.current
	d.mu.Unlock()
	if p != nil {
		p.fail()
	}
}

// Page returns a copy of a page's RAM image.
func (d *Device) Page(page uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.pages[page]...)
}

// Burned returns a copy of a page's flash image.
func (d *Device) Burned(page uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.burned[page]...)
}

// SetPage overwrites a page's RAM image.
func (d *Device) SetPage(page uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[page] = append([]byte(nil), data...)
}

// History returns the commands the device has decoded, in arrival order.
func (d *Device) History() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.history...)
}

// chunk is part of a response, sent after the device latency plus after.
type chunk struct {
	data  []byte
	after time.Duration
}

// receive handles bytes written by the host on p and returns the response
// chunks to queue in order, or nil for silence.
func (d *Device) receive(p *port, b []byte) []chunk {
	if !d.answers(p.baud) {
		return nil
	}
	var out []chunk
	switch c := d.codec.(type) {
	case *protocol.BinaryCodec:
		if r := d.binaryFrame(c, b); r != nil {
			out = d.split(r)
		}
	case *protocol.LineCodec:
		for _, line := range p.lines(b) {
			if r := d.lineCommand(c, line); r != nil {
				out = append(out, d.split(r)...)
			}
		}
	}
	return out
}

// split applies a pending DelayPage to the response r.
func (d *Device) split(r []byte) []chunk {
	d.mu.Lock()
	late := d.late
	d.late = nil
	d.mu.Unlock()

	if late == nil {
		return []chunk{{data: r}}
	}
	n := min(late.onTime, len(r))
	var out []chunk
	if n > 0 {
		out = append(out, chunk{data: r[:n]})
	}
	return append(out, chunk{data: r[n:], after: late.after})
}

func (d *Device) binaryFrame(c *protocol.BinaryCodec, frame []byte) []byte {
	if len(frame) > 0 && frame[0] == 0 {
		return nil // null flush bytes
	}
	crcOK := true
	ops := c.Table().Opcodes
	if d.family == protocol.FamilyChecksum && (frame[0] == ops[protocol.TagPageWrite] || frame[0] == ops[protocol.TagMemoryWrite]) {
		payload, err := protocol.SplitCRC32(frame)
		if payload == nil {
			d.log.Debug("frame shorter than its checksum", zap.Binary("frame", frame), zap.Error(err))
			return nil
		}
		crcOK = err == nil
		frame = payload
	}
	cmd, err := c.DecodeCommand(frame)
	if err != nil {
		d.log.Debug("undecodable frame", zap.Binary("frame", frame), zap.Error(err))
		if errors.Is(err, protocol.ErrInvalidCommand) {
			return []byte{protocol.StatusInvalidCommand << 4}
		}
		return nil
	}
	d.record(cmd)

	data, status, answer := d.execute(cmd, crcOK)
	if !answer {
		return nil
	}
	switch cmd.Tag {
	case protocol.TagPageWrite, protocol.TagMemoryWrite:
		out := []byte{status}
		if d.family == protocol.FamilyChecksum && d.echo {
			out = binary.LittleEndian.AppendUint32(out, protocol.CRC32(frame))
		}
		return out
	case protocol.TagBurn:
		return []byte{status}
	case protocol.TagSignature:
		return data
	}
	if d.family == protocol.FamilyChecksum {
		return protocol.AppendCRC32(data)
	}
	return data
}

func (d *Device) lineCommand(c *protocol.LineCodec, line string) []byte {
	prompt := []byte(c.Prompt())
	if strings.TrimSpace(line) == "" {
		return prompt
	}
	cmd, err := c.ParseLine(line)
	if err != nil {
		code := byte(protocol.StatusInvalidCommand)
		if errors.Is(err, protocol.ErrInvalidPage) {
			code = protocol.StatusInvalidPage
		}
		return append([]byte(fmt.Sprintf("ERR %d\n", code)), prompt...)
	}
	d.record(cmd)

	if cmd.Fast && d.cfg.NoBlockMode {
		return append([]byte(fmt.Sprintf("ERR %d\n", protocol.StatusInvalidCommand)), prompt...)
	}

	if cmd.Tag == protocol.TagRawConsole {
		return append(d.console(cmd.Text), prompt...)
	}

	data, status, answer := d.execute(cmd, true)
	if !answer {
		return nil
	}
	var out bytes.Buffer
	if code := protocol.StatusCode(status); code != protocol.StatusOK {
		fmt.Fprintf(&out, "ERR %d\n", code)
		out.Write(prompt)
		return out.Bytes()
	}

	switch cmd.Tag {
	case protocol.TagSignature:
		out.WriteString(string(data) + "\n")
	case protocol.TagPageWrite, protocol.TagMemoryWrite, protocol.TagBurn:
		out.WriteString("OK\n")
	default:
		if cmd.Fast {
			out.WriteByte(protocol.STX)
			out.Write(data)
			out.WriteByte(protocol.ETX)
			break
		}
		for i := 0; i < len(data); i += 32 {
			end := i + 32
			if end > len(data) {
				end = len(data)
			}
			out.WriteString(strings.ToUpper(hex.EncodeToString(data[i:end])) + "\n")
		}
	}
	out.Write(prompt)
	return out.Bytes()
}

func (d *Device) console(text string) []byte {
	switch strings.TrimSpace(text) {
	case "version":
		return []byte(d.cfg.Signature + "\n")
	case "status":
		return []byte("running\n")
	case "help":
		return []byte("commands: version status help\n")
	}
	return []byte("unknown command\n")
}

func (d *Device) record(cmd protocol.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, cmd)
}

// execute applies cmd to the device state. answer false means the device
// stays silent.
func (d *Device) execute(cmd protocol.Command, crcOK bool) (data []byte, status byte, answer bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd.Tag {
	case protocol.TagSignature:
		sig := []byte(d.cfg.Signature)
		if n := int(d.cfg.Layout.SignatureLength); n > 0 && d.codec.Variant() == protocol.BinaryFramed {
			fixed := make([]byte, n)
			copy(fixed, sig)
			sig = fixed
		}
		return sig, 0, true

	case protocol.TagRealtimeQuery:
		return d.engine.block(int(d.cfg.Layout.RealtimeSize)), 0, true

	case protocol.TagPageRead:
		buf, ok := d.pages[cmd.Page]
		if !ok {
			return nil, protocol.StatusInvalidPage << 4, d.codec.Variant() == protocol.LineOriented
		}
		if d.stalled[cmd.Page] {
			return nil, 0, false
		}
		if dl, ok := d.delayed[cmd.Page]; ok {
			d.late = &dl
		}
		start, end := 0, len(buf)
		if d.codec.Variant() == protocol.LineOriented {
			base := d.base(cmd.Page)
			start = int(cmd.Offset) - base
			end = start + int(cmd.Length)
			if start < 0 || end > len(buf) {
				return nil, protocol.StatusBufferOverflow << 4, true
			}
		}
		out := append([]byte(nil), buf[start:end]...)
		if d.corrupt[cmd.Page] > 0 {
			d.corrupt[cmd.Page]--
			for i := range out {
				out[i] ^= 0xff
			}
		}
		return out, 0, true

	case protocol.TagPageWrite:
		buf, ok := d.pages[cmd.Page]
		if !ok {
			return nil, protocol.StatusInvalidPage << 4, true
		}
		if !crcOK || d.failWrite > 0 {
			if d.failWrite > 0 {
				d.failWrite--
			}
			return nil, protocol.StatusChecksumMismatch << 4, true
		}
		start := int(cmd.Offset) - d.base(cmd.Page)
		if start < 0 || start+len(cmd.Data) > len(buf) {
			return nil, protocol.StatusBufferOverflow << 4, true
		}
		copy(buf[start:], cmd.Data)
		return nil, protocol.FlagBurnPending, true

	case protocol.TagMemoryRead:
		end := int(cmd.Offset) + int(cmd.Length)
		if end > len(d.memory) {
			return nil, protocol.StatusBufferOverflow << 4, d.codec.Variant() == protocol.LineOriented
		}
		return append([]byte(nil), d.memory[cmd.Offset:end]...), 0, true

	case protocol.TagMemoryWrite:
		if !crcOK || d.failWrite > 0 {
			if d.failWrite > 0 {
				d.failWrite--
			}
			return nil, protocol.StatusChecksumMismatch << 4, true
		}
		end := int(cmd.Offset) + len(cmd.Data)
		if end > len(d.memory) {
			return nil, protocol.StatusBufferOverflow << 4, true
		}
		copy(d.memory[cmd.Offset:], cmd.Data)
		return nil, 0, true

	case protocol.TagBurn:
		buf, ok := d.pages[cmd.Page]
		if !ok {
			return nil, protocol.StatusInvalidPage << 4, true
		}
		d.burned[cmd.Page] = append([]byte(nil), buf...)
		return nil, 0, true
	}
	return nil, protocol.StatusInvalidCommand << 4, true
}

func (d *Device) base(page uint8) int {
	if p, ok := d.cfg.Layout.Page(page); ok {
		return int(p.OffsetBase)
	}
	return 0
}
